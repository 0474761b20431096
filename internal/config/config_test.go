package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T, keys []string) {
	originals := make(map[string]string, len(keys))
	for _, k := range keys {
		originals[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for k, v := range originals {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	})
}

var allKeys = []string{
	"EMAILPIPE_REDIS_ADDRESS", "EMAILPIPE_REDIS_STREAM_NAME",
	"EMAILPIPE_IMAP_HOST", "EMAILPIPE_IMAP_PORT", "EMAILPIPE_IMAP_POLL_INTERVAL",
	"EMAILPIPE_OAUTH_PROVIDER", "EMAILPIPE_OAUTH_CLIENT_ID", "EMAILPIPE_OAUTH_CLIENT_SECRET",
	"EMAILPIPE_WORKER_BATCH_SIZE", "EMAILPIPE_DLQ_MAX_RETRY_ATTEMPTS",
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, allKeys)
	os.Setenv("EMAILPIPE_OAUTH_CLIENT_ID", "client-123")
	os.Setenv("EMAILPIPE_OAUTH_CLIENT_SECRET", "secret-456")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, "email_ingestion_stream", cfg.Redis.StreamName)
	assert.Equal(t, int64(10000), cfg.Redis.MaxStreamLength)
	assert.Equal(t, "imap.gmail.com", cfg.IMAP.Host)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.Equal(t, 60*time.Second, cfg.IMAP.PollInterval)
	assert.Equal(t, "gmail", cfg.OAuth.Provider)
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, 3, cfg.DLQ.MaxRetryAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
}

func TestLoadMissingClientID(t *testing.T) {
	clearEnv(t, allKeys)
	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "oauth.client_id")
}

func TestLoadInvalidProvider(t *testing.T) {
	clearEnv(t, allKeys)
	os.Setenv("EMAILPIPE_OAUTH_CLIENT_ID", "client-123")
	os.Setenv("EMAILPIPE_OAUTH_CLIENT_SECRET", "secret")
	os.Setenv("EMAILPIPE_OAUTH_PROVIDER", "yahoo")

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "oauth.provider")
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList("a, b ,"))
	assert.Equal(t, []string{}, parseList(",,,"))
}

func TestParseDomains(t *testing.T) {
	assert.Equal(t, []string{"temp.mail", "test.com"}, parseDomains("TEMP.MAIL, Test.Com"))
}
