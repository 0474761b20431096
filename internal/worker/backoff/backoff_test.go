package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   3,
	}
}

func TestDelayExponentialGrowth(t *testing.T) {
	c := New(testConfig(), nil)
	assert.Equal(t, time.Second, c.Delay(0))
	assert.Equal(t, 2*time.Second, c.Delay(1))
	assert.Equal(t, 4*time.Second, c.Delay(2))
}

func TestDelayCapsAtMaxDelay(t *testing.T) {
	c := New(testConfig(), nil)
	assert.Equal(t, 30*time.Second, c.Delay(10))
}

func TestShouldRetryUntilMaxRetries(t *testing.T) {
	c := New(testConfig(), nil)
	id := "entry-1"

	assert.True(t, c.ShouldRetry(id))
	for i := 0; i < testConfig().MaxRetries; i++ {
		c.RecordFailure(id)
	}
	assert.False(t, c.ShouldRetry(id))
	assert.True(t, c.HasExceededMaxRetries(id))
}

func TestRecordSuccessClearsTracking(t *testing.T) {
	c := New(testConfig(), nil)
	id := "entry-2"

	c.RecordFailure(id)
	assert.Equal(t, 1, c.RetryCount(id))

	c.RecordSuccess(id)
	assert.Equal(t, 0, c.RetryCount(id))
	assert.True(t, c.ShouldRetry(id))
}

func TestShouldRetryRespectsScheduledDelay(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = time.Minute
	c := New(cfg, nil)
	id := "entry-3"

	c.RecordFailure(id)
	assert.False(t, c.ShouldRetry(id))
}
