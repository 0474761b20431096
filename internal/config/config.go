// Package config loads pipeline configuration from environment
// variables (with an optional .env file), following the teacher's
// viper+godotenv pattern (internal/config in the teacher tree): a
// prefix, SetDefault calls for every field, explicit time.ParseDuration
// with fallbacks, and hard-required-field validation returning a
// descriptive error. Field names and defaults are grounded on
// _examples/original_source/config/settings.py's per-section
// BaseSettings classes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// RedisConfig configures the log/state store connection and the
// primary stream's naming and trim bound (spec.md §6).
type RedisConfig struct {
	Address         string
	Password        string
	DB              int
	StreamName      string
	MaxStreamLength int64
}

// IMAPConfig configures the mailbox polled by the producer (spec.md §4.4/§4.10).
type IMAPConfig struct {
	Host         string
	Port         int
	Mailbox      string
	PollInterval time.Duration
}

// OAuthConfig configures the C3 Auth Provider. Provider selects between
// the Google authorization-code flow and the Microsoft device-code
// flow (spec.md §4.3/§6).
type OAuthConfig struct {
	Provider     string // "gmail" or "outlook"
	Account      string // authenticated user identity (mailbox owner)
	ClientID     string
	ClientSecret string
	TenantID     string // outlook only
	RedirectURI  string
	TokenFile    string
}

// WorkerConfig configures consumer-group identity and batching (spec.md §4.16/§6).
type WorkerConfig struct {
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int
	BlockTimeout  time.Duration
}

// IdempotencyConfig configures the C11 dedup set TTL policy.
type IdempotencyConfig struct {
	TTL time.Duration
}

// DLQConfig configures the dead-letter stream and the C12 backoff
// bounds (both sourced from the same DLQSettings section in the
// original — initial/max backoff and max attempts are shared between
// C12 and C13's retry-exhaustion policy).
type DLQConfig struct {
	StreamName       string
	MaxRetryAttempts int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BackoffMultiplier float64
}

// MonitoringConfig configures the health and metrics HTTP ports (spec.md §4.8/§4.9).
type MonitoringConfig struct {
	MetricsPort int
	HealthPort  int
}

// CircuitBreakerConfig configures C5 thresholds (spec.md §4.5).
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// RecoveryConfig configures C15 orphan recovery (spec.md §4.15).
type RecoveryConfig struct {
	MinIdle          time.Duration
	MaxClaimCount    int
	MaxDeliveryCount int
	CheckInterval    time.Duration
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level       string
	Development bool
	LogFile     string
}

// ShutdownConfig configures the C6 bounded shutdown timeout.
type ShutdownConfig struct {
	Timeout time.Duration
}

// Config aggregates every subsystem's configuration.
type Config struct {
	Redis          RedisConfig
	IMAP           IMAPConfig
	OAuth          OAuthConfig
	Worker         WorkerConfig
	Idempotency    IdempotencyConfig
	DLQ            DLQConfig
	Monitoring     MonitoringConfig
	CircuitBreaker CircuitBreakerConfig
	Recovery       RecoveryConfig
	Log            LogConfig
	Shutdown       ShutdownConfig
}

// Load reads configuration from the environment (and an optional .env
// file), applies defaults, coerces types, and validates the
// hard-required fields from spec.md §6: log store address, IMAP
// host/port, auth provider identifiers.
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("emailpipe")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.stream_name", "email_ingestion_stream")
	viper.SetDefault("redis.max_stream_length", 10000)

	viper.SetDefault("imap.host", "imap.gmail.com")
	viper.SetDefault("imap.port", 993)
	viper.SetDefault("imap.mailbox", "INBOX")
	viper.SetDefault("imap.poll_interval", "60s")

	viper.SetDefault("oauth.provider", "gmail")
	viper.SetDefault("oauth.account", "")
	viper.SetDefault("oauth.client_id", "")
	viper.SetDefault("oauth.client_secret", "")
	viper.SetDefault("oauth.tenant_id", "common")
	viper.SetDefault("oauth.redirect_uri", "http://localhost:8080")
	viper.SetDefault("oauth.token_file", "tokens/token.json")

	viper.SetDefault("worker.consumer_group", "email_processor_group")
	viper.SetDefault("worker.consumer_name", "worker_01")
	viper.SetDefault("worker.batch_size", 10)
	viper.SetDefault("worker.block_timeout", "5s")

	viper.SetDefault("idempotency.ttl", "24h")

	viper.SetDefault("dlq.stream_name", "email_ingestion_dlq")
	viper.SetDefault("dlq.max_retry_attempts", 3)
	viper.SetDefault("dlq.initial_backoff", "2s")
	viper.SetDefault("dlq.max_backoff", "3600s")
	viper.SetDefault("dlq.backoff_multiplier", 2.0)

	viper.SetDefault("monitoring.metrics_port", 9090)
	viper.SetDefault("monitoring.health_port", 8080)

	viper.SetDefault("cb.failure_threshold", 5)
	viper.SetDefault("cb.recovery_timeout", "60s")
	viper.SetDefault("cb.success_threshold", 3)

	viper.SetDefault("recovery.min_idle", "300s")
	viper.SetDefault("recovery.max_claim_count", 50)
	viper.SetDefault("recovery.max_delivery_count", 10)
	viper.SetDefault("recovery.check_interval", "60s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")

	viper.SetDefault("shutdown.timeout", "30s")

	pollInterval, err := time.ParseDuration(viper.GetString("imap.poll_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid imap.poll_interval: %w", err)
	}

	blockTimeout, err := time.ParseDuration(viper.GetString("worker.block_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid worker.block_timeout: %w", err)
	}

	idempotencyTTL, err := time.ParseDuration(viper.GetString("idempotency.ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid idempotency.ttl: %w", err)
	}

	initialBackoff, err := time.ParseDuration(viper.GetString("dlq.initial_backoff"))
	if err != nil {
		return nil, fmt.Errorf("invalid dlq.initial_backoff: %w", err)
	}

	maxBackoff, err := time.ParseDuration(viper.GetString("dlq.max_backoff"))
	if err != nil {
		return nil, fmt.Errorf("invalid dlq.max_backoff: %w", err)
	}

	recoveryTimeout, err := time.ParseDuration(viper.GetString("cb.recovery_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid cb.recovery_timeout: %w", err)
	}

	minIdle, err := time.ParseDuration(viper.GetString("recovery.min_idle"))
	if err != nil {
		return nil, fmt.Errorf("invalid recovery.min_idle: %w", err)
	}

	checkInterval, err := time.ParseDuration(viper.GetString("recovery.check_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid recovery.check_interval: %w", err)
	}

	shutdownTimeout, err := time.ParseDuration(viper.GetString("shutdown.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid shutdown.timeout: %w", err)
	}

	cfg := &Config{
		Redis: RedisConfig{
			Address:         viper.GetString("redis.address"),
			Password:        viper.GetString("redis.password"),
			DB:              viper.GetInt("redis.db"),
			StreamName:      viper.GetString("redis.stream_name"),
			MaxStreamLength: viper.GetInt64("redis.max_stream_length"),
		},
		IMAP: IMAPConfig{
			Host:         viper.GetString("imap.host"),
			Port:         viper.GetInt("imap.port"),
			Mailbox:      viper.GetString("imap.mailbox"),
			PollInterval: pollInterval,
		},
		OAuth: OAuthConfig{
			Provider:     strings.ToLower(viper.GetString("oauth.provider")),
			Account:      viper.GetString("oauth.account"),
			ClientID:     viper.GetString("oauth.client_id"),
			ClientSecret: viper.GetString("oauth.client_secret"),
			TenantID:     viper.GetString("oauth.tenant_id"),
			RedirectURI:  viper.GetString("oauth.redirect_uri"),
			TokenFile:    viper.GetString("oauth.token_file"),
		},
		Worker: WorkerConfig{
			ConsumerGroup: viper.GetString("worker.consumer_group"),
			ConsumerName:  viper.GetString("worker.consumer_name"),
			BatchSize:     viper.GetInt("worker.batch_size"),
			BlockTimeout:  blockTimeout,
		},
		Idempotency: IdempotencyConfig{TTL: idempotencyTTL},
		DLQ: DLQConfig{
			StreamName:        viper.GetString("dlq.stream_name"),
			MaxRetryAttempts:  viper.GetInt("dlq.max_retry_attempts"),
			InitialBackoff:    initialBackoff,
			MaxBackoff:        maxBackoff,
			BackoffMultiplier: viper.GetFloat64("dlq.backoff_multiplier"),
		},
		Monitoring: MonitoringConfig{
			MetricsPort: viper.GetInt("monitoring.metrics_port"),
			HealthPort:  viper.GetInt("monitoring.health_port"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: viper.GetInt("cb.failure_threshold"),
			RecoveryTimeout:  recoveryTimeout,
			SuccessThreshold: viper.GetInt("cb.success_threshold"),
		},
		Recovery: RecoveryConfig{
			MinIdle:          minIdle,
			MaxClaimCount:    viper.GetInt("recovery.max_claim_count"),
			MaxDeliveryCount: viper.GetInt("recovery.max_delivery_count"),
			CheckInterval:    checkInterval,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			LogFile:     viper.GetString("log.file"),
		},
		Shutdown: ShutdownConfig{Timeout: shutdownTimeout},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate enforces spec.md §6's hard-required fields: log store
// address, IMAP host/port, auth provider identifiers.
func validate(cfg *Config) error {
	if cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address (log/state store) must not be empty")
	}
	if cfg.IMAP.Host == "" || cfg.IMAP.Port == 0 {
		return fmt.Errorf("imap.host and imap.port must be set")
	}
	if cfg.OAuth.Provider != "gmail" && cfg.OAuth.Provider != "outlook" {
		return fmt.Errorf("oauth.provider must be \"gmail\" or \"outlook\", got %q", cfg.OAuth.Provider)
	}
	if cfg.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id must be set")
	}
	if cfg.OAuth.Provider == "gmail" && cfg.OAuth.ClientSecret == "" {
		return fmt.Errorf("oauth.client_secret must be set for the gmail provider")
	}
	return nil
}

// parseDomains kept as a small helper consistent with the teacher's
// comma-list parsing idiom, for configuration values that are
// comma-separated lists (none in the current field set, but callers in
// tests exercise the same helper as the teacher's parseList).
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
