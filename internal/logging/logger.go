// Package logging builds the zap logger shared by the producer and
// worker processes, and centralizes how each attaches the correlation
// ID a request carries through internal/correlation. Grounded on the
// teacher's internal/logger (same encoder/rotation setup), extended
// with the correlation-ID attachment helper and a shutdown-bounded sync
// this pipeline's two long-lived daemons need that the teacher's
// short-lived HTTP handlers never did.
package logging

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mailpipe/ingestion/internal/correlation"
)

// Config controls logger construction.
type Config struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"` // MB
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"` // days
	Compress    bool   `mapstructure:"compress"`
}

// New builds a zap.Logger from cfg. JSON output in production, console
// output with stack traces in development.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.LogFile != "" {
		logDir := filepath.Dir(cfg.LogFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}

		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}

		writeSyncer = zapcore.NewMultiWriteSyncer(
			zapcore.AddSync(rotator),
			zapcore.AddSync(os.Stdout),
		)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	if cfg.Development {
		return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
	}
	return zap.New(core, zap.AddCaller()), nil
}

// NewDevelopment returns a console logger at debug level, falling back
// to a no-op logger if construction somehow fails.
func NewDevelopment() *zap.Logger {
	l, err := New(Config{Level: "debug", Development: true})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// NewProduction returns a JSON logger writing to logFile and stdout,
// with rotation.
func NewProduction(logFile string) *zap.Logger {
	l, err := New(Config{
		Level:      "info",
		LogFile:    logFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// CorrelationKey is the structured-log field name every correlation ID
// is attached under, matching the JSON key producer/worker operators
// grep for when tracing one record's path (spec.md §4.7).
const CorrelationKey = "correlation_id"

// WithCorrelation returns log with ctx's correlation ID attached as
// CorrelationKey, or log unchanged if ctx carries none. Every call site
// that previously built this field inline (the producer's poll cycle,
// the worker's dispatch loop) goes through here instead, so the field
// name and extraction logic live in one place.
func WithCorrelation(log *zap.Logger, ctx context.Context) *zap.Logger {
	id := correlation.From(ctx)
	if id == "" {
		return log
	}
	return log.With(zap.String(CorrelationKey, id))
}

// Sync flushes log within timeout, matching the bounded-wait shape
// internal/shutdown.Coordinator applies to every other teardown
// callback rather than a bare deferred log.Sync() that can block main's
// return indefinitely on a wedged write syncer.
func Sync(log *zap.Logger, timeout time.Duration) {
	done := make(chan error, 1)
	go func() { done <- log.Sync() }()
	select {
	case err := <-done:
		if err != nil {
			os.Stderr.WriteString("logging: sync failed: " + err.Error() + "\n")
		}
	case <-time.After(timeout):
		os.Stderr.WriteString("logging: sync timed out after " + timeout.String() + "\n")
	}
}
