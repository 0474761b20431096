// Package redisconn opens the shared *redis.Client used by both the
// log store (C1) and the state store (C2). Grounded on the teacher's
// internal/storage/redis/client.go: same dial/read/write timeouts, same
// pool sizing, same ping-on-connect check.
package redisconn

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config mirrors config.RedisConfig's connection fields; kept separate
// from the config package so this package has no dependency on it.
type Config struct {
	Address  string
	Password string
	DB       int
}

// Connect dials Redis and verifies reachability with a bounded ping.
func Connect(cfg Config, log *zap.Logger) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if log != nil {
		log.Info("connected to redis", zap.String("address", cfg.Address), zap.Int("db", cfg.DB))
	}
	return rdb, nil
}
