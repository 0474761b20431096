// Package testutil provides shared test-only helpers. Not imported by
// any production code.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisAddr returns the address of a Redis instance to test against,
// from TEST_REDIS_ADDR, defaulting to localhost:6379.
func RedisAddr() string {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// RequireRedis connects to RedisAddr and skips the test if it is
// unreachable, so the suite degrades gracefully on a machine without a
// Redis instance available. t.Cleanup flushes the test database and
// closes the connection.
func RequireRedis(t *testing.T) *goredis.Client {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{Addr: RedisAddr(), DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", RedisAddr(), err)
	}

	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}
