// Package statestore implements C2, the State Store client: durable
// scalar reads/writes for producer cursors, and the Idempotency set's
// membership operations. Grounded on the teacher's
// internal/storage/redis/client.go wrapper shape, extended with the
// Set operations (SAdd/SIsMember/SCard) the teacher's client does not
// need but spec.md §4.2 requires. All operations are single-key atomic,
// per spec.md §4.2.
package statestore

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/errs"
)

type Client struct {
	rdb *goredis.Client
	log *zap.Logger
}

func New(rdb *goredis.Client, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{rdb: rdb, log: log}
}

// Get returns the value for key, and false if it does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapTransport(err)
	}
	return v, true, nil
}

// Set writes key unconditionally.
func (c *Client) Set(ctx context.Context, key, value string) error {
	if err := c.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return wrapTransport(err)
	}
	return nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return wrapTransport(err)
	}
	return nil
}

// SAdd adds member to set, returning whether it was newly added.
func (c *Client) SAdd(ctx context.Context, set, member string) (bool, error) {
	n, err := c.rdb.SAdd(ctx, set, member).Result()
	if err != nil {
		return false, wrapTransport(err)
	}
	return n > 0, nil
}

// SIsMember reports whether member is present in set.
func (c *Client) SIsMember(ctx context.Context, set, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, set, member).Result()
	if err != nil {
		return false, wrapTransport(err)
	}
	return ok, nil
}

// SCard returns the cardinality of set.
func (c *Client) SCard(ctx context.Context, set string) (int64, error) {
	n, err := c.rdb.SCard(ctx, set).Result()
	if err != nil {
		return 0, wrapTransport(err)
	}
	return n, nil
}

// SRem removes member from set.
func (c *Client) SRem(ctx context.Context, set, member string) error {
	if err := c.rdb.SRem(ctx, set, member).Err(); err != nil {
		return wrapTransport(err)
	}
	return nil
}

// Expire applies ttl to key. A ttl of 0 is a no-op (disables expiry
// policy), matching the Python original's optional-TTL idempotency set.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapTransport(err)
	}
	return nil
}

func wrapTransport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", errs.TransportUnavailable, err)
}
