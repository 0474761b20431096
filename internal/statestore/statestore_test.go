package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpipe/ingestion/internal/testutil"
)

func TestGetSetDelete(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	c := New(rdb, nil)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing-key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k1", "v1"))
	v, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	require.NoError(t, c.Delete(ctx, "k1"))
	_, ok, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOperations(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	c := New(rdb, nil)
	ctx := context.Background()

	added, err := c.SAdd(ctx, "set1", "member1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = c.SAdd(ctx, "set1", "member1")
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := c.SIsMember(ctx, "set1", "member1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := c.SCard(ctx, "set1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.SRem(ctx, "set1", "member1"))
	ok, err = c.SIsMember(ctx, "set1", "member1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireNoOpOnZeroTTL(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	c := New(rdb, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k2", "v2"))
	require.NoError(t, c.Expire(ctx, "k2", 0))

	ttl, err := rdb.TTL(ctx, "k2").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}
