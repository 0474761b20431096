package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpipe/ingestion/internal/testutil"
)

func TestAppendReadAck(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	c := New(rdb, nil)
	ctx := context.Background()
	stream := "test:stream:append"

	require.NoError(t, c.EnsureGroup(ctx, stream, "group1", "0"))

	id, err := c.Append(ctx, stream, map[string]interface{}{"payload": "hello"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := c.ReadGroup(ctx, stream, "group1", "consumer1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Fields["payload"])

	require.NoError(t, c.Ack(ctx, stream, "group1", entries[0].ID))
}

func TestEnsureGroupIdempotent(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	c := New(rdb, nil)
	ctx := context.Background()
	stream := "test:stream:ensure"

	require.NoError(t, c.EnsureGroup(ctx, stream, "group1", "0"))
	require.NoError(t, c.EnsureGroup(ctx, stream, "group1", "0"))
}

func TestPendingRangeAndClaim(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	c := New(rdb, nil)
	ctx := context.Background()
	stream := "test:stream:pending"

	require.NoError(t, c.EnsureGroup(ctx, stream, "group1", "0"))
	_, err := c.Append(ctx, stream, map[string]interface{}{"payload": "x"}, 0)
	require.NoError(t, err)

	entries, err := c.ReadGroup(ctx, stream, "group1", "consumer1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	pending, err := c.PendingRange(ctx, stream, "group1", 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	claimed, err := c.Claim(ctx, stream, "group1", "consumer2", 0, []string{pending[0].ID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestLenAndTrim(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	c := New(rdb, nil)
	ctx := context.Background()
	stream := "test:stream:len"

	for i := 0; i < 5; i++ {
		_, err := c.Append(ctx, stream, map[string]interface{}{"n": i}, 0)
		require.NoError(t, err)
	}

	n, err := c.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, c.Trim(ctx, stream, 2, false))
	n, err = c.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPipelineBatchesAppendAndAck(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	c := New(rdb, nil)
	ctx := context.Background()
	stream := "test:stream:pipeline"

	require.NoError(t, c.EnsureGroup(ctx, stream, "group1", "0"))

	p := c.Pipeline()
	p.Append(ctx, stream, map[string]interface{}{"a": "1"}, 0)
	p.Append(ctx, stream, map[string]interface{}{"a": "2"}, 0)
	require.NoError(t, p.Exec(ctx))

	n, err := c.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
