package dlq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpipe/ingestion/internal/errs"
	"github.com/mailpipe/ingestion/internal/logstore"
	"github.com/mailpipe/ingestion/internal/testutil"
)

func TestSendAndPeek(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	store := logstore.New(rdb, nil)
	r := New(store, "test:dlq:send", 0, nil)
	ctx := context.Background()

	id, err := r.Send(ctx, "orig-1", []byte(`{"uid":1}`), errs.ExcessiveRedelivery.Error(), "too many deliveries", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := r.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "orig-1", entries[0].Envelope.OriginalEntryID)
	assert.Equal(t, 10, entries[0].Envelope.RetryCount)
}

func TestReprocessMovesEntryToTargetStream(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	store := logstore.New(rdb, nil)
	r := New(store, "test:dlq:reprocess", 0, nil)
	ctx := context.Background()

	id, err := r.Send(ctx, "orig-2", []byte(`{"uid":2}`), "processing_transient", "boom", 3)
	require.NoError(t, err)

	newID, err := r.Reprocess(ctx, id, "test:dlq:target")
	require.NoError(t, err)
	assert.NotEmpty(t, newID)

	depth, err := store.Len(ctx, "test:dlq:reprocess")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	targetDepth, err := store.Len(ctx, "test:dlq:target")
	require.NoError(t, err)
	assert.Equal(t, int64(1), targetDepth)
}

func TestClearRemovesAllEntries(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	store := logstore.New(rdb, nil)
	r := New(store, "test:dlq:clear", 0, nil)
	ctx := context.Background()

	_, err := r.Send(ctx, "orig-3", []byte(`{}`), "invariant_violation", "boom", 1)
	require.NoError(t, err)
	_, err = r.Send(ctx, "orig-4", []byte(`{}`), "invariant_violation", "boom", 1)
	require.NoError(t, err)

	removed, err := r.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	depth, err := r.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}
