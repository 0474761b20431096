package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpipe/ingestion/internal/logstore"
	"github.com/mailpipe/ingestion/internal/testutil"
)

func TestSweepClaimsIdleEntries(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	store := logstore.New(rdb, nil)
	ctx := context.Background()
	stream := "test:recovery:sweep"

	require.NoError(t, store.EnsureGroup(ctx, stream, "group1", "0"))
	_, err := store.Append(ctx, stream, map[string]interface{}{"payload": "x"}, 0)
	require.NoError(t, err)

	_, err = store.ReadGroup(ctx, stream, "group1", "consumer1", 10, 100*time.Millisecond)
	require.NoError(t, err)

	s := New(store, stream, "group1", "consumer2", Config{
		MinIdle:          0,
		MaxClaimCount:    10,
		MaxDeliveryCount: 10,
	}, nil)

	claimed, expired, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Empty(t, expired)
	assert.Equal(t, int64(1), s.Stats().TotalClaimed)
}

func TestSweepReportsExpiredPastDeliveryCeiling(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	store := logstore.New(rdb, nil)
	ctx := context.Background()
	stream := "test:recovery:expired"

	require.NoError(t, store.EnsureGroup(ctx, stream, "group1", "0"))
	_, err := store.Append(ctx, stream, map[string]interface{}{"payload": "x"}, 0)
	require.NoError(t, err)

	entries, err := store.ReadGroup(ctx, stream, "group1", "consumer1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	for i := 0; i < 5; i++ {
		_, err = store.Claim(ctx, stream, "group1", "consumer1", 0, []string{entries[0].ID})
		require.NoError(t, err)
	}

	s := New(store, stream, "group1", "consumer2", Config{
		MinIdle:          0,
		MaxClaimCount:    10,
		MaxDeliveryCount: 2,
	}, nil)

	claimed, expired, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), s.Stats().TotalExpired)
}
