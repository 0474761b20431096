package producer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/mail"
	"github.com/mailpipe/ingestion/internal/statestore"
	"github.com/mailpipe/ingestion/internal/testutil"
	"github.com/mailpipe/ingestion/internal/worker/idempotency"
)

func TestCursorStoreGetReturnsZeroValueWhenAbsent(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	store := NewCursorStore(statestore.New(rdb, zap.NewNop()), zap.NewNop())

	cursor, err := store.Get(context.Background(), "acct", "INBOX")
	require.NoError(t, err)
	assert.Zero(t, cursor.LastUID)
	assert.Zero(t, cursor.UIDValidity)
}

func TestCursorStoreAtomicUpdateAccumulatesTotalEmails(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	ctx := context.Background()
	store := NewCursorStore(statestore.New(rdb, zap.NewNop()), zap.NewNop())

	require.NoError(t, store.AtomicUpdate(ctx, "acct", "INBOX", 100, 5, 3))
	require.NoError(t, store.AtomicUpdate(ctx, "acct", "INBOX", 100, 8, 2))

	cursor, err := store.Get(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), cursor.LastUID)
	assert.Equal(t, uint64(100), cursor.UIDValidity)
	assert.Equal(t, uint64(5), cursor.TotalEmails)
}

func TestCursorStoreCheckUIDValidityDetectsChange(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	ctx := context.Background()
	store := NewCursorStore(statestore.New(rdb, zap.NewNop()), zap.NewNop())

	changed, err := store.CheckUIDValidity(ctx, "acct", "INBOX", 100)
	require.NoError(t, err)
	assert.False(t, changed, "first-ever poll is never a uidvalidity change")

	require.NoError(t, store.AtomicUpdate(ctx, "acct", "INBOX", 100, 5, 1))

	changed, err = store.CheckUIDValidity(ctx, "acct", "INBOX", 200)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestCursorStoreResetForUIDValidityChangeWritesNewUIDValidityAndZeroUID(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	ctx := context.Background()
	store := NewCursorStore(statestore.New(rdb, zap.NewNop()), zap.NewNop())

	require.NoError(t, store.AtomicUpdate(ctx, "acct", "INBOX", 100, 42, 1))
	require.NoError(t, store.ResetForUIDValidityChange(ctx, "acct", "INBOX", 200))

	cursor, err := store.Get(ctx, "acct", "INBOX")
	require.NoError(t, err)
	assert.Zero(t, cursor.LastUID)
	assert.Equal(t, uint64(200), cursor.UIDValidity, "new uidvalidity must land atomically with the uid reset, never the stale one")
}

func TestCursorStoreClearPreviousEpochRemovesOldIdempotencyPartition(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	ctx := context.Background()
	state := statestore.New(rdb, zap.NewNop())
	store := NewCursorStore(state, zap.NewNop())

	identity := mail.Identity{Account: "acct", Mailbox: "INBOX", UIDValidity: 100}
	key := idempotency.PartitionSetKey(identity)
	_, err := state.SAdd(ctx, key, identity.Key())
	require.NoError(t, err)

	require.NoError(t, store.ClearPreviousEpoch(ctx, "acct", "INBOX", 100))

	n, err := state.SCard(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCursorStoreClearPreviousEpochNoopOnZero(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	store := NewCursorStore(statestore.New(rdb, zap.NewNop()), zap.NewNop())
	require.NoError(t, store.ClearPreviousEpoch(context.Background(), "acct", "INBOX", 0))
}
