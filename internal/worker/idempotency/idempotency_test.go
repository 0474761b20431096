package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpipe/ingestion/internal/mail"
	"github.com/mailpipe/ingestion/internal/statestore"
	"github.com/mailpipe/ingestion/internal/testutil"
)

func TestMarkProcessedThenDuplicate(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	f := New(statestore.New(rdb, nil), 0, nil)
	ctx := context.Background()
	identity := mail.Identity{Account: "account", Mailbox: "INBOX", UIDValidity: 700, UID: 1}

	dup, err := f.IsDuplicate(ctx, identity)
	require.NoError(t, err)
	assert.False(t, dup)

	added, err := f.MarkProcessed(ctx, identity)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = f.MarkProcessed(ctx, identity)
	require.NoError(t, err)
	assert.False(t, added)

	dup, err = f.IsDuplicate(ctx, identity)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestCountReflectsDistinctMembers(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	f := New(statestore.New(rdb, nil), 0, nil)
	ctx := context.Background()

	a := mail.Identity{Account: "account", Mailbox: "INBOX", UIDValidity: 700, UID: 1}
	b := mail.Identity{Account: "account", Mailbox: "INBOX", UIDValidity: 700, UID: 2}

	_, err := f.MarkProcessed(ctx, a)
	require.NoError(t, err)
	_, err = f.MarkProcessed(ctx, b)
	require.NoError(t, err)

	n, err := f.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCountSumsAcrossPartitions(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	f := New(statestore.New(rdb, nil), 0, nil)
	ctx := context.Background()

	epoch1 := mail.Identity{Account: "account", Mailbox: "INBOX", UIDValidity: 700, UID: 1}
	epoch2 := mail.Identity{Account: "account", Mailbox: "INBOX", UIDValidity: 800, UID: 1}

	_, err := f.MarkProcessed(ctx, epoch1)
	require.NoError(t, err)
	_, err = f.MarkProcessed(ctx, epoch2)
	require.NoError(t, err)

	n, err := f.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMarkProcessedSetsTTL(t *testing.T) {
	rdb := testutil.RequireRedis(t)
	f := New(statestore.New(rdb, nil), time.Hour, nil)
	ctx := context.Background()
	identity := mail.Identity{Account: "account", Mailbox: "INBOX", UIDValidity: 700, UID: 1}

	_, err := f.MarkProcessed(ctx, identity)
	require.NoError(t, err)

	ttl, err := rdb.TTL(ctx, f.setKey(identity)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
