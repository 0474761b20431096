package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/breaker"
	"github.com/mailpipe/ingestion/internal/logstore"
	"github.com/mailpipe/ingestion/internal/mail"
	"github.com/mailpipe/ingestion/internal/statestore"
	"github.com/mailpipe/ingestion/internal/testutil"
	"github.com/mailpipe/ingestion/internal/worker/backoff"
	"github.com/mailpipe/ingestion/internal/worker/dlq"
	"github.com/mailpipe/ingestion/internal/worker/idempotency"
	"github.com/mailpipe/ingestion/internal/worker/processor"
)

func newTestLoop(t *testing.T, stream, group string, handler processor.Handler) (*Loop, *logstore.Client) {
	rdb := testutil.RequireRedis(t)
	log := zap.NewNop()
	store := logstore.New(rdb, log)
	state := statestore.New(rdb, log)

	idemFilter := idempotency.New(state, time.Hour, log)
	backoffCtl := backoff.New(backoff.Config{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxRetries: 2}, log)
	dlqRouter := dlq.New(store, stream+"_dlq", 1000, log)
	proc := processor.New(handler, log)
	cb := breaker.New("redis", breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Second, SuccessThreshold: 1}, log)

	loop := New(Config{
		StreamName:     stream,
		GroupName:      group,
		ConsumerName:   "test-consumer",
		BatchSize:      10,
		BlockTimeout:   200 * time.Millisecond,
		MaxConcurrency: 2,
	}, store, idemFilter, backoffCtl, dlqRouter, proc, cb, nil, log)

	return loop, store
}

func appendRecord(t *testing.T, store *logstore.Client, stream string, rec mail.Record) string {
	payload, err := rec.MarshalPayload()
	require.NoError(t, err)
	id, err := store.Append(context.Background(), stream, map[string]interface{}{"payload": string(payload)}, 0)
	require.NoError(t, err)
	return id
}

func TestLoopProcessesEntryAndAcks(t *testing.T) {
	stream := "test_worker_stream_process"
	group := "test_worker_group_process"

	processed := make(chan mail.Record, 1)
	loop, store := newTestLoop(t, stream, group, func(rec mail.Record) (interface{}, error) {
		processed <- rec
		return nil, nil
	})
	require.NoError(t, loop.EnsureGroup(context.Background()))

	rec := mail.Record{UID: 1, UIDValidity: 1, Mailbox: "INBOX", Account: "acct"}
	appendRecord(t, store, stream, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go loop.Run(ctx)

	select {
	case got := <-processed:
		require.Equal(t, rec.UID, got.UID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for entry to be processed")
	}

	time.Sleep(100 * time.Millisecond)
	stats := loop.Stats()
	require.Equal(t, int64(1), stats.Processed)
}

func TestLoopSendsInvariantViolationToDLQ(t *testing.T) {
	stream := "test_worker_stream_dlq"
	group := "test_worker_group_dlq"

	loop, store := newTestLoop(t, stream, group, func(rec mail.Record) (interface{}, error) {
		return nil, processor.ErrMissingFields
	})
	require.NoError(t, loop.EnsureGroup(context.Background()))

	rec := mail.Record{UID: 2, UIDValidity: 1, Mailbox: "INBOX", Account: "acct"}
	appendRecord(t, store, stream, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = loop.Run(ctx)

	stats := loop.Stats()
	require.Equal(t, int64(1), stats.ToDLQ)
}
