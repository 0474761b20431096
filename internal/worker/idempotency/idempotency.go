// Package idempotency implements C11: deduplication of log entries by
// natural identity, partitioned by (account, mailbox, uidvalidity) so a
// mailbox reset never has to dedupe against an unbounded, ever-growing
// global set. Grounded on original_source/src/worker/idempotency.py,
// translated from its instance-held prefix/TTL fields to a small
// stateless-except-config struct, since the Go statestore client
// already carries the Redis connection. Partitioning follows
// mail.Identity.PartitionKey (spec.md §4.11 / SPEC_FULL.md §12).
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/mail"
	"github.com/mailpipe/ingestion/internal/statestore"
)

const defaultKeyPrefix = "processed_messages"

// Filter deduplicates entries by natural identity (spec.md §4.11).
type Filter struct {
	store     *statestore.Client
	keyPrefix string
	ttl       time.Duration
	log       *zap.Logger

	mu         sync.Mutex
	partitions map[string]struct{}
}

// New builds a Filter. A zero ttl tracks processed IDs indefinitely,
// matching the Python original's optional ttl_hours=None.
func New(store *statestore.Client, ttl time.Duration, log *zap.Logger) *Filter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Filter{store: store, keyPrefix: defaultKeyPrefix, ttl: ttl, log: log, partitions: make(map[string]struct{})}
}

// PartitionSetKey returns the Redis set key holding the processed IDs
// for one (account, mailbox, uidvalidity) epoch. Exported so the
// producer can delete a stale epoch's set directly after a
// UIDVALIDITY-triggered cursor reset (internal/producer.CursorStore.
// ClearPreviousEpoch), without needing a live Filter instance of its
// own — the producer and worker processes never share one.
func PartitionSetKey(identity mail.Identity) string {
	return fmt.Sprintf("%s:%s:set", defaultKeyPrefix, identity.PartitionKey())
}

func (f *Filter) setKey(identity mail.Identity) string {
	return fmt.Sprintf("%s:%s:set", f.keyPrefix, identity.PartitionKey())
}

// IsDuplicate reports whether identity has already been marked
// processed within its (account, mailbox, uidvalidity) partition.
func (f *Filter) IsDuplicate(ctx context.Context, identity mail.Identity) (bool, error) {
	return f.store.SIsMember(ctx, f.setKey(identity), identity.Key())
}

// MarkProcessed records identity as processed, returning true if this
// call newly added it (false if it was already present, i.e. a
// duplicate observed after the fact rather than before processing
// began).
func (f *Filter) MarkProcessed(ctx context.Context, identity mail.Identity) (bool, error) {
	key := f.setKey(identity)
	added, err := f.store.SAdd(ctx, key, identity.Key())
	if err != nil {
		return false, err
	}
	if added {
		f.trackPartition(key)
		if f.ttl > 0 {
			if err := f.store.Expire(ctx, key, f.ttl); err != nil {
				return added, err
			}
		}
	}
	return added, nil
}

func (f *Filter) trackPartition(key string) {
	f.mu.Lock()
	f.partitions[key] = struct{}{}
	f.mu.Unlock()
}

// Count returns the number of messages tracked as processed across
// every partition this Filter has touched since process start. Entries
// from partitions deleted by the producer's epoch-clear (or expired by
// ttl) are not counted, since the sets backing them no longer exist.
func (f *Filter) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	keys := make([]string, 0, len(f.partitions))
	for k := range f.partitions {
		keys = append(keys, k)
	}
	f.mu.Unlock()

	var total int64
	for _, key := range keys {
		n, err := f.store.SCard(ctx, key)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// HealthStats satisfies health.StatsProvider for the /status endpoint.
func (f *Filter) HealthStats() map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := f.Count(ctx)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	f.mu.Lock()
	partitions := len(f.partitions)
	f.mu.Unlock()
	return map[string]interface{}{"tracked_ids": count, "partitions": partitions, "ttl_seconds": f.ttl.Seconds()}
}
