// Package logstore implements C1, the Log Store client: append,
// consumer-group read, ack, pending inspection, claim of idle entries,
// trim, and pipelined batching, on top of Redis Streams.
//
// No repository in the retrieved pack touches Redis Streams (XADD,
// XREADGROUP, XPENDING, XCLAIM are absent from the whole tree), so the
// Streams calls are new; the client-wrapper shape — a struct holding
// *redis.Client plus a *zap.Logger, thin methods returning
// (value, error) — is the teacher's internal/storage/redis/client.go
// idiom, extended from key/value and hash operations to stream
// operations. Guarantees and error kinds follow spec.md §4.1.
package logstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/errs"
)

// Entry is one log entry: an opaque, server-assigned monotonically
// increasing ID and its field map (spec.md §3 Log Entry).
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes one entry in a consumer group's pending list
// (spec.md §3 Log Entry bookkeeping).
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Client wraps a *redis.Client with the C1 operations.
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

// Append durably appends fields to stream, approximately trimming to
// maxLen when maxLen > 0 so producers never block on trim (spec.md §4.1).
// Returns the server-assigned entry ID.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error) {
	args := &goredis.XAddArgs{Stream: stream, Values: fields}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", wrapTransport(err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group starting at start (e.g. "0" for
// the beginning, "$" for new entries only), creating the stream if
// necessary. The BUSYGROUP case (group already exists) is swallowed, not
// an error, per spec.md §4.1.
func (c *Client) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err == nil {
		c.log.Info("consumer group created", zap.String("stream", stream), zap.String("group", group))
		return nil
	}
	if isBusyGroup(err) {
		c.log.Debug("consumer group already exists", zap.String("stream", stream), zap.String("group", group))
		return nil
	}
	return wrapTransport(err)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// ReadGroup reads up to count new entries (">" position) for consumer
// in group, blocking for up to block if none are immediately available.
// Returns an empty slice (not an error) on a block timeout.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapTransport(err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			entries = append(entries, Entry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

// Ack acknowledges ids in group's pending list. Idempotent: acking an
// already-acked ID is not an error.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return wrapTransport(err)
	}
	return nil
}

// PendingRange scans up to count pending entries idle for at least
// minIdle (spec.md §4.15's input to orphan recovery).
func (c *Client) PendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	res, err := c.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()

	if err != nil {
		return nil, wrapTransport(err)
	}

	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

// Claim transfers ownership of ids to newConsumer, provided they have
// been idle at least minIdle. Claiming increments each entry's
// delivery count; it does not re-deliver beyond that bookkeeping
// (spec.md §3 invariant).
func (c *Client) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := c.rdb.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, wrapTransport(err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		entries = append(entries, Entry{ID: msg.ID, Fields: fields})
	}
	return entries, nil
}

// Trim bounds stream to maxLen entries, approximately (the default,
// never blocking producers) unless approximate is false.
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64, approximate bool) error {
	var err error
	if approximate {
		err = c.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
	} else {
		err = c.rdb.XTrimMaxLen(ctx, stream, maxLen).Err()
	}
	if err != nil {
		return wrapTransport(err)
	}
	return nil
}

// Len reports the current stream length (background depth poll for C9's
// stream_depth/dlq_depth gauges).
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, wrapTransport(err)
	}
	return n, nil
}

// Range reads up to count entries between id range min/max ("-"/"+" for
// unbounded), oldest first. Used by the DLQ router's peek/reprocess
// operations (spec.md §4.13).
func (c *Client) Range(ctx context.Context, stream, min, max string, count int64) ([]Entry, error) {
	var msgs []goredis.XMessage
	var err error
	if count > 0 {
		msgs, err = c.rdb.XRangeN(ctx, stream, min, max, count).Result()
	} else {
		msgs, err = c.rdb.XRange(ctx, stream, min, max).Result()
	}
	if err != nil {
		return nil, wrapTransport(err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		entries = append(entries, Entry{ID: msg.ID, Fields: fields})
	}
	return entries, nil
}

// Delete removes ids from stream outright (not consumer-group bookkeeping
// — a true XDEL), used when an operator resolves or reprocesses a DLQ
// entry.
func (c *Client) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XDel(ctx, stream, ids...).Err(); err != nil {
		return wrapTransport(err)
	}
	return nil
}

// Pipeline batches Append/Ack calls for a single round trip, per
// spec.md §4.1's pipeline() contract.
type Pipeline struct {
	pipe goredis.Pipeliner
}

// Pipeline opens a new batch.
func (c *Client) Pipeline() *Pipeline {
	return &Pipeline{pipe: c.rdb.Pipeline()}
}

// Append queues an XADD in the batch.
func (p *Pipeline) Append(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) {
	args := &goredis.XAddArgs{Stream: stream, Values: fields}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	p.pipe.XAdd(ctx, args)
}

// Ack queues an XACK in the batch.
func (p *Pipeline) Ack(ctx context.Context, stream, group string, ids ...string) {
	p.pipe.XAck(ctx, stream, group, ids...)
}

// Exec runs every queued command in one round trip.
func (p *Pipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	if err != nil && !errors.Is(err, goredis.Nil) {
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
