// Package worker implements C16: the consumer-group read loop tying
// together idempotency (C11), backoff (C12), the DLQ router (C13), and
// the processor (C14) into the state machine from spec.md §4.16.
// Grounded on original_source/worker.py's EmailWorker.run/process_message,
// restructured from one synchronous per-message call into a bounded
// worker pool (internal/pool) so a batch's entries process concurrently
// instead of strictly in sequence.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/breaker"
	"github.com/mailpipe/ingestion/internal/correlation"
	"github.com/mailpipe/ingestion/internal/errs"
	"github.com/mailpipe/ingestion/internal/logging"
	"github.com/mailpipe/ingestion/internal/logstore"
	"github.com/mailpipe/ingestion/internal/mail"
	"github.com/mailpipe/ingestion/internal/metrics"
	"github.com/mailpipe/ingestion/internal/pool"
	"github.com/mailpipe/ingestion/internal/worker/backoff"
	"github.com/mailpipe/ingestion/internal/worker/dlq"
	"github.com/mailpipe/ingestion/internal/worker/idempotency"
	"github.com/mailpipe/ingestion/internal/worker/processor"
)

// Config parametrizes one Loop (spec.md §4.16).
type Config struct {
	StreamName     string
	GroupName      string
	ConsumerName   string
	BatchSize      int64
	BlockTimeout   time.Duration
	MaxConcurrency int
}

// Loop is the C16 worker: one primary control loop reading a consumer
// group and dispatching entries through C11-C14.
type Loop struct {
	cfg       Config
	store     *logstore.Client
	idem      *idempotency.Filter
	backoff   *backoff.Controller
	dlqRouter *dlq.Router
	proc      *processor.Processor
	redisCB   *breaker.Breaker
	metrics   *metrics.Metrics
	pool      *pool.WorkerPool
	log       *zap.Logger

	processed int64
	skipped   int64
	failed    int64
	toDLQ     int64
}

// New builds a Loop. redisCB guards the loop's own C1 calls (group
// creation, reads and acks), matching the producer's use of an IMAP
// breaker (spec.md §2); the DLQ router's append is not wrapped by it.
func New(cfg Config, store *logstore.Client, idem *idempotency.Filter, bctl *backoff.Controller, dlqRouter *dlq.Router, proc *processor.Processor, redisCB *breaker.Breaker, m *metrics.Metrics, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Loop{
		cfg:       cfg,
		store:     store,
		idem:      idem,
		backoff:   bctl,
		dlqRouter: dlqRouter,
		proc:      proc,
		redisCB:   redisCB,
		metrics:   m,
		pool:      pool.New(cfg.MaxConcurrency, cfg.MaxConcurrency*4),
		log:       log,
	}
}

// EnsureGroup creates the consumer group if it does not already exist
// (worker.py's ensure_consumer_group, BUSYGROUP swallowed by C1).
func (l *Loop) EnsureGroup(ctx context.Context) error {
	return l.redisCB.Call(func() error {
		return l.store.EnsureGroup(ctx, l.cfg.StreamName, l.cfg.GroupName, "0")
	})
}

// Run drives the read-dispatch-ack cycle until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.EnsureGroup(ctx); err != nil {
		return err
	}
	l.pool.Start(ctx)
	defer l.pool.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var entries []logstore.Entry
		err := l.redisCB.Call(func() error {
			var readErr error
			entries, readErr = l.store.ReadGroup(ctx, l.cfg.StreamName, l.cfg.GroupName, l.cfg.ConsumerName, l.cfg.BatchSize, l.cfg.BlockTimeout)
			return readErr
		})
		if err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				l.log.Warn("redis circuit breaker open, pausing reads")
				l.sleepInterruptible(ctx, 5*time.Second)
				continue
			}
			l.log.Error("read_group failed", zap.Error(err))
			l.sleepInterruptible(ctx, time.Second)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		if l.metrics != nil {
			l.metrics.ActiveWorkers.Set(1)
		}

		var wg sync.WaitGroup
		for _, entry := range entries {
			entry := entry
			wg.Add(1)
			l.pool.Submit(func() {
				defer wg.Done()
				l.dispatch(ctx, entry)
			})
		}
		wg.Wait()
	}
}

func (l *Loop) sleepInterruptible(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// dispatch runs one entry through the C11-C14 state machine (spec.md
// §4.16). It never returns an error: every outcome either acks or
// deliberately leaves the entry pending for redelivery.
func (l *Loop) dispatch(ctx context.Context, entry logstore.Entry) {
	ctx, _ = correlation.WithNew(ctx)
	log := logging.WithCorrelation(l.log, ctx).With(zap.String("entry_id", entry.ID))

	rec, err := mail.UnmarshalPayload([]byte(entry.Fields["payload"]))
	if err != nil {
		log.Error("entry failed invariant check, routing to dlq without retry", zap.Error(err))
		l.sendToDLQAndAck(ctx, entry, errs.InvariantViolation.Error(), err.Error(), 0)
		return
	}
	identity := rec.Identity()
	id := identity.Key()

	dup, err := l.idem.IsDuplicate(ctx, identity)
	if err != nil {
		log.Error("idempotency check failed, leaving unacked", zap.Error(err))
		return
	}
	if dup {
		log.Info("skipping duplicate entry")
		atomic.AddInt64(&l.skipped, 1)
		if l.metrics != nil {
			l.metrics.IdempotencyDuplicates.Inc()
		}
		l.ack(ctx, entry.ID)
		return
	}

	if l.backoff.HasExceededMaxRetries(id) {
		retryCount := l.backoff.RetryCount(id)
		log.Warn("entry exceeded max retries, routing to dlq", zap.Int("retry_count", retryCount))
		l.sendToDLQAndAck(ctx, entry, errs.ProcessingTransient.Error(), "max retries exceeded", retryCount)
		l.markProcessed(ctx, identity)
		return
	}

	start := time.Now()
	_, procErr := l.proc.Process(rec)
	if l.metrics != nil {
		l.metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
	}
	if procErr != nil {
		retryCount := l.backoff.RecordFailure(id)
		atomic.AddInt64(&l.failed, 1)
		if l.metrics != nil {
			l.metrics.EmailsFailed.Inc()
			l.metrics.BackoffRetries.Inc()
		}
		if errors.Is(procErr, processor.ErrMissingFields) {
			log.Error("record missing minimum schema, routing to dlq without retry", zap.Error(procErr))
			l.sendToDLQAndAck(ctx, entry, errs.InvariantViolation.Error(), procErr.Error(), retryCount)
			l.markProcessed(ctx, identity)
			return
		}
		if l.backoff.HasExceededMaxRetries(id) {
			log.Warn("entry failed and exceeded max retries, routing to dlq", zap.Error(procErr), zap.Int("retry_count", retryCount))
			l.sendToDLQAndAck(ctx, entry, errs.ProcessingTransient.Error(), procErr.Error(), retryCount)
			l.markProcessed(ctx, identity)
			return
		}
		log.Warn("processing failed, leaving unacked for redelivery", zap.Error(procErr), zap.Int("retry_count", retryCount))
		return
	}

	l.markProcessed(ctx, identity)
	l.backoff.RecordSuccess(id)
	atomic.AddInt64(&l.processed, 1)
	if l.metrics != nil {
		l.metrics.EmailsProcessed.Inc()
	}
	l.ack(ctx, entry.ID)
}

func (l *Loop) markProcessed(ctx context.Context, identity mail.Identity) {
	if _, err := l.idem.MarkProcessed(ctx, identity); err != nil {
		l.log.Error("failed to mark entry processed", zap.String("id", identity.Key()), zap.Error(err))
	}
}

func (l *Loop) ack(ctx context.Context, entryID string) {
	err := l.redisCB.Call(func() error {
		return l.store.Ack(ctx, l.cfg.StreamName, l.cfg.GroupName, entryID)
	})
	if err != nil {
		l.log.Error("failed to ack entry", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (l *Loop) sendToDLQAndAck(ctx context.Context, entry logstore.Entry, errKind, errMsg string, retryCount int) {
	payload := []byte(entry.Fields["payload"])
	if _, err := l.dlqRouter.Send(ctx, entry.ID, payload, errKind, errMsg, retryCount); err != nil {
		l.log.Error("failed to send entry to dlq, leaving unacked", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	atomic.AddInt64(&l.toDLQ, 1)
	if l.metrics != nil {
		l.metrics.DLQMessages.Inc()
	}
	l.ack(ctx, entry.ID)
}

// Stats reports cumulative outcome counts since startup (worker.py's
// log_stats, exposed instead through /status via HealthStats).
type Stats struct {
	Processed int64
	Skipped   int64
	Failed    int64
	ToDLQ     int64
}

func (l *Loop) Stats() Stats {
	return Stats{
		Processed: atomic.LoadInt64(&l.processed),
		Skipped:   atomic.LoadInt64(&l.skipped),
		Failed:    atomic.LoadInt64(&l.failed),
		ToDLQ:     atomic.LoadInt64(&l.toDLQ),
	}
}

// Pool exposes the dispatch worker pool so callers can register it as
// its own health.StatsProvider, separate from the loop's own outcome
// counters.
func (l *Loop) Pool() *pool.WorkerPool {
	return l.pool
}

// HealthStats satisfies health.StatsProvider for the /status endpoint.
func (l *Loop) HealthStats() map[string]interface{} {
	s := l.Stats()
	return map[string]interface{}{
		"processed": s.Processed,
		"skipped":   s.Skipped,
		"failed":    s.Failed,
		"dlq":       s.ToDLQ,
	}
}
