// Package recovery implements C15: periodic and startup recovery of
// orphaned pending entries — messages whose consumer crashed before
// acking them. Grounded on
// original_source/src/worker/recovery.py's OrphanedMessageRecovery
// (the ConnectionWatchdog half of that file is realized instead by
// internal/breaker + internal/shutdown's signal-driven lifecycle, which
// together cover reconnect-on-failure without a dedicated polling
// thread).
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/logstore"
)

// Config mirrors config.RecoveryConfig.
type Config struct {
	MinIdle          time.Duration
	MaxClaimCount    int64
	MaxDeliveryCount int64
}

// Sweeper claims orphaned pending entries for reprocessing and
// identifies entries that have exceeded the delivery ceiling for DLQ
// routing (spec.md §4.15).
type Sweeper struct {
	store        *logstore.Client
	stream       string
	group        string
	consumer     string
	cfg          Config
	log          *zap.Logger
	totalClaimed int64
	totalExpired int64
}

func New(store *logstore.Client, stream, group, consumer string, cfg Config, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, stream: stream, group: group, consumer: consumer, cfg: cfg, log: log}
}

// Sweep runs one recovery pass: entries idle at least MinIdle are either
// claimed for this consumer (delivery count at or under the ceiling) or
// reported as expired so the caller can route them to the DLQ with
// error_kind=ExcessiveRedelivery (spec.md §4.15).
func (s *Sweeper) Sweep(ctx context.Context) (claimed []logstore.Entry, expired []logstore.PendingEntry, err error) {
	pending, err := s.store.PendingRange(ctx, s.stream, s.group, s.cfg.MinIdle, s.cfg.MaxClaimCount)
	if err != nil {
		return nil, nil, err
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	var toClaim []string
	for _, p := range pending {
		if p.DeliveryCount > s.cfg.MaxDeliveryCount {
			expired = append(expired, p)
			s.totalExpired++
			s.log.Warn("pending entry exceeded max deliveries, routing to dlq",
				zap.String("entry_id", p.ID),
				zap.Int64("deliveries", p.DeliveryCount),
				zap.Int64("max_deliveries", s.cfg.MaxDeliveryCount),
			)
			continue
		}
		toClaim = append(toClaim, p.ID)
	}

	if len(toClaim) > 0 {
		claimed, err = s.store.Claim(ctx, s.stream, s.group, s.consumer, s.cfg.MinIdle, toClaim)
		if err != nil {
			return nil, expired, err
		}
		s.totalClaimed += int64(len(claimed))
		s.log.Info("claimed orphaned entries", zap.Int("count", len(claimed)), zap.String("consumer", s.consumer))
	}

	return claimed, expired, nil
}

// Stats reports cumulative claim/expiry counts since startup.
type Stats struct {
	TotalClaimed int64
	TotalExpired int64
}

func (s *Sweeper) Stats() Stats {
	return Stats{TotalClaimed: s.totalClaimed, TotalExpired: s.totalExpired}
}

// HealthStats satisfies health.StatsProvider for the /status endpoint.
func (s *Sweeper) HealthStats() map[string]interface{} {
	stats := s.Stats()
	return map[string]interface{}{
		"total_claimed": stats.TotalClaimed,
		"total_expired": stats.TotalExpired,
	}
}

// Run executes Sweep on startup and then every interval until ctx is
// cancelled, handing each completed pass to onResult.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, onResult func(claimed []logstore.Entry, expired []logstore.PendingEntry)) error {
	sweep := func() {
		claimed, expired, err := s.Sweep(ctx)
		if err != nil {
			s.log.Error("recovery sweep failed", zap.Error(err))
			return
		}
		if onResult != nil && (len(claimed) > 0 || len(expired) > 0) {
			onResult(claimed, expired)
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}
