// Package backoff implements C12: per-entry exponential retry scheduling.
// Grounded on original_source/src/worker/backoff.py, kept as the same
// in-memory, restart-loses-state design — the Python docstring calls
// this out explicitly as acceptable because XPENDING delivery counts and
// the orphan-recovery sweep (internal/worker/recovery) are the
// durable backstop against infinite retries.
package backoff

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config mirrors config.DLQConfig's backoff fields.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
}

type entry struct {
	retryCount int
	nextRetry  time.Time
}

// Controller tracks retry attempts and computes delays per entry ID.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{cfg: cfg, entries: make(map[string]*entry), log: log}
}

// Delay returns the backoff delay for a given 0-indexed attempt number,
// capped at MaxDelay (spec.md §4.12: delay = min(initial * multiplier^n, max)).
func (c *Controller) Delay(attempt int) time.Duration {
	d := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether id is eligible for another attempt: under
// the retry ceiling and past its scheduled next-retry time.
func (c *Controller) ShouldRetry(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return true
	}
	if e.retryCount >= c.cfg.MaxRetries {
		return false
	}
	if !e.nextRetry.IsZero() && time.Now().Before(e.nextRetry) {
		return false
	}
	return true
}

// RecordFailure increments id's retry count and schedules its next
// retry time, returning the new retry count.
func (c *Controller) RecordFailure(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	e.retryCount++
	delay := c.Delay(e.retryCount - 1)
	e.nextRetry = time.Now().Add(delay)

	c.log.Info("recorded processing failure",
		zap.String("id", id),
		zap.Int("attempt", e.retryCount),
		zap.Int("max_retries", c.cfg.MaxRetries),
		zap.Duration("next_retry_in", delay),
	)
	return e.retryCount
}

// RecordSuccess clears retry tracking for id.
func (c *Controller) RecordSuccess(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// RetryCount returns the current retry count for id (0 if untracked).
func (c *Controller) RetryCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.retryCount
	}
	return 0
}

// HasExceededMaxRetries reports whether id is past the retry ceiling.
func (c *Controller) HasExceededMaxRetries(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.retryCount >= c.cfg.MaxRetries
}

// CleanupOlderThan drops tracking for entries whose next retry was
// scheduled before the cutoff, bounding the map's memory growth.
func (c *Controller) CleanupOlderThan(age time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-age)
	removed := 0
	for id, e := range c.entries {
		if e.nextRetry.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// HealthStats satisfies health.StatsProvider for the /status endpoint.
func (c *Controller) HealthStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"tracked_entries": len(c.entries),
		"max_retries":     c.cfg.MaxRetries,
	}
}
