// Package health implements C8: the liveness/readiness/status HTTP
// surface, adapted from the teacher's HealthChecker (which wraps
// github.com/heptiolabs/healthcheck around the webapp's storage.Store)
// and narrowed to spec.md §4.8's three routes, aggregating circuit
// breaker state and component snapshots instead of the webapp's
// database/Redis liveness probes.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/breaker"
)

// StatsProvider is any component that can describe itself for /status
// (the idempotency filter's duplicate count, the recovery sweeper's
// claimed/expired totals, and so on).
type StatsProvider interface {
	HealthStats() map[string]interface{}
}

// Checker aggregates readiness checks, circuit-breaker state, and
// registered component snapshots behind the three HTTP routes.
type Checker struct {
	check     healthcheck.Handler
	breakers  *breaker.Registry
	log       *zap.Logger
	startedAt time.Time

	mu        sync.Mutex
	providers map[string]StatsProvider
}

// New builds a Checker. breakers may be nil if the role registers none.
func New(breakers *breaker.Registry, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		check:     healthcheck.NewHandler(),
		breakers:  breakers,
		log:       log,
		startedAt: time.Now(),
		providers: make(map[string]StatsProvider),
	}
}

// AddReadinessCheck registers a named dependency check; GET /ready
// reports 503 with its name if it ever returns an error.
func (c *Checker) AddReadinessCheck(name string, check func() error) {
	c.check.AddReadinessCheck(name, check)
}

// AddLivenessCheck registers a named process-health check, surfaced the
// same way as a readiness check but conventionally reserved for checks
// that should trigger a restart rather than a load-balancer pull.
func (c *Checker) AddLivenessCheck(name string, check func() error) {
	c.check.AddLivenessCheck(name, check)
}

// RegisterStatsProvider adds a named component to /status's snapshot.
func (c *Checker) RegisterStatsProvider(name string, p StatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = p
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type statusResponse struct {
	UptimeSeconds      float64                  `json:"uptime_seconds"`
	CircuitBreakers    map[string]breaker.Stats `json:"circuit_breakers"`
	Components         map[string]interface{}   `json:"components"`
	CorrelationVersion int                      `json:"correlation_context_version"`
}

// Handler returns the mux serving /health, /ready, /status (spec.md
// §4.8). Mount under a dedicated http.Server per role/port.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.handleHealth)
	mux.Handle("/ready", c.check)
	mux.HandleFunc("/status", c.handleStatus)
	return mux
}

func (c *Checker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:        "alive",
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
	})
}

func (c *Checker) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var breakerStats map[string]breaker.Stats
	if c.breakers != nil {
		breakerStats = c.breakers.AllStats()
	}

	c.mu.Lock()
	components := make(map[string]interface{}, len(c.providers))
	for name, p := range c.providers {
		components[name] = p.HealthStats()
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statusResponse{
		UptimeSeconds:      time.Since(c.startedAt).Seconds(),
		CircuitBreakers:    breakerStats,
		Components:         components,
		CorrelationVersion: correlationContextVersion,
	})
}

// correlationContextVersion identifies the shape of correlation IDs
// this process emits (spec.md §4.8's "correlation context version"); a
// plain UUIDv4 scheme is version 1.
const correlationContextVersion = 1
