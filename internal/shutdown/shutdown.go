// Package shutdown implements the priority-ordered graceful shutdown
// coordinator shared by the producer and worker processes.
//
// Grounded on _examples/original_source/src/common/shutdown.py's
// ShutdownManager: same three-state lifecycle, same priority-bucket
// convention in the doc comment below, same bounded total timeout. The
// Python version is a thread-safe singleton reached via a class-level
// _instance; per spec.md Design Notes ("singleton registries -> explicit
// constructor wiring") the Go version is an ordinary value constructed
// once in main and passed to every long-running task instead.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State is one of Running, ShuttingDown, Stopped.
type State int

const (
	Running State = iota
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "stopped"
	}
}

// Priority buckets, lower runs first. Matches the Python original's
// convention so operators reading logs from either generation recognize
// the ordering.
const (
	PriorityStopAccepting = 0
	PriorityDrainInFlight = 10
	PriorityFlushState    = 20
	PriorityCloseConns    = 30
	PriorityFinalCleanup  = 40
)

type callback struct {
	priority int
	name     string
	fn       func(context.Context) error
}

// Coordinator is the C6 component: signal trap, priority-ordered
// teardown callbacks, bounded-wait termination.
type Coordinator struct {
	timeout time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	state     State
	callbacks []callback
	done      chan struct{}
}

// New builds a Coordinator with the given total shutdown timeout
// (spec.md §4.6 default is 30s).
func New(timeout time.Duration, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log.Info("shutdown coordinator initialized", zap.Duration("timeout", timeout))
	return &Coordinator{
		timeout: timeout,
		log:     log,
		state:   Running,
		done:    make(chan struct{}),
	}
}

// Register adds a teardown callback executed in ascending priority order
// during shutdown.
func (c *Coordinator) Register(priority int, name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback{priority: priority, name: name, fn: fn})
	sortCallbacks(c.callbacks)
	c.log.Debug("registered shutdown callback", zap.String("name", name), zap.Int("priority", priority))
}

func sortCallbacks(cbs []callback) {
	for i := 1; i < len(cbs); i++ {
		for j := i; j > 0 && cbs[j].priority < cbs[j-1].priority; j-- {
			cbs[j], cbs[j-1] = cbs[j-1], cbs[j]
		}
	}
}

// InstallSignalHandlers traps SIGINT/SIGTERM and calls Initiate when
// either arrives. It returns immediately; the trap runs on its own
// goroutine.
func (c *Coordinator) InstallSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		c.log.Info("received shutdown signal", zap.String("signal", sig.String()))
		c.Initiate()
	}()
	c.log.Info("signal handlers installed", zap.String("signals", "SIGINT, SIGTERM"))
}

// IsRunning reports whether the coordinator is still in the Running
// state — loops poll this (or select on Done()) to know when to stop
// picking up new work.
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Running
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed once shutdown has been initiated —
// blocking loops select on it to be interrupted promptly.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Initiate begins shutdown: thread-safe, idempotent, safe to call from
// a signal handler or any goroutine. It runs every registered callback
// in priority order and blocks until they finish or the total timeout
// elapses.
func (c *Coordinator) Initiate() {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		c.log.Warn("shutdown already in progress, ignoring")
		return
	}
	c.state = ShuttingDown
	callbacks := make([]callback, len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()

	close(c.done)
	c.log.Info("shutdown initiated", zap.Int("callbacks", len(callbacks)))

	c.runCallbacks(callbacks)

	c.mu.Lock()
	c.state = Stopped
	c.mu.Unlock()
	c.log.Info("shutdown complete")
}

func (c *Coordinator) runCallbacks(callbacks []callback) {
	deadline := time.Now().Add(c.timeout)

	for _, cb := range callbacks {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.log.Error("shutdown timeout exceeded, skipping remaining callbacks",
				zap.Duration("timeout", c.timeout))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		c.log.Info("executing shutdown callback", zap.String("name", cb.name), zap.Int("priority", cb.priority))
		errCh := make(chan error, 1)
		go func() { errCh <- cb.fn(ctx) }()
		select {
		case err := <-errCh:
			if err != nil {
				c.log.Error("shutdown callback failed", zap.String("name", cb.name), zap.Error(err))
			} else {
				c.log.Info("shutdown callback completed", zap.String("name", cb.name))
			}
		case <-ctx.Done():
			c.log.Error("shutdown callback exceeded the deadline, abandoning it", zap.String("name", cb.name))
		}
		cancel()
	}
}

// WaitForShutdown blocks until Initiate has been called, or timeout
// elapses (timeout<=0 waits indefinitely). Returns true if shutdown was
// initiated.
func (c *Coordinator) WaitForShutdown(timeout time.Duration) bool {
	if timeout <= 0 {
		<-c.done
		return true
	}
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Status is the JSON snapshot exposed on /status.
type Status struct {
	State               string   `json:"state"`
	IsRunning           bool     `json:"is_running"`
	CallbacksRegistered int      `json:"callbacks_registered"`
	CallbackNames       []string `json:"callback_names"`
	TimeoutSeconds      float64  `json:"timeout_seconds"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.callbacks))
	for i, cb := range c.callbacks {
		names[i] = cb.name
	}
	return Status{
		State:               c.state.String(),
		IsRunning:           c.state == Running,
		CallbacksRegistered: len(c.callbacks),
		CallbackNames:       names,
		TimeoutSeconds:      c.timeout.Seconds(),
	}
}
