package relay

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Tyrowin/relayhub/internal/metrics"
)

// Supervisor runs the periodic sweep: liveness probes for every connection
// and deadline enforcement for every transfer. It only runs while at least
// one connection is registered.
type Supervisor struct {
	registry  *Registry
	transfers *Reassembler
	clock     clock.Clock
	interval  time.Duration
	metrics   *metrics.Metrics
	onEvict   func(ConnID)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a stopped supervisor. onEvict runs for every
// connection closed for missing a probe, after its channel was terminated.
func NewSupervisor(registry *Registry, transfers *Reassembler, opts Options, onEvict func(ConnID)) *Supervisor {
	opts = opts.withDefaults()
	if onEvict == nil {
		onEvict = func(ConnID) {}
	}
	return &Supervisor{
		registry:  registry,
		transfers: transfers,
		clock:     opts.Clock,
		interval:  opts.HeartbeatInterval,
		metrics:   opts.Metrics,
		onEvict:   onEvict,
	}
}

// Start launches the sweep loop. It reports false when already running.
func (s *Supervisor) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.Ticker(s.interval)
	go s.run(ctx, ticker, s.done)

	supervisorLog.Debugw("supervisor started", "interval", s.interval)
	return true
}

// Stop cancels the sweep loop without waiting for it, so it is safe to call
// from inside a sweep.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	supervisorLog.Debugw("supervisor stopped")
}

// Shutdown stops the loop and waits for an in-progress sweep to return.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	s.Stop()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the sweep loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Supervisor) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one supervision pass. A connection that did not answer the
// previous probe is terminated and evicted; every other connection is probed
// again. Transfers past their deadline time out.
func (s *Supervisor) Sweep() {
	for _, id := range s.registry.Probe() {
		supervisorLog.Infow("evicting unresponsive connection", "conn", id)
		s.metrics.ConnectionEvicted()
		if err := s.registry.Terminate(id); err != nil {
			supervisorLog.Debugw("terminating connection", "conn", id, "err", err)
		}
		s.onEvict(id)
	}

	if s.transfers != nil {
		s.transfers.Sweep()
	}
}
