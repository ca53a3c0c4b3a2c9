package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/metrics"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"

	infraerrors "github.com/aurea-ops/orchestrator/internal/pkg/errors"
)

var ErrCircuitOpen = infraerrors.ServiceUnavailable("circuit_open", "downstream dependency circuit is open")

const circuitMaxTimeout = time.Hour

// CircuitState is the persisted breaker row for one dependency service.
type CircuitState struct {
	Service       string     `json:"service"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	SuccessCount  int        `json:"success_count"`
	ErrorRate     float64    `json:"error_rate"`
	TimeoutSec    int        `json:"timeout_sec"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// CircuitStateRepository persists breaker rows. Mutate serializes per service
// (row lock) so concurrent outcome recordings cannot interleave transitions.
type CircuitStateRepository interface {
	Get(ctx context.Context, service string) (*CircuitState, error)
	List(ctx context.Context) ([]*CircuitState, error)
	// Mutate loads the row FOR UPDATE (creating a closed row when missing),
	// applies fn and writes the result back, all in one transaction.
	Mutate(ctx context.Context, service string, fn func(*CircuitState)) (*CircuitState, error)
}

// CircuitBreakerConfig mirrors the circuit_breaker config section.
type CircuitBreakerConfig struct {
	Threshold  float64
	Timeout    time.Duration
	WindowSize int
	MinSamples int
}

// rollingWindow tracks the last N call outcomes for one service in-process.
// The persisted row is authoritative for state; the window only feeds the
// error-rate computation.
type rollingWindow struct {
	samples []bool
	next    int
	filled  int
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{samples: make([]bool, size)}
}

func (w *rollingWindow) record(success bool) {
	w.samples[w.next] = success
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
}

func (w *rollingWindow) reset() {
	w.next = 0
	w.filled = 0
}

func (w *rollingWindow) stats() (failures, total int) {
	for i := 0; i < w.filled; i++ {
		if !w.samples[i] {
			failures++
		}
	}
	return failures, w.filled
}

// CircuitBreakerRegistry maintains one breaker per dependency service.
type CircuitBreakerRegistry struct {
	repo CircuitStateRepository
	cfg  CircuitBreakerConfig
	log  *zap.Logger

	mu      sync.Mutex
	windows map[string]*rollingWindow
	// probing marks services where this process handed out the half-open
	// probe and is waiting for its outcome.
	probing map[string]bool
}

func NewCircuitBreakerRegistry(repo CircuitStateRepository, cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	return &CircuitBreakerRegistry{
		repo:    repo,
		cfg:     cfg,
		log:     logger.Named("circuit"),
		windows: make(map[string]*rollingWindow),
		probing: make(map[string]bool),
	}
}

func (r *CircuitBreakerRegistry) window(service string) *rollingWindow {
	w, ok := r.windows[service]
	if !ok {
		w = newRollingWindow(r.cfg.WindowSize)
		r.windows[service] = w
	}
	return w
}

// Allow reports whether a call to service may proceed. Open circuits reject
// until next_retry_at, then admit a single probe (half-open).
func (r *CircuitBreakerRegistry) Allow(ctx context.Context, service string, now time.Time) error {
	if service == "" {
		return nil
	}
	state, err := r.repo.Get(ctx, service)
	if err != nil {
		return err
	}
	if state == nil || state.State == domain.CircuitClosed {
		return nil
	}

	if state.State == domain.CircuitOpen {
		if state.NextRetryAt == nil || now.Before(*state.NextRetryAt) {
			return ErrCircuitOpen.WithMetadata(map[string]string{"service": service})
		}
		// Timeout elapsed: transition to half-open and admit this call as
		// the probe.
		if _, err := r.repo.Mutate(ctx, service, func(cs *CircuitState) {
			if cs.State == domain.CircuitOpen && cs.NextRetryAt != nil && !now.Before(*cs.NextRetryAt) {
				cs.State = domain.CircuitHalfOpen
			}
		}); err != nil {
			return err
		}
		metrics.SetCircuitState(service, domain.CircuitHalfOpen)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probing[service] {
		return ErrCircuitOpen.WithMetadata(map[string]string{"service": service})
	}
	r.probing[service] = true
	return nil
}

// ReleaseProbe frees an admitted probe slot without recording an outcome, for
// calls whose result is unknowable (lease lost mid-flight).
func (r *CircuitBreakerRegistry) ReleaseProbe(service string) {
	if service == "" {
		return
	}
	r.mu.Lock()
	delete(r.probing, service)
	r.mu.Unlock()
}

// RecordSuccess feeds a successful call outcome.
func (r *CircuitBreakerRegistry) RecordSuccess(ctx context.Context, service string, now time.Time) error {
	return r.record(ctx, service, true, now)
}

// RecordFailure feeds a failed call outcome.
func (r *CircuitBreakerRegistry) RecordFailure(ctx context.Context, service string, now time.Time) error {
	return r.record(ctx, service, false, now)
}

func (r *CircuitBreakerRegistry) record(ctx context.Context, service string, success bool, now time.Time) error {
	if service == "" {
		return nil
	}

	r.mu.Lock()
	w := r.window(service)
	w.record(success)
	failures, total := w.stats()
	delete(r.probing, service)
	r.mu.Unlock()

	state, err := r.repo.Mutate(ctx, service, func(cs *CircuitState) {
		if success {
			cs.SuccessCount++
			t := now
			cs.LastSuccessAt = &t
		} else {
			cs.FailureCount++
			t := now
			cs.LastFailureAt = &t
		}
		if total > 0 {
			cs.ErrorRate = float64(failures) / float64(total)
		}

		switch cs.State {
		case domain.CircuitClosed:
			if !success && total >= r.cfg.MinSamples && cs.ErrorRate > r.cfg.Threshold {
				r.open(cs, now, time.Duration(cs.TimeoutSec)*time.Second)
			}
		case domain.CircuitHalfOpen:
			if success {
				cs.State = domain.CircuitClosed
				cs.FailureCount = 0
				cs.SuccessCount = 0
				cs.ErrorRate = 0
				cs.OpenedAt = nil
				cs.NextRetryAt = nil
				cs.TimeoutSec = int(r.cfg.Timeout / time.Second)
			} else {
				// Failed probe: reopen with a doubled timeout.
				next := time.Duration(cs.TimeoutSec) * time.Second * 2
				if next > circuitMaxTimeout {
					next = circuitMaxTimeout
				}
				r.open(cs, now, next)
			}
		case domain.CircuitOpen:
			// Late results from calls admitted before the trip; counters
			// already updated above.
		}
	})
	if err != nil {
		return err
	}

	// A probe-close resets the persisted counters; drop the local window too
	// so stale failures cannot re-trip the fresh circuit.
	if state.State == domain.CircuitClosed && state.FailureCount == 0 && state.SuccessCount == 0 {
		r.mu.Lock()
		r.window(service).reset()
		r.mu.Unlock()
	}

	metrics.SetCircuitState(service, state.State)
	if state.State == domain.CircuitOpen && !success {
		r.log.Warn("circuit opened",
			zap.String("service", service),
			zap.Float64("error_rate", state.ErrorRate),
			zap.Timep("next_retry_at", state.NextRetryAt))
	}
	return nil
}

func (r *CircuitBreakerRegistry) open(cs *CircuitState, now time.Time, timeout time.Duration) {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	cs.State = domain.CircuitOpen
	cs.TimeoutSec = int(timeout / time.Second)
	opened := now
	next := now.Add(timeout)
	cs.OpenedAt = &opened
	cs.NextRetryAt = &next
}

// States lists all persisted breakers for the admin surface.
func (r *CircuitBreakerRegistry) States(ctx context.Context) ([]*CircuitState, error) {
	return r.repo.List(ctx)
}
