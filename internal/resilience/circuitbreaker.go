// Package resilience guards the recognition, generation and synthesis
// adapters against failing backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) kept
// per backend. [FallbackGroup] orders several backends of one adapter kind
// behind their breakers; [STTFallback], [LLMFallback] and [TTSFallback] wrap a
// group so it satisfies the adapter contract itself. Failover covers starting
// a stream only: once a stream is running, its errors belong to the turn that
// opened it.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// rejects the call without running it.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Any probe
	// failure re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name identifies the guarded backend in logs.
	Name string

	// MaxFailures is the number of consecutive failures that open a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
//
// Cancellation of the caller's context is not a backend failure: an error
// matching [context.Canceled] leaves the breaker untouched.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int // consecutive, while closed
	openedAt    time.Time
	probes      int // admitted while half-open
	probeWins   int
	transitions []transition // pending OnStateChange calls
}

type transition struct{ from, to State }

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Name returns the configured backend name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may run. probe reports a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.flush()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.flush()

	if errors.Is(err, context.Canceled) {
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
		return
	}

	switch {
	case err == nil && probe:
		if cb.state != StateHalfOpen {
			return
		}
		cb.probeWins++
		if cb.probeWins >= cb.cfg.HalfOpenMax {
			cb.setState(StateClosed)
		}
	case err == nil:
		cb.failures = 0
	case probe:
		if cb.state == StateHalfOpen {
			cb.setState(StateOpen)
		}
	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.setState(StateOpen)
		}
	}
}

// setState moves to next and resets the counters of the new state. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) setState(next State) {
	prev := cb.state
	cb.state = next
	switch next {
	case StateOpen:
		cb.openedAt = cb.now()
		slog.Warn("resilience: circuit breaker opened", "name", cb.cfg.Name, "from", prev, "consecutive_failures", cb.failures)
	case StateHalfOpen:
		cb.probes, cb.probeWins = 0, 0
		slog.Info("resilience: circuit breaker half-open", "name", cb.cfg.Name)
	case StateClosed:
		cb.failures, cb.probes, cb.probeWins = 0, 0, 0
		slog.Info("resilience: circuit breaker closed", "name", cb.cfg.Name)
	}
	if cb.cfg.OnStateChange != nil {
		cb.transitions = append(cb.transitions, transition{prev, next})
	}
}

// flush unlocks cb and delivers pending transitions.
func (cb *CircuitBreaker) flush() {
	pending := cb.transitions
	cb.transitions = nil
	cb.mu.Unlock()
	for _, t := range pending {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout
// has elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.flush()
	if cb.state != StateClosed {
		cb.setState(StateClosed)
		return
	}
	cb.failures = 0
}
