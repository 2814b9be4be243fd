// Package resilience provides the circuit breaker that guards a live
// session's outbound audio path.
//
// A voice session tolerates the occasional failed send: the frame is lost and
// the next one usually goes through. A run of consecutive failures, however,
// means the stream itself is gone. [CircuitBreaker] counts those runs and
// trips once a threshold is reached so the caller can tear the session down
// instead of silently dropping audio forever.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Success
	// closes the breaker, any failure re-opens it.
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
	// Name labels log lines, e.g. "send/<session id>".
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes required to close again.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(from, to State)

	// Now overrides the wall clock in tests.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(from, to State)
	now          func() time.Time
	log          *slog.Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

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
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		now:          cfg.Now,
		log:          cfg.Logger.With("breaker", cfg.Name),
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var transitions []transition
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		transitions = append(transitions, cb.setState(StateHalfOpen))
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(transitions...)

	err := fn()

	cb.mu.Lock()
	var t transition
	if err != nil {
		t = cb.recordFailure(inHalfOpen)
	} else {
		t = cb.recordSuccess(inHalfOpen)
	}
	cb.mu.Unlock()
	cb.notify(t)
	return err
}

type transition struct{ from, to State }

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	return t
}

func (cb *CircuitBreaker) notify(ts ...transition) {
	for _, t := range ts {
		if t.from == t.to {
			continue
		}
		cb.log.Info("circuit breaker state change", "from", t.from.String(), "to", t.to.String())
		if cb.onChange != nil {
			cb.onChange(t.from, t.to)
		}
	}
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) transition {
	cb.lastFailure = cb.now()
	if inHalfOpen {
		cb.consecutiveFail = cb.maxFailures
		return cb.setState(StateOpen)
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
		cb.log.Warn("circuit breaker opened", "consecutive_failures", cb.consecutiveFail)
		return cb.setState(StateOpen)
	}
	return transition{from: cb.state, to: cb.state}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) transition {
	if !inHalfOpen {
		cb.consecutiveFail = 0
		return transition{from: cb.state, to: cb.state}
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMax && cb.state == StateHalfOpen {
		cb.consecutiveFail = 0
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		return cb.setState(StateClosed)
	}
	return transition{from: cb.state, to: cb.state}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the current run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFail
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setState(StateClosed)
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()
	cb.notify(t)
}
