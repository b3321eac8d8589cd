// Package resilience guards synthesis providers with circuit breakers and
// ordered failover.
//
// [CircuitBreaker] trips after a run of consecutive failures and rejects calls
// until a cool-down has passed, then lets a few probe calls through before
// closing again. [FallbackGroup] tries a list of providers of the same type in
// order, each behind its own breaker, so a remote TTS service that keeps
// failing stops costing request latency.
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

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. One failed
	// probe re-opens the breaker; HalfOpenMax successful probes close it.
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

// Breaker defaults applied by [NewCircuitBreaker].
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: [DefaultResetTimeout].
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget of the half-open state.
	// Default: [DefaultHalfOpenMax].
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs
	// outside the breaker's lock and may call back into the breaker.
	OnStateChange func(name string, from, to State)

	// IsFailure classifies a non-nil error returned by the guarded call.
	// Errors it rejects neither count against the breaker nor reset its
	// failure run. Default: everything except context.Canceled.
	IsFailure func(err error) bool

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the closed/open/half-open breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	openedAt  time.Time
	probes    int // probe calls admitted while half-open
	successes int // probe calls that succeeded
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero-value config
// fields take their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] and fn is not called. fn's error is returned
// unchanged and counts as a failure when IsFailure accepts it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteContext(context.Background(), fn)
}

// ExecuteContext is [CircuitBreaker.Execute] for a call made on behalf of
// ctx. Nothing runs once ctx is done, and an error returned after ctx is done
// is the caller giving up, so it is not held against the breaker.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	if err != nil && (ctx.Err() != nil || !cb.cfg.IsFailure(err)) {
		cb.release(probe)
		return err
	}
	cb.record(probe, err == nil)
	return err
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var fire func()
	if cb.state == StateOpen && cb.cooledDown() {
		fire = cb.setState(StateHalfOpen)
		cb.probes, cb.successes = 0, 0
	}
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			cb.probes++
			probe = true
		}
	}
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
	return probe, err
}

// record accounts for the result of an admitted call.
func (cb *CircuitBreaker) record(probe, ok bool) {
	cb.mu.Lock()
	var fire func()
	switch {
	case probe && !ok:
		if cb.state == StateHalfOpen {
			cb.openedAt = cb.cfg.Now()
			fire = cb.setState(StateOpen)
		}
	case probe && ok:
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			fire = cb.setState(StateClosed)
		}
	case !ok:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = cb.cfg.Now()
			fire = cb.setState(StateOpen)
		}
	default:
		cb.failures = 0
	}
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// release returns the slot of an admitted call whose result is neither a
// success nor a failure.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.mu.Unlock()
}

// cooledDown reports whether an open breaker may start probing. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) cooledDown() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// setState switches state and returns the notification to run after the
// lock is released, or nil if the state did not change. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	name, hook := cb.cfg.Name, cb.cfg.OnStateChange
	return func() {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state change", "name", name, "from", from, "to", to)
		if hook != nil {
			hook(name, from, to)
		}
	}
}

// State returns the breaker state as a caller would observe it: an open
// breaker whose reset timeout has passed reports [StateHalfOpen], although
// the transition itself happens on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	fire := cb.setState(StateClosed)
	cb.failures, cb.probes, cb.successes = 0, 0, 0
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
}
