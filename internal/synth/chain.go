package synth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/luavoice/internal/observe"
	"github.com/MrWong99/luavoice/internal/resilience"
)

// Outcome describes a successful chain run.
type Outcome struct {
	// Tier is the backend that produced the audio.
	Tier Tier

	// RawPath is the unprocessed WAV written by the backend.
	RawPath string

	// Duration is the wall time spent in the winning backend.
	Duration time.Duration
}

// TierStatus is a snapshot of one tier in a [Chain].
type TierStatus struct {
	Tier Tier

	// Ready is nil when the backend's preconditions hold.
	Ready error

	// Breaker is the state of the tier's circuit breaker.
	Breaker resilience.State
}

// Available reports whether the chain would currently try this tier.
func (s TierStatus) Available() bool {
	return s.Ready == nil && s.Breaker != resilience.StateOpen
}

// ChainOption is a functional option for [NewChain].
type ChainOption func(*Chain)

// WithMetrics records tier attempts on m.
func WithMetrics(m *observe.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// WithBreaker overrides the per-tier circuit breaker configuration.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ChainOption {
	return func(c *Chain) { c.breaker = cfg }
}

// Chain tries its backends in registration order. A tier that is not ready or
// whose circuit breaker is open is skipped without being called; a tier that
// fails is logged and the next one is tried. Each tier is attempted at most
// once per run.
//
// The backend list is fixed at construction. Chain is safe for concurrent use.
type Chain struct {
	backends []Backend
	group    *resilience.FallbackGroup[Backend]
	breaker  resilience.CircuitBreakerConfig
	metrics  *observe.Metrics
}

// NewChain builds a chain over backends, highest priority first.
func NewChain(backends []Backend, opts ...ChainOption) (*Chain, error) {
	if len(backends) == 0 {
		return nil, errors.New("synth: chain needs at least one backend")
	}
	c := &Chain{backends: backends}
	for _, o := range opts {
		o(c)
	}
	if c.metrics != nil && c.breaker.OnStateChange == nil {
		c.breaker.OnStateChange = breakerRecorder(c.metrics)
	}
	cfg := resilience.FallbackConfig{CircuitBreaker: c.breaker}
	c.group = resilience.NewFallbackGroup(backends[0], backends[0].Tier().String(), cfg)
	for _, b := range backends[1:] {
		c.group.AddFallback(b.Tier().String(), b)
	}
	return c, nil
}

// breakerRecorder returns a state-change hook that counts transitions on m.
func breakerRecorder(m *observe.Metrics) func(name string, from, to resilience.State) {
	return func(name string, _, to resilience.State) {
		m.RecordBreakerTransition(context.Background(), name, to.String())
	}
}

// Run synthesises job with the first tier that succeeds. When every tier is
// skipped or fails, the returned error wraps [ErrAllTiersFailed] together
// with each tier's error. Once ctx is done no further tier is tried, the
// error wraps ctx.Err() instead, and no breaker is charged.
func (c *Chain) Run(ctx context.Context, job Job) (_ Outcome, err error) {
	if job.Text == "" {
		return Outcome{}, fmt.Errorf("%w: empty text", ErrAllTiersFailed)
	}
	ctx, span := observe.StartSpan(ctx, "synth.chain")
	defer func() { observe.EndSpan(span, err) }()

	if c.metrics != nil {
		c.metrics.ActiveSyntheses.Add(ctx, 1)
		defer c.metrics.ActiveSyntheses.Add(ctx, -1)
		for _, b := range c.backends {
			if b.Ready() != nil {
				c.metrics.RecordTierAttempt(ctx, b.Tier().String(), observe.StatusSkipped, 0)
			}
		}
	}

	out, err := resilience.ExecuteWithResultContext(ctx, c.group, func(b Backend) (Outcome, error) {
		start := time.Now()
		path, err := b.Synthesize(ctx, job)
		elapsed := time.Since(start)
		if c.metrics != nil {
			status := observe.StatusOK
			switch {
			case err != nil && ctx.Err() != nil:
				status = observe.StatusAborted
			case err != nil:
				status = observe.StatusFailed
			}
			c.metrics.RecordTierAttempt(ctx, b.Tier().String(), status, elapsed)
		}
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Tier: b.Tier(), RawPath: path, Duration: elapsed}, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("synth: chain aborted: %w", err)
		}
		return Outcome{}, fmt.Errorf("%w: %w", ErrAllTiersFailed, err)
	}
	observe.Logger(ctx).Debug("synth: chain done", "tier", out.Tier, "elapsed", out.Duration)
	return out, nil
}

// Status returns a snapshot of every tier in priority order.
func (c *Chain) Status() []TierStatus {
	entries := c.group.Status()
	out := make([]TierStatus, 0, len(entries))
	for i, e := range entries {
		out = append(out, TierStatus{
			Tier:    c.backends[i].Tier(),
			Ready:   e.Ready,
			Breaker: e.Breaker,
		})
	}
	return out
}

// Backend returns the chain's backend for tier t, or nil.
func (c *Chain) Backend(t Tier) Backend {
	for _, b := range c.backends {
		if b.Tier() == t {
			return b
		}
	}
	return nil
}

// Ready reports whether tier t is part of the chain and its preconditions
// hold.
func (c *Chain) Ready(t Tier) bool {
	b := c.Backend(t)
	return b != nil && b.Ready() == nil
}
