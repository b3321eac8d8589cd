package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails, is not
// ready, or has an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// Gate is implemented by entries that can report up front whether calling them
// makes sense. An entry whose Ready returns an error is skipped without being
// called and without counting against its circuit breaker.
type Gate interface {
	Ready() error
}

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus is a snapshot of one [FallbackGroup] entry.
type EntryStatus struct {
	Name    string
	Breaker State
	// Ready is the entry's Gate error, nil when ready or when the entry has
	// no gate.
	Ready error
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or is not ready, or its circuit
// breaker is open), the next entry is tried in registration order. An entry is
// attempted at most once per call.
//
// Entries must be registered before the group is shared between goroutines;
// after that FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order they
// are added, after the primary. The entry's breaker is named after the entry,
// prefixed with the configured breaker name when one is set.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	if cbCfg.Name != "" {
		cbCfg.Name += "/" + name
	} else {
		cbCfg.Name = name
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of registered entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Status returns a snapshot of every entry in registration order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, 0, len(fg.entries))
	for i := range fg.entries {
		e := &fg.entries[i]
		out = append(out, EntryStatus{
			Name:    e.name,
			Breaker: e.breaker.State(),
			Ready:   ready(e.value),
		})
	}
	return out
}

func ready(v any) error {
	if g, ok := v.(Gate); ok {
		return g.Ready()
	}
	return nil
}

// Execute tries fn against each entry in order until one succeeds.
// Entries that are not ready or whose circuit breaker is open are skipped.
// Returns [ErrAllFailed] joined with every attempt's error if nothing succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	return ExecuteWithResultContext(context.Background(), fg, fn)
}

// ExecuteWithResultContext is [ExecuteWithResult] on behalf of ctx. Once ctx
// is done no further entry is tried and the returned error wraps ctx.Err()
// instead of [ErrAllFailed]; the interrupted attempt is not counted against
// its circuit breaker.
func ExecuteWithResultContext[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		errs []error
		zero R
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		entry := &fg.entries[i]
		if err := ready(entry.value); err != nil {
			slog.Debug("skipping provider (not ready)", "provider", entry.name, "reason", err)
			errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
			continue
		}
		var result R
		err := entry.breaker.ExecuteContext(ctx, func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%w: %s: %w", ctxErr, entry.name, err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
