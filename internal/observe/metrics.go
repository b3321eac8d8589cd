// Package observe provides application-wide observability primitives for
// luavoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all luavoice metrics.
const meterName = "github.com/MrWong99/luavoice"

// Tier attempt statuses recorded by [Metrics.RecordTierAttempt].
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusAborted = "aborted"
)

// Cache lookup results recorded by [Metrics.RecordCacheLookup].
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks raw synthesis latency per tier. Use with
	// attribute:
	//   attribute.String("tier", ...)
	SynthesisDuration metric.Float64Histogram

	// PostProcessDuration tracks the post-processing pipeline latency.
	PostProcessDuration metric.Float64Histogram

	// SpeechDuration tracks end-to-end GenerateSpeech latency.
	SpeechDuration metric.Float64Histogram

	// --- Counters ---

	// TierAttempts counts fallback chain attempts. Use with attributes:
	//   attribute.String("tier", ...), attribute.String("status", ...)
	TierAttempts metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CacheLookups counts result cache lookups. Use with attribute:
	//   attribute.String("result", ...)
	CacheLookups metric.Int64Counter

	// CacheEvictions counts artifact files removed by eviction.
	CacheEvictions metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// SpeechRequests counts GenerateSpeech outcomes. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	SpeechRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// PostProcessFailures counts pipelines that fell back to the raw artifact.
	PostProcessFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSyntheses tracks the number of in-flight chain runs.
	ActiveSyntheses metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// synthesis latencies, which range from cached milliseconds to slow CPU
// inference.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("luavoice.synthesis.duration",
		metric.WithDescription("Latency of raw speech synthesis by tier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostProcessDuration, err = m.Float64Histogram("luavoice.postprocess.duration",
		metric.WithDescription("Latency of the audio post-processing pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("luavoice.speech.duration",
		metric.WithDescription("End-to-end speech generation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TierAttempts, err = m.Int64Counter("luavoice.tier.attempts",
		metric.WithDescription("Fallback chain attempts by tier and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("luavoice.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("luavoice.cache.lookups",
		metric.WithDescription("Result cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("luavoice.cache.evictions",
		metric.WithDescription("Cached files removed by eviction."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("luavoice.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.SpeechRequests, err = m.Int64Counter("luavoice.speech.requests",
		metric.WithDescription("Speech generation requests by backend and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("luavoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.PostProcessFailures, err = m.Int64Counter("luavoice.postprocess.failures",
		metric.WithDescription("Post-processing runs that returned the raw artifact."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSyntheses, err = m.Int64UpDownCounter("luavoice.active_syntheses",
		metric.WithDescription("Number of in-flight synthesis chain runs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("luavoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTierAttempt records one fallback chain attempt. d is only recorded
// for attempts that actually called the backend.
func (m *Metrics) RecordTierAttempt(ctx context.Context, tier, status string, d time.Duration) {
	m.TierAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("status", status),
		),
	)
	if status != StatusSkipped {
		m.SynthesisDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("tier", tier)),
		)
	}
}

// RecordCacheLookup records a cache lookup with result hit, miss or stale.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordEviction records the number of files removed by one eviction pass.
func (m *Metrics) RecordEviction(ctx context.Context, removed int) {
	m.CacheEvictions.Add(ctx, int64(removed))
}

// RecordPostProcess records a post-processing run and whether it failed.
func (m *Metrics) RecordPostProcess(ctx context.Context, tier string, d time.Duration, failed bool) {
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	m.PostProcessDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.PostProcessFailures.Add(ctx, 1, attrs)
	}
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}

// RecordSpeech records the outcome of one speech generation request.
func (m *Metrics) RecordSpeech(ctx context.Context, backend, status string, d time.Duration) {
	m.SpeechRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
	m.SpeechDuration.Record(ctx, d.Seconds())
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
