// Package observe provides the observability primitives of the parley
// server: OpenTelemetry metrics, tracing helpers, trace-aware logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. [DefaultMetrics] returns a package-level
// instance bound to the global meter provider; tests should use [NewMetrics]
// with their own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// TranscribeDuration tracks provider latency per transcription call. Use
	// with attributes provider and status.
	TranscribeDuration metric.Float64Histogram

	// ProviderRequests counts transcription calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed transcription calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	// where kind is transient, fatal or cancelled.
	ProviderErrors metric.Int64Counter

	// MatchConfidence records the confidence of every finalized attempt.
	MatchConfidence metric.Float64Histogram

	// Finals counts finalized sessions by tier, reason and match type.
	Finals metric.Int64Counter

	// Penalties counts language penalties by required language.
	Penalties metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by breaker name
	// and target state.
	BreakerTransitions metric.Int64Counter

	// ActiveConnections tracks open live WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks sessions that have been initialised and have not
	// yet reached a terminal state.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for
// request/response transcription of a few seconds of speech.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

var confidenceBuckets = []float64{
	0.1, 0.3, 0.5, 0.7, 0.8, 0.85, 0.9, 0.95, 0.99, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("parley.transcribe.duration",
		metric.WithDescription("Latency of a transcription provider call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total transcription requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total transcription errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.MatchConfidence, err = m.Float64Histogram("parley.match.confidence",
		metric.WithDescription("Confidence of the terminal match of each session."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Finals, err = m.Int64Counter("parley.session.finals",
		metric.WithDescription("Finalized sessions by tier, reason and match type."),
	); err != nil {
		return nil, err
	}
	if met.Penalties, err = m.Int64Counter("parley.session.penalties",
		metric.WithDescription("Language penalties by required language."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("parley.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("parley.active_connections",
		metric.WithDescription("Number of open live connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of sessions that have not reached a terminal state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscription records one provider call. status is "ok" or "error";
// kind classifies errors and is ignored on success.
func (m *Metrics) RecordTranscription(ctx context.Context, provider, status, kind string, d time.Duration) {
	m.TranscribeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	if status != "ok" {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", kind),
			),
		)
	}
}

// RecordFinal records a finalized session.
func (m *Metrics) RecordFinal(ctx context.Context, tier, reason, matchType string, confidence float64) {
	m.Finals.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("reason", reason),
			attribute.String("match_type", matchType),
		),
	)
	m.MatchConfidence.Record(ctx, confidence)
}

// RecordPenalty records a language penalty.
func (m *Metrics) RecordPenalty(ctx context.Context, language string) {
	m.Penalties.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// RecordBreakerTransition records a circuit breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}
