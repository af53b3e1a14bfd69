// Package observe provides application-wide observability primitives for the
// world runtime: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/Aeonia-ai/gaia-world"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CommandDuration tracks end-to-end command execution latency. Use with
	// attributes:
	//   attribute.String("route", "fastpath"|"markdown"|"admin"), attribute.String("action", ...)
	CommandDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency for markdown commands.
	LLMDuration metric.Float64Histogram

	// StoreDuration tracks document store read/write latency. Use with
	// attribute.String("op", "read"|"write"|"delete"|"list")
	StoreDuration metric.Float64Histogram

	// --- Counters ---

	// MutationsApplied counts committed world and view mutations. Use with
	// attributes:
	//   attribute.String("experience", ...), attribute.String("doc", "world"|"view")
	MutationsApplied metric.Int64Counter

	// ConflictRetries counts optimistic-version conflicts that forced a
	// mutation retry.
	ConflictRetries metric.Int64Counter

	// BroadcastDropped counts updates shed from full subscriber queues. Use
	// with attribute.String("subject", ...)
	BroadcastDropped metric.Int64Counter

	// ProviderErrors counts LLM provider errors by provider name.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live websocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// buckets cover LLM round trips; the lower ones cover store operations.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CommandDuration, err = m.Float64Histogram("gaia.command.duration",
		metric.WithDescription("End-to-end command execution latency by route and action."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("gaia.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreDuration, err = m.Float64Histogram("gaia.store.duration",
		metric.WithDescription("Document store operation latency by op."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MutationsApplied, err = m.Int64Counter("gaia.mutations.applied",
		metric.WithDescription("Committed document mutations by experience and document kind."),
	); err != nil {
		return nil, err
	}
	if met.ConflictRetries, err = m.Int64Counter("gaia.mutations.conflict_retries",
		metric.WithDescription("Optimistic-version conflicts that forced a mutation retry."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastDropped, err = m.Int64Counter("gaia.broadcast.dropped",
		metric.WithDescription("Updates shed from full subscriber queues by subject."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("gaia.provider.errors",
		metric.WithDescription("LLM provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("gaia.active_sessions",
		metric.WithDescription("Number of live websocket sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("gaia.http.request.duration",
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

// RecordCommand records one executed command with its route and action name.
func (m *Metrics) RecordCommand(ctx context.Context, route, actionName string, seconds float64) {
	m.CommandDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("action", actionName),
		),
	)
}

// RecordMutation records one committed document mutation.
func (m *Metrics) RecordMutation(ctx context.Context, experienceID, doc string) {
	m.MutationsApplied.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("experience", experienceID),
			attribute.String("doc", doc),
		),
	)
}

// RecordBroadcastDrop records one update shed from a subscriber queue.
func (m *Metrics) RecordBroadcastDrop(ctx context.Context, subject string) {
	m.BroadcastDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("subject", subject)),
	)
}

// RecordProviderError records one LLM provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
