// Package observe provides application-wide observability primitives for
// voxscribe: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxscribe metrics.
const meterName = "github.com/MrWong99/voxscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscribeDuration tracks model inference time for /asr. Use with
	// attributes: attribute.String("engine", ...), attribute.String("task", ...)
	TranscribeDuration metric.Float64Histogram

	// DetectLanguageDuration tracks model inference time for /detect-language.
	DetectLanguageDuration metric.Float64Histogram

	// DecodeDuration tracks upload decoding time. Use with attribute:
	//   attribute.String("decoder", ...)
	DecodeDuration metric.Float64Histogram

	// ModelLoadDuration tracks how long model loads take, successful or not.
	ModelLoadDuration metric.Float64Histogram

	// --- Counters ---

	// ModelLoads counts load attempts. Use with attribute:
	//   attribute.String("status", ...)
	ModelLoads metric.Int64Counter

	// ModelEvictions counts unloads. Use with attribute:
	//   attribute.String("reason", ...)
	ModelEvictions metric.Int64Counter

	// Requests counts handled API requests. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// --- Error counters ---

	// Errors counts failed requests by error kind. Use with attribute:
	//   attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ModelInUse tracks the number of operations currently holding the model.
	ModelInUse metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch transcription of uploaded files.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("voxscribe.transcribe.duration",
		metric.WithDescription("Latency of speech recognition for /asr."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DetectLanguageDuration, err = m.Float64Histogram("voxscribe.detect_language.duration",
		metric.WithDescription("Latency of language detection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("voxscribe.decode.duration",
		metric.WithDescription("Latency of decoding uploaded audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("voxscribe.model.load.duration",
		metric.WithDescription("Latency of loading the ASR model."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ModelLoads, err = m.Int64Counter("voxscribe.model.loads",
		metric.WithDescription("Total model load attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ModelEvictions, err = m.Int64Counter("voxscribe.model.evictions",
		metric.WithDescription("Total model unloads by reason."),
	); err != nil {
		return nil, err
	}
	if met.Requests, err = m.Int64Counter("voxscribe.requests",
		metric.WithDescription("Total API requests by endpoint and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("voxscribe.errors",
		metric.WithDescription("Total failed requests by error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ModelInUse, err = m.Int64UpDownCounter("voxscribe.model.in_use",
		metric.WithDescription("Number of operations currently using the model."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxscribe.http.request.duration",
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

// RecordRequest records a request counter increment with the standard
// attribute set.
func (m *Metrics) RecordRequest(ctx context.Context, endpoint, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordError records an error counter increment for the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordModelLoad records the outcome and duration of a model load.
func (m *Metrics) RecordModelLoad(ctx context.Context, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ModelLoadDuration.Record(ctx, seconds)
	m.ModelLoads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordModelEviction records a model unload with its reason.
func (m *Metrics) RecordModelEviction(ctx context.Context, reason string) {
	m.ModelEvictions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
