package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig describes the running service for telemetry.
type ProviderConfig struct {
	// ServiceName defaults to "voxscribe".
	ServiceName    string
	ServiceVersion string

	// Engine and Device are attached to the resource, so every scraped
	// series can be joined with the backend that produced it.
	Engine string
	Device string

	// TraceExporter is optional. Without one, spans are still created so
	// request logs carry trace and span IDs, but nothing is exported.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry owns the SDK meter and tracer providers and the Prometheus
// registry the meter provider exports into.
type Telemetry struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider

	registry *prometheus.Registry
}

// NewTelemetry builds the providers without touching the OTel globals.
func NewTelemetry(cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxscribe"
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Engine != "" {
		attrs = append(attrs, attribute.String("asr.engine", cfg.Engine))
	}
	if cfg.Device != "" {
		attrs = append(attrs, attribute.String("asr.device", cfg.Device))
	}
	// Schemaless, so the merge keeps the SDK default's schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	return &Telemetry{
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		),
		TracerProvider: sdktrace.NewTracerProvider(tpOpts...),
		registry:       reg,
	}, nil
}

// InitProvider builds a [Telemetry] and installs its providers as the OTel
// globals, which [DefaultMetrics] and [Tracer] read.
func InitProvider(cfg ProviderConfig) (*Telemetry, error) {
	t, err := NewTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(t.MeterProvider)
	otel.SetTracerProvider(t.TracerProvider)
	return t, nil
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.MeterProvider.Shutdown(ctx),
		t.TracerProvider.Shutdown(ctx),
	)
}
