// Package server exposes the ASR engine over HTTP.
//
// Routes:
//
//	POST /asr                transcribe or translate an uploaded file
//	POST /detect-language    report the spoken language of an upload
//	GET  /docs               plain-text usage page (GET / redirects here)
//	GET  /healthz, /readyz   liveness and readiness
//	GET  /metrics            Prometheus scrape endpoint
//
// Uploads are decoded completely before the engine is called, and responses
// are rendered into memory before the status line is written.
package server

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/internal/health"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/transcript"
	"github.com/MrWong99/voxscribe/pkg/transcript/writer"
)

// DefaultMaxUploadBytes caps the request body when no limit is configured.
const DefaultMaxUploadBytes int64 = 512 << 20

// Engine is the subset of [asr.Engine] the HTTP layer calls.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, samples []float32, opts asr.TranscribeOptions) (*transcript.Result, error)
	DetectLanguage(ctx context.Context, samples []float32) (string, float64, error)
}

var _ Engine = (*asr.Engine)(nil)

// Server holds the HTTP handlers and their dependencies. It is safe for
// concurrent use once constructed.
type Server struct {
	engine         Engine
	encoded        audio.Decoder
	raw            audio.Decoder
	metrics        *observe.Metrics
	writerOpts     writer.Options
	maxUpload      int64
	health         *health.Handler
	metricsHandler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithDecoders sets the decoder used when encode=true (any container format)
// and the one used when encode=false (raw PCM). Defaults to an ffmpeg decoder
// and a PCM decoder at 16 kHz.
func WithDecoders(encoded, raw audio.Decoder) Option {
	return func(s *Server) {
		if encoded != nil {
			s.encoded = encoded
		}
		if raw != nil {
			s.raw = raw
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithWriterOptions sets the options passed to every transcript writer.
func WithWriterOptions(o writer.Options) Option {
	return func(s *Server) { s.writerOpts = o }
}

// WithMaxUploadBytes caps the request body size.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// New creates a Server that transcribes with engine.
func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		encoded:   &audio.FFmpegDecoder{},
		raw:       &audio.PCMDecoder{},
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed HTTP handler wrapped in the tracing and
// request-logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /asr", s.handleASR)
	mux.HandleFunc("POST /detect-language", s.handleDetectLanguage)
	mux.HandleFunc("GET /docs", s.handleDocs)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
	})
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

func metricAttrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}
