// Package app wires the voxscribe subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the model manager, ASR
// engine and HTTP server from the config, Run serves requests alongside the
// idle reaper and the optional model artifact watcher, and Shutdown tears
// everything down in order with the model unloaded last.
//
// For testing, inject doubles via functional options (WithDecoders,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/health"
	"github.com/MrWong99/voxscribe/internal/lifecycle"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/server"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/transcript/writer"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	metrics        *observe.Metrics
	metricsHandler http.Handler
	encoded        audio.Decoder
	raw            audio.Decoder

	// Subsystems, initialised in New and torn down in Shutdown.
	models     *lifecycle.Manager[asr.Model]
	engine     *asr.Engine
	server     *server.Server
	httpServer *http.Server
	watcher    *lifecycle.ArtifactWatcher

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once

	// ready is closed once Run is listening; addr is valid after that.
	ready chan struct{}
	addr  net.Addr
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDecoders injects the upload decoders instead of building an ffmpeg
// and a PCM decoder from config.
func WithDecoders(encoded, raw audio.Decoder) Option {
	return func(a *App) {
		a.encoded = encoded
		a.raw = raw
	}
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the /metrics handler, normally
// [observe.Telemetry.MetricsHandler]. Defaults to the Prometheus default
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App serving the model produced by load. When
// cfg.ASR.Preload is set the model is loaded before New returns; a failed
// preload is logged and retried on the first request.
func New(ctx context.Context, cfg *config.Config, load asr.LoadFunc, opts ...Option) (*App, error) {
	if load == nil {
		return nil, errors.New("app: nil model loader")
	}
	a := &App{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	a.initEngine(load)
	a.initServer()
	a.initWatcher()

	if cfg.ASR.Preload {
		start := time.Now()
		if err := a.engine.Preload(ctx); err != nil {
			slog.Error("model preload failed; will retry on first request", "engine", cfg.ASR.Engine, "err", err)
		} else {
			slog.Info("model preloaded", "engine", cfg.ASR.Engine, "duration", time.Since(start))
		}
	}
	return a, nil
}

// initEngine builds the lifecycle manager and the engine on top of it, with
// lifecycle transitions feeding the model metrics.
func (a *App) initEngine(load asr.LoadFunc) {
	met := a.metrics
	a.models = lifecycle.New[asr.Model](load,
		lifecycle.WithIdleTimeout(a.cfg.ASR.IdleTimeout()),
		lifecycle.WithHooks(lifecycle.Hooks{
			Loaded: func(d time.Duration, err error) {
				met.RecordModelLoad(context.Background(), d.Seconds(), err)
			},
			Evicted: func(reason string) {
				slog.Info("model unloaded", "reason", reason)
				met.RecordModelEviction(context.Background(), reason)
			},
			LeaseChanged: func(delta int64) {
				met.ModelInUse.Add(context.Background(), delta,
					metric.WithAttributes(attribute.String("engine", a.cfg.ASR.Engine)))
			},
		}),
	)
	a.engine = asr.NewEngine(a.cfg.ASR.Engine, a.models,
		asr.WithDefaultLanguage(a.cfg.ASR.DefaultLanguage),
		asr.WithSampleRate(a.cfg.Audio.SampleRate),
	)
}

func (a *App) initServer() {
	checkers := []health.Checker{health.ModelChecker(a.engine)}

	if a.encoded == nil {
		ff := &audio.FFmpegDecoder{Path: a.cfg.Audio.FFmpegPath, SampleRate: a.cfg.Audio.SampleRate}
		a.encoded = ff
		checkers = append(checkers, health.DecoderChecker(ff.Available))
	}
	if a.raw == nil {
		a.raw = &audio.PCMDecoder{SampleRate: a.cfg.Audio.SampleRate}
	}

	a.server = server.New(a.engine,
		server.WithDecoders(a.encoded, a.raw),
		server.WithMetrics(a.metrics),
		server.WithWriterOptions(writer.Options{
			MaxLineWidth:   a.cfg.Subtitle.MaxLineWidth,
			MaxLineCount:   a.cfg.Subtitle.MaxLineCount,
			HighlightWords: a.cfg.Subtitle.HighlightWords,
		}),
		server.WithMaxUploadBytes(a.cfg.Audio.MaxUploadBytes),
		server.WithHealth(health.New(checkers...)),
		server.WithMetricsHandler(a.metricsHandler),
	)
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initWatcher sets up the model artifact watcher when enabled. A missing
// artifact disables watching rather than failing startup; the load error is
// reported on first use.
func (a *App) initWatcher() {
	if !a.cfg.Watch.ModelArtifact {
		return
	}
	w, err := lifecycle.NewArtifactWatcher(a.cfg.ASR.Model, func() {
		slog.Info("model artifact changed; reloading on next idle moment", "path", a.cfg.ASR.Model)
		a.models.Invalidate()
	}, lifecycle.WithInterval(a.cfg.Watch.Interval()))
	if err != nil {
		slog.Warn("model artifact watcher disabled", "err", err)
		return
	}
	a.watcher = w
}

// Engine returns the ASR engine.
func (a *App) Engine() *asr.Engine { return a.engine }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// Addr blocks until Run is listening and returns the bound address, or
// returns nil if ctx is done first.
func (a *App) Addr(ctx context.Context) net.Addr {
	select {
	case <-a.ready:
		return a.addr
	case <-ctx.Done():
		return nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the idle reaper and artifact watcher until ctx is
// cancelled or the server fails. It does not unload the model; call
// Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.httpServer.Addr, err)
	}
	a.addr = ln.Addr()
	close(a.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.models.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "addr", a.addr.String(), "engine", a.cfg.ASR.Engine)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server if still running and then unloads the model,
// waiting for in-flight inference. It respects the context deadline: if ctx
// expires first, the model is left for process exit and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		done := make(chan error, 1)
		go func() { done <- a.engine.Close() }()
		select {
		case err := <-done:
			if err != nil {
				slog.Warn("model unload error", "err", err)
			}
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while unloading model")
			shutdownErr = ctx.Err()
			return
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
