// Command voxscribe is the main entry point for the voxscribe speech
// recognition server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MrWong99/voxscribe/internal/app"
	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/openai"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	host := flag.String("host", "", "interface to bind (overrides server.listen_addr)")
	port := flag.Int("port", 0, "port to bind (overrides server.listen_addr)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("voxscribe", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxscribe: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxscribe: %v\n", err)
		}
		return 1
	}
	addr, err := overrideListenAddr(cfg.Server.ListenAddr, *host, *port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxscribe: %v\n", err)
		return 1
	}
	cfg.Server.ListenAddr = addr

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"engine", cfg.ASR.Engine,
		"device", cfg.ASR.Device,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(observe.ProviderConfig{
		ServiceName:    "voxscribe",
		ServiceVersion: version,
		Engine:         cfg.ASR.Engine,
		Device:         string(cfg.ASR.Device),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	load, err := reg.Create(cfg)
	if err != nil {
		slog.Error("failed to build ASR engine", "err", err, "registered", reg.Names())
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, load, app.WithMetricsHandler(tel.MetricsHandler()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines wires the engine factories that ship with voxscribe
// into reg. Factories only build loaders; the model is loaded by the
// lifecycle manager.
func registerBuiltinEngines(reg *config.Registry) {
	reg.Register("whisper", func(cfg *config.Config) (asr.LoadFunc, error) {
		if cfg.ASR.Device == config.DeviceCUDA {
			slog.Info("whisper selects its GPU backend at build time; asr.device is advisory")
		}
		var opts []whisper.Option
		if cfg.ASR.Threads > 0 {
			opts = append(opts, whisper.WithThreads(cfg.ASR.Threads))
		}
		return whisper.Loader(cfg.ASR.Model, opts...), nil
	})

	reg.Register("openai", func(cfg *config.Config) (asr.LoadFunc, error) {
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("openai.api_key is required")
		}
		opts := []openai.Option{openai.WithSampleRate(cfg.Audio.SampleRate)}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		return openai.Loader(cfg.OpenAI.APIKey, cfg.OpenAI.Model, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered engine", "name", name)
	}
}

// overrideListenAddr applies the -host and -port flags to addr. Empty host
// and zero port keep the configured parts.
func overrideListenAddr(addr, host string, port int) (string, error) {
	if host == "" && port == 0 {
		return addr, nil
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("server.listen_addr %q: %w", addr, err)
	}
	if host != "" {
		h = host
	}
	if port != 0 {
		if port < 0 || port > 65535 {
			return "", fmt.Errorf("port %d out of range", port)
		}
		p = strconv.Itoa(port)
	}
	return net.JoinHostPort(h, p), nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
