package app_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxscribe/internal/app"
	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/mock"
)

// staticDecoder returns the same samples for every upload.
type staticDecoder struct{ n int }

func (d staticDecoder) Decode(_ context.Context, r io.Reader) ([]float32, error) {
	_, _ = io.Copy(io.Discard, r)
	return make([]float32, d.n), nil
}

// testConfig returns a config listening on an ephemeral port.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.ASR.Preload = false
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, loader *mock.Loader) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, loader.Load,
		app.WithDecoders(staticDecoder{n: 16000}, staticDecoder{n: 16000}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_NilLoader(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error for nil loader")
	}
}

func TestNew_PreloadLoadsOnce(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ASR.Preload = true
	loader := &mock.Loader{Model: &mock.Model{}}

	a := newApp(t, cfg, loader)
	if loader.Loads() != 1 {
		t.Errorf("loads after New = %d, want 1", loader.Loads())
	}
	if !a.Engine().State().Loaded {
		t.Error("model not loaded after preload")
	}
}

func TestNew_PreloadFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ASR.Preload = true
	loader := &mock.Loader{Model: &mock.Model{}, LoadErr: errors.New("weights missing")}

	a := newApp(t, cfg, loader)
	if err := a.Engine().Ready(context.Background()); !errors.Is(err, asr.ErrModelLoad) {
		t.Errorf("Ready = %v, want ErrModelLoad", err)
	}
}

func TestNew_LazyLoad(t *testing.T) {
	t.Parallel()
	loader := &mock.Loader{Model: &mock.Model{Output: asr.Output{Text: "hi"}}}
	a := newApp(t, testConfig(), loader)
	if loader.Loads() != 0 {
		t.Fatalf("loads after New = %d, want 0", loader.Loads())
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d before first load, want 200", rec.Code)
	}
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	t.Parallel()
	model := &mock.Model{Output: asr.Output{Text: "hello"}}
	loader := &mock.Loader{Model: model}
	a := newApp(t, testConfig(), loader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	addr := a.Addr(waitCtx)
	if addr == nil {
		t.Fatal("app did not start listening")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Shutdown is idempotent.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestShutdown_UnloadsModel(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ASR.Preload = true
	model := &mock.Model{}
	a := newApp(t, cfg, &mock.Loader{Model: model})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if model.Closed() != 1 {
		t.Errorf("model closed %d times, want 1", model.Closed())
	}
	if a.Engine().State().Loaded {
		t.Error("model still loaded after Shutdown")
	}
}

func TestRun_ListenError(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "256.0.0.1:bad"
	a := newApp(t, cfg, &mock.Loader{Model: &mock.Model{}})
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestWatcher_InvalidatesOnArtifactChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ggml-base.bin")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig()
	cfg.ASR.Model = path
	cfg.ASR.Preload = true
	cfg.Watch.ModelArtifact = true
	cfg.Watch.IntervalSeconds = 1

	a := newApp(t, cfg, &mock.Loader{Model: &mock.Model{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	if a.Addr(ctx) == nil {
		t.Fatal("app did not start")
	}

	if err := os.WriteFile(path, []byte("version two"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !a.Engine().State().Stale {
		if time.Now().After(deadline) {
			t.Fatal("model not marked stale after artifact change")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	_ = a.Shutdown(context.Background())
}

func TestDocsMentionsEngine(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &mock.Loader{Model: &mock.Model{}})
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	if !strings.Contains(rec.Body.String(), "engine: whisper") {
		t.Errorf("docs = %q", rec.Body.String())
	}
}

func TestMetricsRoute_UsesTelemetryRegistry(t *testing.T) {
	t.Parallel()
	tel, err := observe.NewTelemetry(observe.ProviderConfig{Engine: "whisper"})
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a, err := app.New(context.Background(), testConfig(), (&mock.Loader{Model: &mock.Model{}}).Load,
		app.WithDecoders(staticDecoder{n: 16000}, staticDecoder{n: 16000}),
		app.WithMetrics(met),
		app.WithMetricsHandler(tel.MetricsHandler()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := a.Handler()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/docs", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `asr_engine="whisper"`) {
		t.Errorf("/metrics not served from the telemetry registry:\n%s", rec.Body.String())
	}
}
