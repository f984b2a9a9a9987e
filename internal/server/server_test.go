package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/internal/health"
	"github.com/MrWong99/voxscribe/internal/lifecycle"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/server"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/mock"
)

// fakeDecoder returns fixed samples or an error and records each call.
type fakeDecoder struct {
	mu      sync.Mutex
	samples []float32
	err     error
	calls   int
	payload []byte
}

func (d *fakeDecoder) Decode(_ context.Context, r io.Reader) ([]float32, error) {
	data, _ := io.ReadAll(r)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.payload = data
	if d.err != nil {
		return nil, d.err
	}
	return d.samples, nil
}

func (d *fakeDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fixture struct {
	handler http.Handler
	loader  *mock.Loader
	model   *mock.Model
	encoded *fakeDecoder
	raw     *fakeDecoder
	reader  *sdkmetric.ManualReader
}

func newFixture(t *testing.T, out asr.Output, opts ...server.Option) *fixture {
	t.Helper()
	f := &fixture{
		model:   &mock.Model{Output: out},
		encoded: &fakeDecoder{samples: make([]float32, 32000)},
		raw:     &fakeDecoder{samples: make([]float32, 16000)},
		reader:  sdkmetric.NewManualReader(),
	}
	f.loader = &mock.Loader{Model: f.model}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	models := lifecycle.New[asr.Model](f.loader.Load)
	t.Cleanup(func() { _ = models.Unload() })
	engine := asr.NewEngine("mock", models, asr.WithSampleRate(16000))

	opts = append([]server.Option{
		server.WithDecoders(f.encoded, f.raw),
		server.WithMetrics(met),
	}, opts...)
	f.handler = server.New(engine, opts...).Handler()
	return f
}

// upload builds a multipart request carrying payload as audio_file.
func upload(t *testing.T, target, filename string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio_file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(payload)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestASR_PlainText(t *testing.T) {
	f := newFixture(t, asr.Output{Text: "hello world", Language: "en"})

	rec := f.do(upload(t, "/asr?language=en&output=txt", "my clip.mp3", []byte("ID3")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := rec.Body.String(); got != "hello world\n" {
		t.Errorf("body = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="my%20clip.mp3.txt"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := rec.Header().Get("Asr-Engine"); got != "mock" {
		t.Errorf("Asr-Engine = %q, want mock", got)
	}
	if got := rec.Header().Get("Asr-Job-Id"); len(got) != 20 {
		t.Errorf("Asr-Job-Id = %q, want a 20 character xid", got)
	}
	if string(f.encoded.payload) != "ID3" {
		t.Errorf("decoder payload = %q, want upload bytes", f.encoded.payload)
	}
	calls := f.model.Calls()
	if len(calls) != 1 || calls[0].Opts.Language != "en" || calls[0].Opts.Task != asr.TaskTranscribe {
		t.Errorf("generate calls = %+v", calls)
	}
}

func TestASR_SubtitleFormats(t *testing.T) {
	tests := []struct {
		output string
		want   string
		ctype  string
	}{
		{"srt", "1\n00:00:00,000 --> 00:00:02,000\nhello world\n\n", "text/plain; charset=utf-8"},
		{"vtt", "WEBVTT\n\n00:00.000 --> 00:02.000\nhello world\n\n", "text/vtt; charset=utf-8"},
		{"tsv", "start\tend\ttext\n0\t2000\thello world\n", "text/tab-separated-values; charset=utf-8"},
	}
	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			f := newFixture(t, asr.Output{Text: "hello world"})
			rec := f.do(upload(t, "/asr?language=en&output="+tt.output, "a.wav", []byte("x")))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if got := rec.Body.String(); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.ctype {
				t.Errorf("Content-Type = %q, want %q", got, tt.ctype)
			}
			if got := rec.Header().Get("Content-Disposition"); got != fmt.Sprintf(`attachment; filename="a.wav.%s"`, tt.output) {
				t.Errorf("Content-Disposition = %q", got)
			}
		})
	}
}

func TestASR_JSONOutput(t *testing.T) {
	f := newFixture(t, asr.Output{Text: "你好"})
	rec := f.do(upload(t, "/asr?output=json", "a.wav", []byte("x")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Text != "你好" || body.Language != "zh" {
		t.Errorf("body = %+v, want default language zh", body)
	}
	if len(body.Segments) != 1 || body.Segments[0].End != 2 {
		t.Errorf("segments = %+v", body.Segments)
	}
}

func TestASR_DecodeFailureSkipsModel(t *testing.T) {
	f := newFixture(t, asr.Output{Text: "unused"})
	f.encoded.err = fmt.Errorf("%w: ffmpeg: exit status 1: invalid data", audio.ErrDecode)

	rec := f.do(upload(t, "/asr", "notes.txt", []byte("not audio")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Kind != server.KindAudioDecode {
		t.Errorf("kind = %q, want %q", body.Error.Kind, server.KindAudioDecode)
	}
	if got := f.loader.Loads(); got != 0 {
		t.Errorf("model loads = %d, want 0", got)
	}
}

func TestASR_UndeclaredDecoderErrorIsDecodeError(t *testing.T) {
	f := newFixture(t, asr.Output{})
	f.encoded.err = errors.New("truncated")

	rec := f.do(upload(t, "/asr", "a.mp3", []byte("x")))
	if body := decodeError(t, rec); rec.Code != http.StatusBadRequest || body.Error.Kind != server.KindAudioDecode {
		t.Errorf("status = %d kind = %q, want 400 %s", rec.Code, body.Error.Kind, server.KindAudioDecode)
	}
}

func TestASR_EncodeFalseUsesRawDecoder(t *testing.T) {
	f := newFixture(t, asr.Output{Text: "raw"})
	rec := f.do(upload(t, "/asr?encode=false", "a.pcm", []byte{0, 0}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if f.raw.Calls() != 1 || f.encoded.Calls() != 0 {
		t.Errorf("raw calls = %d, encoded calls = %d", f.raw.Calls(), f.encoded.Calls())
	}
}

func TestASR_IgnoredCompatibilityParams(t *testing.T) {
	f := newFixture(t, asr.Output{Text: "ok"})
	rec := f.do(upload(t, "/asr?initial_prompt=hi&vad_filter=true&word_timestamps=true", "a.wav", []byte("x")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestASR_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		target string
		kind   string
	}{
		{"unknown output", "/asr?output=docx", server.KindUnknownFormat},
		{"unknown task", "/asr?task=summarize", server.KindBadRequest},
		{"unsupported language", "/asr?language=de", server.KindBadRequest},
		{"bad encode", "/asr?encode=maybe", server.KindBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, asr.Output{})
			rec := f.do(upload(t, tt.target, "a.wav", []byte("x")))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body := decodeError(t, rec); body.Error.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", body.Error.Kind, tt.kind)
			}
			if f.encoded.Calls() != 0 || f.loader.Loads() != 0 {
				t.Error("rejected request reached the decoder or the model")
			}
		})
	}
}

func TestASR_MissingUpload(t *testing.T) {
	f := newFixture(t, asr.Output{})
	req := httptest.NewRequest(http.MethodPost, "/asr", strings.NewReader("plain body"))
	req.Header.Set("Content-Type", "text/plain")

	rec := f.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Kind != server.KindBadRequest {
		t.Errorf("kind = %q", body.Error.Kind)
	}
}

func TestASR_UploadTooLarge(t *testing.T) {
	f := newFixture(t, asr.Output{}, server.WithMaxUploadBytes(64))
	rec := f.do(upload(t, "/asr", "big.wav", bytes.Repeat([]byte("x"), 4096)))
	if rec.Code < 400 || rec.Code >= 500 {
		t.Fatalf("status = %d, want a client error", rec.Code)
	}
	if f.loader.Loads() != 0 {
		t.Error("oversized upload reached the model")
	}
}

func TestASR_EmptyAudioIsInvalid(t *testing.T) {
	f := newFixture(t, asr.Output{})
	f.encoded.samples = nil

	rec := f.do(upload(t, "/asr", "empty.wav", []byte("x")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Kind != server.KindInvalidAudio {
		t.Errorf("kind = %q, want %q", body.Error.Kind, server.KindInvalidAudio)
	}
}

func TestASR_ModelLoadFailure(t *testing.T) {
	f := newFixture(t, asr.Output{})
	f.loader.SetErr(errors.New("weights missing"))

	rec := f.do(upload(t, "/asr", "a.wav", []byte("x")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Kind != server.KindModelLoad {
		t.Errorf("kind = %q, want %q", body.Error.Kind, server.KindModelLoad)
	}
	if !strings.Contains(body.Error.Message, "weights missing") {
		t.Errorf("message = %q, want cause", body.Error.Message)
	}
}

func TestASR_InferenceFailure(t *testing.T) {
	f := newFixture(t, asr.Output{})
	f.model.GenerateErr = errors.New("out of memory")

	rec := f.do(upload(t, "/asr", "a.wav", []byte("x")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Kind != server.KindInference {
		t.Errorf("kind = %q, want %q", body.Error.Kind, server.KindInference)
	}
}

func TestDetectLanguage(t *testing.T) {
	f := newFixture(t, asr.Output{Text: "こんにちは", Language: "ja"})

	rec := f.do(upload(t, "/detect-language", "a.wav", []byte("x")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		DetectedLanguage string  `json:"detected_language"`
		LanguageCode     string  `json:"language_code"`
		Confidence       float64 `json:"confidence"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.DetectedLanguage != "Japanese" || body.LanguageCode != "ja" || body.Confidence != 1 {
		t.Errorf("body = %+v", body)
	}
	calls := f.model.Calls()
	if len(calls) != 1 || calls[0].Opts.Language != asr.AutoLanguage {
		t.Errorf("generate calls = %+v, want one auto call", calls)
	}
}

func TestDetectLanguage_DecodeFailure(t *testing.T) {
	f := newFixture(t, asr.Output{})
	f.encoded.err = fmt.Errorf("%w: bad header", audio.ErrDecode)

	rec := f.do(upload(t, "/detect-language", "a.wav", []byte("x")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if f.loader.Loads() != 0 {
		t.Error("decode failure loaded the model")
	}
}

func TestRootRedirectsToDocs(t *testing.T) {
	f := newFixture(t, asr.Output{})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/docs" {
		t.Errorf("Location = %q, want /docs", got)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/docs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("docs status = %d", rec.Code)
	}
	for _, want := range []string{"POST /asr", "POST /detect-language", "Cantonese"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("docs missing %q", want)
		}
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	metricsHit := false
	f := newFixture(t, asr.Output{},
		server.WithHealth(health.New()),
		server.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			metricsHit = true
			w.WriteHeader(http.StatusOK)
		})),
	)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
	if !metricsHit {
		t.Error("metrics handler not mounted")
	}
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t, asr.Output{Text: "ok"})
	f.do(upload(t, "/asr", "a.wav", []byte("x")))
	f.do(upload(t, "/asr?output=docx", "a.wav", []byte("x")))

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxscribe.requests" && m.Name != "voxscribe.errors" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not a sum", m.Name)
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					counts[m.Name+"/"+kv.Value.AsString()] += dp.Value
				}
			}
		}
	}
	if counts["voxscribe.requests/200"] != 1 || counts["voxscribe.requests/400"] != 1 {
		t.Errorf("request counts = %v", counts)
	}
	if counts["voxscribe.errors/"+server.KindUnknownFormat] != 1 {
		t.Errorf("error counts = %v", counts)
	}
}
