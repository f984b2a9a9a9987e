// Package openai provides an asr.Model backed by the OpenAI audio
// transcription API (or any server exposing the same endpoints).
//
// Samples are encoded as a 16-bit mono WAV file and uploaded per call. There
// is no local model to load, so Close only releases idle HTTP connections.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/transcript"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = string(oai.AudioModelWhisper1)

// Ensure Model implements the asr.Model interface.
var _ asr.Model = (*Model)(nil)

// Model implements asr.Model using the OpenAI API.
type Model struct {
	client     oai.Client
	httpClient *http.Client
	model      string
	sampleRate int
	breaker    *resilience.CircuitBreaker
}

// config holds optional configuration for the model.
type config struct {
	baseURL    string
	timeout    time.Duration
	sampleRate int
	breaker    *resilience.CircuitBreaker
}

// Option is a functional option for Model.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithSampleRate sets the rate of the samples passed to Generate. Defaults to
// 16000.
func WithSampleRate(rate int) Option {
	return func(c *config) {
		c.sampleRate = rate
	}
}

// WithCircuitBreaker guards API calls with cb. While cb is open, Generate
// fails immediately with an error wrapping [resilience.ErrCircuitOpen].
// Without this option each Model gets its own breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *config) {
		c.breaker = cb
	}
}

// New constructs a new OpenAI transcription Model.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai asr: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{sampleRate: audio.DefaultSampleRate}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.sampleRate <= 0 {
		cfg.sampleRate = audio.DefaultSampleRate
	}
	if cfg.breaker == nil {
		cfg.breaker = newBreaker()
	}

	httpClient := &http.Client{
		Timeout:   cfg.timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		// Failed calls surface to the client; nothing is retried silently.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Model{
		client:     oai.NewClient(reqOpts...),
		httpClient: httpClient,
		model:      model,
		sampleRate: cfg.sampleRate,
		breaker:    cfg.breaker,
	}, nil
}

func newBreaker() *resilience.CircuitBreaker {
	return resilience.New(resilience.Config{Name: "openai-asr"})
}

// Loader returns an asr.LoadFunc that constructs the Model on demand. All
// Models built by the loader share one circuit breaker, so an outage is
// remembered across idle unloads.
func Loader(apiKey, model string, opts ...Option) asr.LoadFunc {
	opts = append([]Option{WithCircuitBreaker(newBreaker())}, opts...)
	return func(_ context.Context) (asr.Model, error) {
		m, err := New(apiKey, model, opts...)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// ModelID returns the remote model name.
func (m *Model) ModelID() string { return m.model }

// Close releases idle HTTP connections.
func (m *Model) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}

// Generate uploads samples and returns the transcript. Language
// [asr.AutoLanguage] leaves detection to the server. Task translate uses the
// translation endpoint, which always produces English.
func (m *Model) Generate(ctx context.Context, samples []float32, opts asr.GenerateOptions) (asr.Output, error) {
	f, err := m.writeWAV(samples)
	if err != nil {
		return asr.Output{}, err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	upload := oai.File(f, "audio.wav", "audio/wav")

	if opts.Task == asr.TaskTranslate {
		var resp *oai.Translation
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			resp, err = m.client.Audio.Translations.New(ctx, oai.AudioTranslationNewParams{
				File:  upload,
				Model: oai.AudioModel(m.model),
			})
			return err
		})
		if err != nil {
			return asr.Output{}, fmt.Errorf("openai asr: translate: %w", err)
		}
		return asr.Output{Text: resp.Text, Language: "en"}, nil
	}

	params := oai.AudioTranscriptionNewParams{
		File:                   upload,
		Model:                  oai.AudioModel(m.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word", "segment"},
	}
	if opts.Language != "" && opts.Language != asr.AutoLanguage {
		params.Language = oai.String(opts.Language)
	}

	var resp *oai.Transcription
	err = m.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = m.client.Audio.Transcriptions.New(ctx, params)
		return err
	})
	if err != nil {
		return asr.Output{}, fmt.Errorf("openai asr: transcribe: %w", err)
	}
	return parseVerbose(resp.RawJSON(), resp.Text)
}

// writeWAV encodes samples as 16-bit mono PCM into a temporary file opened
// for reading at offset zero. The caller removes the file.
func (m *Model) writeWAV(samples []float32) (*os.File, error) {
	f, err := os.CreateTemp("", "voxscribe-*.wav")
	if err != nil {
		return nil, fmt.Errorf("openai asr: create temp file: %w", err)
	}
	fail := func(err error) (*os.File, error) {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(max(min(s, 1), -1) * 32767)
	}

	enc := wav.NewEncoder(f, m.sampleRate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: m.sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		return fail(fmt.Errorf("openai asr: encode wav: %w", err))
	}
	if err := enc.Close(); err != nil {
		return fail(fmt.Errorf("openai asr: finalise wav: %w", err))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("openai asr: rewind wav: %w", err))
	}
	return f, nil
}

// verboseTranscription is the subset of the verbose_json response we read.
type verboseTranscription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// parseVerbose extracts text, language and word timing from a verbose_json
// body. When the body is empty, fallbackText is used.
func parseVerbose(raw, fallbackText string) (asr.Output, error) {
	if strings.TrimSpace(raw) == "" {
		return asr.Output{Text: fallbackText}, nil
	}
	var v verboseTranscription
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return asr.Output{}, fmt.Errorf("openai asr: decode response: %w", err)
	}
	out := asr.Output{Text: v.Text, Language: languageCode(v.Language)}
	if out.Text == "" {
		out.Text = fallbackText
	}
	for _, w := range v.Words {
		out.Words = append(out.Words, transcript.WordTiming{Word: w.Word, Start: w.Start, End: w.End})
	}
	return out, nil
}

// languageCode maps the API's language field, which is either an English
// name ("chinese") or a code ("zh"), to a supported code. Unsupported
// languages map to "".
func languageCode(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if asr.IsSupportedLanguage(lang) {
		return lang
	}
	for _, code := range asr.LanguageCodes() {
		if strings.ToLower(asr.LanguageName(code)) == lang {
			return code
		}
	}
	return ""
}
