// Package whisper provides an asr.Model backed by the whisper.cpp CGO
// bindings.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables.
//
// The weights are loaded once per [Model] and shared by every call; each
// Generate call creates its own whisper.cpp context, so calls may run
// concurrently.
//
// Usage:
//
//	m := lifecycle.New(whisper.Loader("./models/ggml-base.bin", whisper.WithThreads(4)))
//	engine := asr.NewEngine("whisper", m)
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/pkg/transcript"
)

// Compile-time assertion that Model satisfies asr.Model.
var _ asr.Model = (*Model)(nil)

// Model is a loaded whisper.cpp model.
type Model struct {
	model   whisperlib.Model
	path    string
	threads uint
}

// Option is a functional option for configuring a Model.
type Option func(*Model)

// WithThreads sets the number of CPU threads per call. Zero keeps the
// whisper.cpp default.
func WithThreads(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.threads = uint(n)
		}
	}
}

// New loads the whisper.cpp model at modelPath. The caller must call Close
// when the model is no longer needed.
func New(modelPath string, opts ...Option) (*Model, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper: model file %q: %w", modelPath, err)
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	m := &Model{model: model, path: modelPath}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Loader returns an asr.LoadFunc that loads the model at modelPath on demand.
func Loader(modelPath string, opts ...Option) asr.LoadFunc {
	return func(_ context.Context) (asr.Model, error) {
		m, err := New(modelPath, opts...)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Close releases the whisper model.
func (m *Model) Close() error {
	if m.model != nil {
		return m.model.Close()
	}
	return nil
}

// Generate transcribes samples. Language [asr.AutoLanguage] lets whisper
// detect the language, which is then reported in the output. Options whisper
// has no equivalent for (ITN, VAD merging, batch size) are ignored.
func (m *Model) Generate(ctx context.Context, samples []float32, opts asr.GenerateOptions) (asr.Output, error) {
	if err := ctx.Err(); err != nil {
		return asr.Output{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := m.model.NewContext()
	if err != nil {
		return asr.Output{}, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = asr.AutoLanguage
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using auto-detection", "language", lang, "error", err)
		_ = wctx.SetLanguage(asr.AutoLanguage)
		lang = asr.AutoLanguage
	}
	wctx.SetTranslate(opts.Task == asr.TaskTranslate)
	wctx.SetTokenTimestamps(true)
	if m.threads > 0 {
		wctx.SetThreads(m.threads)
	}

	// Abort before encoding when the caller has gone away.
	encoderBegin := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, encoderBegin, nil, nil); err != nil {
		return asr.Output{}, fmt.Errorf("whisper: process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return asr.Output{}, fmt.Errorf("whisper: %w", err)
	}

	var (
		parts []string
		words []transcript.WordTiming
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Output{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
		words = append(words, groupWords(segment.Tokens)...)
	}

	out := asr.Output{
		Text:  strings.Join(parts, " "),
		Words: words,
	}
	if lang == asr.AutoLanguage {
		out.Language = wctx.DetectedLanguage()
	}
	return out, nil
}

// groupWords merges sub-word tokens into words. A token that begins with a
// space starts a new word; special tokens are skipped. Word probability is
// the mean of its tokens.
func groupWords(tokens []whisperlib.Token) []transcript.WordTiming {
	var (
		words []transcript.WordTiming
		cur   *transcript.WordTiming
		n     int
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Word = strings.TrimSpace(cur.Word)
		cur.Probability /= float64(n)
		if cur.Word != "" {
			words = append(words, *cur)
		}
		cur, n = nil, 0
	}

	for _, tok := range tokens {
		if isSpecial(tok.Text) {
			continue
		}
		if cur == nil || strings.HasPrefix(tok.Text, " ") {
			flush()
			cur = &transcript.WordTiming{Start: seconds(tok.Start)}
		}
		cur.Word += tok.Text
		cur.End = seconds(tok.End)
		cur.Probability += float64(tok.P)
		n++
	}
	flush()
	return words
}

func isSpecial(text string) bool {
	return strings.HasPrefix(text, "[_") || strings.HasPrefix(text, "<|")
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}
