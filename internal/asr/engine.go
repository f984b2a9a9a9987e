package asr

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxscribe/internal/lifecycle"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/transcript"
)

// TranscribeOptions are the per-request parameters of [Engine.Transcribe].
type TranscribeOptions struct {
	// Language is a supported code, [AutoLanguage], or empty for the
	// engine's default language.
	Language string

	// Task defaults to [TaskTranscribe].
	Task Task
}

// Engine runs transcription and language detection against one model held
// by a [lifecycle.Manager]. It is safe for concurrent use.
type Engine struct {
	name            string
	models          *lifecycle.Manager[Model]
	defaultLanguage string
	sampleRate      int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithDefaultLanguage sets the language used when a request names none.
// Defaults to [DefaultLanguage].
func WithDefaultLanguage(code string) Option {
	return func(e *Engine) {
		if code != "" {
			e.defaultLanguage = code
		}
	}
}

// WithSampleRate sets the sample rate of the audio passed to the engine,
// used to compute segment end times. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.sampleRate = rate
		}
	}
}

// NewEngine creates an Engine reported as name that obtains its model from
// models.
func NewEngine(name string, models *lifecycle.Manager[Model], opts ...Option) *Engine {
	e := &Engine{
		name:            name,
		models:          models,
		defaultLanguage: DefaultLanguage,
		sampleRate:      audio.DefaultSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name returns the engine name reported to clients.
func (e *Engine) Name() string { return e.name }

// DefaultLanguage returns the language used when a request names none.
func (e *Engine) DefaultLanguage() string { return e.defaultLanguage }

// Transcribe runs the model over samples and returns a single-segment
// result spanning the whole input.
//
// An empty opts.Language selects the default language; automatic detection
// only happens when the caller asks for [AutoLanguage] explicitly.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (_ *transcript.Result, err error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalidAudio)
	}

	lang := opts.Language
	if lang == "" {
		lang = e.defaultLanguage
		observe.Logger(ctx).Debug("asr: no language given, using default", "language", lang)
	}
	task := opts.Task
	if task == "" {
		task = TaskTranscribe
	}

	ctx, span := observe.StartSpan(ctx, "asr.transcribe")
	defer func() { observe.EndSpan(span, err) }()
	span.SetAttributes(
		attribute.String("asr.engine", e.name),
		attribute.String("asr.language", lang),
		attribute.String("asr.task", string(task)),
		attribute.Int("asr.samples", len(samples)),
	)

	out, err := e.generate(ctx, samples, GenerateOptions{
		Language:           lang,
		Task:               task,
		UseITN:             true,
		BatchSizeSeconds:   60,
		MergeVAD:           true,
		MergeLengthSeconds: 15,
		MaxSingleSegmentMs: 30000,
		BanEmotionUnknown:  true,
	})
	if err != nil {
		return nil, err
	}

	text := StripRichMarkup(out.Text)
	resolved := lang
	if lang == AutoLanguage {
		resolved = reportedLanguage(out)
	}

	return &transcript.Result{
		Text: text,
		Segments: []transcript.Segment{{
			Text:  text,
			Start: 0,
			End:   float64(len(samples)) / float64(e.sampleRate),
			Words: out.Words,
		}},
		Language: resolved,
	}, nil
}

// DetectLanguage asks the model to identify the spoken language. The
// confidence is always 1.0 because the model reports no score.
func (e *Engine) DetectLanguage(ctx context.Context, samples []float32) (_ string, _ float64, err error) {
	if len(samples) == 0 {
		return "", 0, fmt.Errorf("%w: no samples", ErrInvalidAudio)
	}

	ctx, span := observe.StartSpan(ctx, "asr.detect_language")
	defer func() { observe.EndSpan(span, err) }()
	span.SetAttributes(
		attribute.String("asr.engine", e.name),
		attribute.String("asr.language", AutoLanguage),
		attribute.Int("asr.samples", len(samples)),
	)

	out, err := e.generate(ctx, samples, GenerateOptions{
		Language:           AutoLanguage,
		Task:               TaskTranscribe,
		UseITN:             false,
		BatchSizeSeconds:   60,
		MergeVAD:           true,
		MergeLengthSeconds: 15,
		MaxSingleSegmentMs: 30000,
	})
	if err != nil {
		return "", 0, err
	}

	code := reportedLanguage(out)
	span.SetAttributes(attribute.String("asr.detected_language", code))
	return code, 1.0, nil
}

// generate leases the model, runs it once and classifies failures.
func (e *Engine) generate(ctx context.Context, samples []float32, opts GenerateOptions) (Output, error) {
	lease, err := e.models.Acquire(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	out, err := lease.Handle().Generate(ctx, samples, opts)
	lease.Release(err == nil)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %s: %w", ErrInference, e.name, err)
	}
	return out, nil
}

// reportedLanguage picks the model's language tag, falling back to a tag
// embedded in the raw text and finally to [transcript.UnknownLanguage].
func reportedLanguage(out Output) string {
	if out.Language != "" {
		return out.Language
	}
	if code := tagLanguage(out.Text); code != "" {
		return code
	}
	return transcript.UnknownLanguage
}

// Preload loads the model ahead of the first request.
func (e *Engine) Preload(ctx context.Context) error {
	if err := e.models.EnsureLoaded(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	return nil
}

// Ready reports whether the engine can serve requests: the model is loaded,
// or it is unloaded and the last load attempt did not fail.
func (e *Engine) Ready(_ context.Context) error {
	s := e.models.State()
	if s.Loaded || s.LastError == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrModelLoad, s.LastError)
}

// State exposes the lifecycle snapshot of the underlying model.
func (e *Engine) State() lifecycle.State { return e.models.State() }

// Close unloads the model, waiting for in-flight calls to finish.
func (e *Engine) Close() error {
	return e.models.Unload()
}
