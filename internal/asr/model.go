// Package asr turns decoded audio into a [transcript.Result] using a single
// lazily-loaded speech model.
//
// The [Engine] owns the request-level semantics: default language selection,
// fixed generation parameters, markup stripping, and error classification.
// The model itself is opaque behind the [Model] interface and is loaded,
// shared and evicted by a [lifecycle.Manager].
package asr

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/voxscribe/internal/lifecycle"
	"github.com/MrWong99/voxscribe/pkg/transcript"
)

// Sentinel errors. Every error returned by [Engine] wraps exactly one of them.
var (
	// ErrModelLoad means the model could not be loaded. A later call may
	// succeed.
	ErrModelLoad = errors.New("asr: model load failed")

	// ErrInvalidAudio means the samples were nil or empty.
	ErrInvalidAudio = errors.New("asr: invalid audio")

	// ErrInference means the model failed while processing the audio.
	ErrInference = errors.New("asr: inference failed")
)

// Task selects between same-language transcription and translation.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// IsValid reports whether t is a known task.
func (t Task) IsValid() bool {
	return t == TaskTranscribe || t == TaskTranslate
}

// GenerateOptions are the parameters passed to [Model.Generate]. Backends
// honour the fields they support and ignore the rest.
type GenerateOptions struct {
	// Language is a supported language code or [AutoLanguage].
	Language string
	Task     Task

	// UseITN enables inverse text normalisation (digits, punctuation).
	UseITN bool

	// BatchSizeSeconds is the amount of audio processed per batch.
	BatchSizeSeconds int

	// MergeVAD merges short voice-activity segments up to MergeLengthSeconds.
	MergeVAD           bool
	MergeLengthSeconds int

	// MaxSingleSegmentMs caps a single voice-activity segment.
	MaxSingleSegmentMs int

	// BanEmotionUnknown suppresses emotion and unknown-event tags.
	BanEmotionUnknown bool
}

// Output is what a [Model] returns for one call.
type Output struct {
	// Text is the raw model text, possibly containing rich markup.
	Text string

	// Language is the language tag the model reported, or empty.
	Language string

	// Words holds per-word timing when the backend produces it.
	Words []transcript.WordTiming
}

// Model is a loaded speech model. Generate may be called concurrently from
// multiple goroutines on the same Model. Close releases the model's memory
// and is called by the lifecycle manager once no caller holds it.
type Model interface {
	io.Closer
	Generate(ctx context.Context, samples []float32, opts GenerateOptions) (Output, error)
}

// LoadFunc loads a [Model]. Backends return one from their factory and the
// engine's lifecycle manager calls it on demand.
type LoadFunc = lifecycle.LoadFunc[Model]
