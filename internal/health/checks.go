package health

import "context"

// ReadyReporter is implemented by components that can report readiness,
// such as the ASR engine.
type ReadyReporter interface {
	Ready(ctx context.Context) error
}

// ModelChecker reports the ASR model as healthy while it is loaded, or while
// it is unloaded and its last load attempt succeeded.
func ModelChecker(r ReadyReporter) Checker {
	return Checker{Name: "model", Check: r.Ready}
}

// DecoderChecker wraps an availability probe for the audio decoder, such as
// locating the ffmpeg binary.
func DecoderChecker(available func() error) Checker {
	return Checker{
		Name: "decoder",
		Check: func(context.Context) error {
			return available()
		},
	}
}
