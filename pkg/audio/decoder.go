// Package audio turns uploaded audio payloads into the mono float32 sample
// stream every ASR engine consumes.
//
// Two decoders are provided. [FFmpegDecoder] pipes arbitrary container formats
// through an external ffmpeg binary. [PCMDecoder] handles payloads that are
// already raw 16-bit PCM, or 16-bit WAV files, without spawning a process.
//
// All decoding failures wrap [ErrDecode].
package audio

import (
	"context"
	"errors"
	"io"
)

// DefaultSampleRate is the sample rate, in Hz, expected by the ASR models.
const DefaultSampleRate = 16000

// ErrDecode is wrapped by every error returned from a [Decoder].
var ErrDecode = errors.New("audio: decode failed")

// Decoder converts an encoded audio payload into mono float32 samples in the
// range [-1, 1] at the decoder's configured sample rate.
//
// Implementations must be safe for concurrent use.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader) ([]float32, error)
}
