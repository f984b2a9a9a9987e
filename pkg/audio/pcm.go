package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-audio/wav"
)

var _ Decoder = (*PCMDecoder)(nil)

// PCMDecoder decodes payloads that need no transcoding: raw 16-bit signed
// little-endian mono PCM at SampleRate, or a RIFF/WAVE file holding 16-bit
// PCM. WAV input with two channels is down-mixed and WAV input at a different
// rate is resampled.
type PCMDecoder struct {
	// SampleRate is the output rate in Hz. Defaults to [DefaultSampleRate].
	SampleRate int
}

// Decode reads the whole payload and converts it to float32 samples.
func (d *PCMDecoder) Decode(ctx context.Context, r io.Reader) ([]float32, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read payload: %w", ErrDecode, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	target := d.SampleRate
	if target <= 0 {
		target = DefaultSampleRate
	}

	if isWAV(data) {
		pcm, err := decodeWAV(data, target)
		if err != nil {
			return nil, err
		}
		return PCM16ToFloat32(pcm), nil
	}

	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d in raw s16le payload", ErrDecode, len(data))
	}
	return PCM16ToFloat32(data), nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// decodeWAV parses a 16-bit WAV file and returns mono s16le PCM at rate.
func decodeWAV(data []byte, rate int) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav file", ErrDecode)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("%w: unsupported wav bit depth %d (want 16)", ErrDecode, dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: unsupported wav channel count %d", ErrDecode, channels)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: read wav samples: %w", ErrDecode, err)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}

	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if src := int(dec.SampleRate); src != rate {
		slog.Debug("audio: resampling wav payload", "from", formatString(src, 1), "to", formatString(rate, 1))
		pcm = ResampleMono16(pcm, src, rate)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: wav file holds no samples", ErrDecode)
	}
	return pcm, nil
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. Any trailing odd byte is
// ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := min(max((lSample+rSample)/2, -32768), 32767)

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
