package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

var _ Decoder = (*FFmpegDecoder)(nil)

// FFmpegDecoder decodes any container or codec ffmpeg understands by piping
// the payload through the ffmpeg binary and reading back s16le mono PCM.
type FFmpegDecoder struct {
	// Path is the ffmpeg executable. Defaults to "ffmpeg" (resolved via PATH).
	Path string

	// SampleRate is the output rate in Hz. Defaults to [DefaultSampleRate].
	SampleRate int
}

// Args returns the ffmpeg argument list used for decoding.
func (d *FFmpegDecoder) Args() []string {
	return []string{
		"-nostdin",
		"-threads", "0",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(d.rate()),
		"-",
	}
}

// Decode runs ffmpeg with r on stdin. The process is killed when ctx is
// cancelled. ffmpeg's stderr is attached to the returned error.
func (d *FFmpegDecoder) Decode(ctx context.Context, r io.Reader) ([]float32, error) {
	cmd := exec.CommandContext(ctx, d.path(), d.Args()...)
	cmd.Stdin = r

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %w: %s", ErrDecode, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: ffmpeg produced no audio", ErrDecode)
	}
	return PCM16ToFloat32(stdout.Bytes()), nil
}

// Available reports whether the configured ffmpeg binary can be found.
func (d *FFmpegDecoder) Available() error {
	if _, err := exec.LookPath(d.path()); err != nil {
		return fmt.Errorf("audio: ffmpeg not found: %w", err)
	}
	return nil
}

func (d *FFmpegDecoder) path() string {
	if d.Path == "" {
		return "ffmpeg"
	}
	return d.Path
}

func (d *FFmpegDecoder) rate() int {
	if d.SampleRate <= 0 {
		return DefaultSampleRate
	}
	return d.SampleRate
}
