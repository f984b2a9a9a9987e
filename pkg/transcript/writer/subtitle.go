package writer

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MrWong99/voxscribe/pkg/transcript"
)

// cueText trims segment text and defuses the cue arrow so it cannot be read
// as a timing line.
func cueText(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "-->", "->")
}

// vttWriter renders WebVTT. Hours are omitted below one hour.
type vttWriter struct{}

func (vttWriter) Extension() string   { return string(FormatVTT) }
func (vttWriter) ContentType() string { return "text/vtt; charset=utf-8" }

func (vttWriter) Write(w io.Writer, r *transcript.Result, _ Options) error {
	if err := writeString(w, "WEBVTT\n\n"); err != nil {
		return err
	}
	for i, seg := range r.Segments {
		timing, err := formatRange(seg.Start, seg.End, false, ".")
		if err != nil {
			return fmt.Errorf("vtt: segment %d: %w", i, err)
		}
		if err := writeString(w, timing+"\n"+cueText(seg.Text)+"\n\n"); err != nil {
			return err
		}
	}
	return nil
}

// srtWriter renders SubRip with 1-based cue numbers, comma decimal marker and
// hours always present.
type srtWriter struct{}

func (srtWriter) Extension() string   { return string(FormatSRT) }
func (srtWriter) ContentType() string { return "text/plain; charset=utf-8" }

func (srtWriter) Write(w io.Writer, r *transcript.Result, _ Options) error {
	for i, seg := range r.Segments {
		timing, err := formatRange(seg.Start, seg.End, true, ",")
		if err != nil {
			return fmt.Errorf("srt: segment %d: %w", i, err)
		}
		cue := strconv.Itoa(i+1) + "\n" + timing + "\n" + cueText(seg.Text) + "\n\n"
		if err := writeString(w, cue); err != nil {
			return err
		}
	}
	return nil
}
