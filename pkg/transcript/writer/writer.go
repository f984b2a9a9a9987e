// Package writer renders a [transcript.Result] into one of the five supported
// text encodings: plain text, WebVTT, SubRip, tab-separated values, and JSON.
//
// The set of formats is closed. Callers resolve a user-supplied tag with
// [ParseFormat], obtain the matching [Writer] with [For], and stream the
// rendered result into any [io.Writer]:
//
//	f, err := writer.ParseFormat("srt")
//	if err != nil { ... }
//	err = writer.For(f).Write(w, result, writer.Options{})
//
// Writers never modify the Result they are given, and every error returned by
// the sink is passed back to the caller.
package writer

import (
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/voxscribe/pkg/transcript"
)

// ErrUnknownFormat is returned by [ParseFormat] for a tag outside the
// supported set.
var ErrUnknownFormat = errors.New("writer: unknown output format")

// ErrInvalidTimestamp is returned when a negative time reaches a writer that
// renders timestamps. It indicates an upstream contract violation rather than
// bad user input.
var ErrInvalidTimestamp = errors.New("writer: invalid timestamp")

// Format identifies one output encoding.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatVTT  Format = "vtt"
	FormatSRT  Format = "srt"
	FormatTSV  Format = "tsv"
	FormatJSON Format = "json"
)

// Formats lists every supported format in a stable order.
var Formats = []Format{FormatTXT, FormatVTT, FormatSRT, FormatTSV, FormatJSON}

// IsValid reports whether f is one of the supported formats.
func (f Format) IsValid() bool {
	switch f {
	case FormatTXT, FormatVTT, FormatSRT, FormatTSV, FormatJSON:
		return true
	}
	return false
}

// ParseFormat resolves a format tag. An empty tag selects [FormatTXT].
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatTXT, nil
	}
	f := Format(s)
	if !f.IsValid() {
		return "", fmt.Errorf("%w: %q (supported: txt, vtt, srt, tsv, json)", ErrUnknownFormat, s)
	}
	return f, nil
}

// Options carries the subtitle layout settings. Every writer accepts them;
// the baseline formats render segments verbatim and do not consult them.
type Options struct {
	// MaxLineWidth is the maximum number of characters per subtitle line.
	MaxLineWidth int

	// MaxLineCount is the maximum number of lines per subtitle cue.
	MaxLineCount int

	// HighlightWords enables per-word highlighting in subtitle cues.
	HighlightWords bool
}

// Writer serialises a Result into one output encoding.
type Writer interface {
	// Write renders r into w. Sink errors are returned to the caller.
	Write(w io.Writer, r *transcript.Result, opts Options) error

	// Extension is the file extension (without dot) for this encoding.
	Extension() string

	// ContentType is the HTTP media type for this encoding.
	ContentType() string
}

// For returns the Writer for f. It panics on a format that did not come from
// [ParseFormat] or the Format constants.
func For(f Format) Writer {
	switch f {
	case FormatTXT:
		return txtWriter{}
	case FormatVTT:
		return vttWriter{}
	case FormatSRT:
		return srtWriter{}
	case FormatTSV:
		return tsvWriter{}
	case FormatJSON:
		return jsonWriter{}
	}
	panic(fmt.Sprintf("writer: no writer for format %q", f))
}

// Compile-time assertions that every encoding satisfies Writer.
var (
	_ Writer = txtWriter{}
	_ Writer = vttWriter{}
	_ Writer = srtWriter{}
	_ Writer = tsvWriter{}
	_ Writer = jsonWriter{}
)

// writeString writes s to w and wraps a sink failure.
func writeString(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("writer: write output: %w", err)
	}
	return nil
}
