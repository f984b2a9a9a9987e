package writer

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/voxscribe/pkg/transcript"
)

// txtWriter renders one trimmed segment per line.
type txtWriter struct{}

func (txtWriter) Extension() string   { return string(FormatTXT) }
func (txtWriter) ContentType() string { return "text/plain; charset=utf-8" }

func (txtWriter) Write(w io.Writer, r *transcript.Result, _ Options) error {
	for _, seg := range r.Segments {
		if err := writeString(w, strings.TrimSpace(seg.Text)+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// tsvWriter renders a header row followed by start and end in integer
// milliseconds and the segment text.
type tsvWriter struct{}

func (tsvWriter) Extension() string   { return string(FormatTSV) }
func (tsvWriter) ContentType() string { return "text/tab-separated-values; charset=utf-8" }

func (tsvWriter) Write(w io.Writer, r *transcript.Result, _ Options) error {
	if err := writeString(w, "start\tend\ttext\n"); err != nil {
		return err
	}
	for i, seg := range r.Segments {
		start, err := millis(seg.Start)
		if err != nil {
			return fmt.Errorf("tsv: segment %d: %w", i, err)
		}
		end, err := millis(seg.End)
		if err != nil {
			return fmt.Errorf("tsv: segment %d: %w", i, err)
		}
		text := strings.ReplaceAll(strings.TrimSpace(seg.Text), "\t", " ")
		row := strconv.FormatInt(start, 10) + "\t" + strconv.FormatInt(end, 10) + "\t" + text + "\n"
		if err := writeString(w, row); err != nil {
			return err
		}
	}
	return nil
}

func millis(seconds float64) (int64, error) {
	if seconds < 0 || math.IsNaN(seconds) {
		return 0, fmt.Errorf("%w: %v seconds", ErrInvalidTimestamp, seconds)
	}
	return int64(math.Round(seconds * 1000)), nil
}
