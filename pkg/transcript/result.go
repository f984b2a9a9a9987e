// Package transcript defines the canonical transcription result produced by
// every ASR engine in voxscribe.
//
// A [Result] is built once per transcription call, never mutated afterwards,
// and handed to exactly one writer from the writer sub-package for
// serialisation.
package transcript

// UnknownLanguage is reported when a backend does not return a language tag.
const UnknownLanguage = "unknown"

// Result is the full output of one transcription call.
type Result struct {
	// Text is the complete normalised transcript.
	Text string

	// Segments holds the timed pieces of the transcript in order. A valid
	// Result always carries at least one segment.
	Segments []Segment

	// Language is the resolved language code, or [UnknownLanguage].
	Language string
}

// Segment is a timed piece of a transcript. Times are in seconds relative to
// the start of the decoded audio.
type Segment struct {
	Text  string
	Start float64
	End   float64

	// Words holds per-word timing when the backend provides it. May be empty.
	Words []WordTiming
}

// WordTiming is a single recognised word with its position in the audio.
type WordTiming struct {
	Word        string
	Start       float64
	End         float64
	Probability float64
}

// Clone returns a deep copy of r so callers can reshape segment data without
// touching the original.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{
		Text:     r.Text,
		Language: r.Language,
		Segments: make([]Segment, len(r.Segments)),
	}
	for i, seg := range r.Segments {
		out.Segments[i] = seg
		if seg.Words != nil {
			out.Segments[i].Words = append([]WordTiming(nil), seg.Words...)
		}
	}
	return out
}
