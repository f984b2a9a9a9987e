package writer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/voxscribe/pkg/transcript"
)

// seconds encodes like a float in the reference JSON output: integral
// values keep a ".0" suffix and the exponent form is used outside
// [1e-4, 1e16).
type seconds float64

func (s seconds) MarshalJSON() ([]byte, error) {
	v := float64(s)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("unsupported value %v", v)
	}
	if abs := math.Abs(v); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.AppendFloat(nil, v, 'e', -1, 64), nil
	}
	out := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return []byte(out), nil
}

type jsonWord struct {
	Word        string  `json:"word"`
	Start       seconds `json:"start"`
	End         seconds `json:"end"`
	Probability seconds `json:"probability"`
}

type jsonSegment struct {
	Text  string     `json:"text"`
	Start seconds    `json:"start"`
	End   seconds    `json:"end"`
	Words []jsonWord `json:"words"`
}

type jsonResult struct {
	Text     string        `json:"text"`
	Segments []jsonSegment `json:"segments"`
	Language string        `json:"language"`
}

// jsonWriter renders the whole result as one indented JSON document without
// a trailing newline.
type jsonWriter struct{}

func (jsonWriter) Extension() string   { return string(FormatJSON) }
func (jsonWriter) ContentType() string { return "application/json" }

func (jsonWriter) Write(w io.Writer, r *transcript.Result, _ Options) error {
	doc := jsonResult{
		Text:     r.Text,
		Language: r.Language,
		Segments: make([]jsonSegment, 0, len(r.Segments)),
	}
	for _, seg := range r.Segments {
		js := jsonSegment{
			Text:  seg.Text,
			Start: seconds(seg.Start),
			End:   seconds(seg.End),
			Words: make([]jsonWord, 0, len(seg.Words)),
		}
		for _, wt := range seg.Words {
			js.Words = append(js.Words, jsonWord{
				Word:        wt.Word,
				Start:       seconds(wt.Start),
				End:         seconds(wt.End),
				Probability: seconds(wt.Probability),
			})
		}
		doc.Segments = append(doc.Segments, js)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("json: encode result: %w", err)
	}
	return writeString(w, strings.TrimSuffix(buf.String(), "\n"))
}
