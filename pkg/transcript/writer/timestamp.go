package writer

import (
	"fmt"
	"math"
	"strings"
)

// FormatTimestamp renders seconds as MM:SS.mmm, or HH:MM:SS.mmm when the
// value is at least one hour or alwaysIncludeHours is set. Milliseconds are
// rounded to the nearest value and the '.' is replaced by decimalMarker.
//
// Negative input returns [ErrInvalidTimestamp].
func FormatTimestamp(seconds float64, alwaysIncludeHours bool, decimalMarker string) (string, error) {
	if seconds < 0 || math.IsNaN(seconds) {
		return "", fmt.Errorf("%w: %v seconds", ErrInvalidTimestamp, seconds)
	}
	if decimalMarker == "" {
		decimalMarker = "."
	}

	ms := int64(math.Round(seconds * 1000))
	hours := ms / 3_600_000
	ms -= hours * 3_600_000
	minutes := ms / 60_000
	ms -= minutes * 60_000
	secs := ms / 1000
	ms -= secs * 1000

	var b strings.Builder
	if alwaysIncludeHours || hours > 0 {
		fmt.Fprintf(&b, "%02d:", hours)
	}
	fmt.Fprintf(&b, "%02d:%02d%s%03d", minutes, secs, decimalMarker, ms)
	return b.String(), nil
}

// formatRange renders "start --> end" for one cue.
func formatRange(start, end float64, alwaysIncludeHours bool, decimalMarker string) (string, error) {
	s, err := FormatTimestamp(start, alwaysIncludeHours, decimalMarker)
	if err != nil {
		return "", err
	}
	e, err := FormatTimestamp(end, alwaysIncludeHours, decimalMarker)
	if err != nil {
		return "", err
	}
	return s + " --> " + e, nil
}
