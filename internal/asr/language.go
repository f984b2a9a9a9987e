package asr

import (
	"regexp"
	"slices"
	"strings"
)

// AutoLanguage asks the model to detect the spoken language.
const AutoLanguage = "auto"

// DefaultLanguage is used when neither the request nor the configuration
// names a language.
const DefaultLanguage = "zh"

// languages maps every supported language code to its English name.
var languages = map[string]string{
	"zh":  "Chinese",
	"en":  "English",
	"ja":  "Japanese",
	"ko":  "Korean",
	"yue": "Cantonese",
}

// LanguageCodes returns the supported language codes in sorted order.
func LanguageCodes() []string {
	codes := make([]string, 0, len(languages))
	for code := range languages {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// IsSupportedLanguage reports whether code is in the supported set.
func IsSupportedLanguage(code string) bool {
	_, ok := languages[code]
	return ok
}

// LanguageName returns the English name for code, or "Unknown".
func LanguageName(code string) string {
	if name, ok := languages[code]; ok {
		return name
	}
	return "Unknown"
}

var (
	// richTag matches model control tags such as <|zh|>, <|NEUTRAL|>,
	// <|Speech|> or <|withitn|>.
	richTag = regexp.MustCompile(`<\|[^|]*\|>`)

	// nonSpeech matches the annotations whisper-family models emit for
	// non-speech regions, such as [BLANK_AUDIO] or (music). Other bracketed
	// text is speech and is kept.
	nonSpeech = regexp.MustCompile(`\[(?:BLANK_AUDIO|MUSIC|NOISE|SILENCE|APPLAUSE|LAUGHTER|INAUDIBLE)\]|\((?i:music|applause|laughter|silence|noise)\)`)

	// emoji matches the event and emotion glyphs some models substitute for
	// their tags.
	emoji = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}]`)
)

// StripRichMarkup removes model control tags, non-speech annotations and
// event glyphs from text and collapses runs of whitespace. Removed markup
// leaves no gap, so CJK text around a tag is joined directly.
func StripRichMarkup(text string) string {
	text = richTag.ReplaceAllString(text, "")
	text = nonSpeech.ReplaceAllString(text, "")
	text = emoji.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

// tagLanguage returns the first supported language code found in a <|xx|>
// tag, or "" when there is none.
func tagLanguage(text string) string {
	for _, m := range richTag.FindAllString(text, -1) {
		code := strings.TrimSuffix(strings.TrimPrefix(m, "<|"), "|>")
		if IsSupportedLanguage(code) {
			return code
		}
	}
	return ""
}
