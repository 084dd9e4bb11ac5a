package voice

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	spaceRun  = regexp.MustCompile(`\s+`)
	edgePunct = " \t\n\r\f\v\"'`~,.!?;:-、。！？「」"
)

// WakeDetector finds a wake phrase near the start of an utterance. Window
// is measured in runes so that it works for scripts without word
// boundaries; zero means the phrase must open the utterance.
type WakeDetector struct {
	Phrases []string
	Window  int
}

func NewWakeDetector(phrases []string, window int) *WakeDetector {
	norm := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = normalizeUtterance(p); p != "" {
			norm = append(norm, p)
		}
	}
	return &WakeDetector{Phrases: norm, Window: window}
}

func normalizeUtterance(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.Trim(s, edgePunct)
}

// Detect returns whether text addresses the bot and the remainder of the
// utterance after the phrase.
func (w *WakeDetector) Detect(text string) (bool, string) {
	if w == nil {
		return false, ""
	}
	s := normalizeUtterance(text)
	if s == "" {
		return false, ""
	}
	for _, wp := range w.Phrases {
		idx := strings.Index(s, wp)
		if idx < 0 {
			continue
		}
		if utf8.RuneCountInString(s[:idx]) > w.Window {
			continue
		}
		return true, strings.Trim(s[idx+len(wp):], edgePunct)
	}
	return false, ""
}
