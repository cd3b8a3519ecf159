package extract

import (
	"regexp"
	"strings"
	"unicode"
)

var stripURLPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// Combine joins the non-empty parts with newlines.
func Combine(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

// Normalize lowercases text, drops URLs and punctuation, and collapses
// whitespace to single spaces.
func Normalize(text string) string {
	text = stripURLPattern.ReplaceAllString(strings.ToLower(text), " ")
	text = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

// CleanText collapses in-line whitespace and drops empty lines.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(line), " ")
		if clean != "" {
			kept = append(kept, clean)
		}
	}
	return strings.Join(kept, "\n")
}

// Truncate clips text to maxChars runes. maxChars <= 0 disables clipping.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return strings.TrimSpace(string(runes[:maxChars]))
}
