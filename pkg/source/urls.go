package source

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'` + "`" + `]+`)

// ExtractURLs returns the distinct http(s) URLs found in texts, in order of
// first appearance. Trailing punctuation is not part of a URL.
func ExtractURLs(texts ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, text := range texts {
		for _, u := range urlPattern.FindAllString(text, -1) {
			u = trimURL(u)
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// MergeURLs appends the entries of extra missing from base.
func MergeURLs(base []string, extra ...string) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, u := range append(append([]string{}, base...), extra...) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func trimURL(u string) string {
	u = strings.TrimRight(u, ".,;:!?")
	// Drop an unbalanced closing bracket left by surrounding prose.
	for _, pair := range [][2]string{{"(", ")"}, {"[", "]"}} {
		for strings.HasSuffix(u, pair[1]) && strings.Count(u, pair[0]) < strings.Count(u, pair[1]) {
			u = strings.TrimSuffix(u, pair[1])
		}
	}
	return strings.TrimRight(u, ".,;:!?")
}
