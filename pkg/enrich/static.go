package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/elonfeng/newsradar/pkg/extract"
	"github.com/elonfeng/newsradar/pkg/score"
)

var (
	positiveWords = []string{"growth", "profit", "surge", "rise", "record", "wins", "bagged", "upgrade", "beat", "dividend", "bonus", "expansion", "approval"}
	negativeWords = []string{"loss", "decline", "fall", "fraud", "penalty", "resign", "downgrade", "miss", "default", "lower circuit", "probe", "slump"}
)

// Static derives fields from the message text with keyword rules. It needs no
// network access and is used for dry runs and tests.
type Static struct {
	keywords *score.Keywords
}

func NewStatic() *Static {
	return &Static{keywords: score.NewKeywords(nil, nil)}
}

func (s *Static) Provider() string { return "static" }
func (s *Static) Model() string    { return "rules-v1" }

func (s *Static) Analyze(_ context.Context, req Request) (*Analysis, error) {
	text := strings.TrimSpace(req.Text)
	a := Analysis{
		CategoryCode: "GENERAL",
		CompanyName:  CompanyName(text),
		Headline:     headline(text),
		Summary:      extract.Truncate(extract.CleanText(text), 400),
		Sentiment:    sentiment(text),
	}
	if cats := s.keywords.Categories(text); len(cats) > 0 {
		a.CategoryCode = cats[0]
		if len(cats) > 1 {
			a.SubTypeCode = cats[1]
		}
	}

	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal static analysis: %w", err)
	}
	return ParseAnalysis(string(body))
}

// CompanyName returns the leading run of capitalized words, or the first run
// of two or more capitalized words elsewhere in the first line.
func CompanyName(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	words := strings.Fields(line)

	run := func(start int) []string {
		var out []string
		for _, w := range words[start:] {
			clause := strings.ContainsAny(w[len(w)-1:], ",;:")
			w = strings.TrimRightFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '&' })
			if w == "" || !capitalized(w) || len(out) == 5 {
				break
			}
			out = append(out, w)
			if clause {
				break
			}
		}
		return out
	}

	if len(words) == 0 {
		return ""
	}
	if first := run(0); len(first) > 0 {
		return strings.TrimSuffix(strings.Join(first, " "), ".")
	}
	for i := 1; i < len(words); i++ {
		if got := run(i); len(got) >= 2 {
			return strings.TrimSuffix(strings.Join(got, " "), ".")
		}
	}
	return ""
}

func capitalized(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}

func headline(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if i := strings.Index(line, ". "); i > 0 {
		line = line[:i+1]
	}
	if line == "" {
		return "Untitled"
	}
	return extract.Truncate(line, 160)
}

func sentiment(text string) string {
	lower := strings.ToLower(text)
	pos, neg := 0, 0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg++
		}
	}
	switch {
	case pos > 0 && neg > 0:
		return "mixed"
	case pos > 0:
		return "positive"
	case neg > 0:
		return "negative"
	}
	return "neutral"
}
