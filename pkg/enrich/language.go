package enrich

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// detectLanguages covers the channels the pipeline usually follows.
var detectLanguages = []lingua.Language{
	lingua.English, lingua.Hindi, lingua.Marathi, lingua.Gujarati, lingua.Bengali,
	lingua.Tamil, lingua.Telugu, lingua.Russian, lingua.Ukrainian, lingua.German,
	lingua.French, lingua.Spanish, lingua.Portuguese, lingua.Arabic, lingua.Chinese,
	lingua.Japanese, lingua.Turkish,
}

// DetectLanguage returns the ISO 639-1 code of text, or "" when the text is
// too short or the language is not recognized.
func DetectLanguage(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < 6 {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(detectLanguages...).
			Build()
	})
	return detector
}
