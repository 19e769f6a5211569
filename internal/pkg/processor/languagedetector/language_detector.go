package languagedetector

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pemistahl/lingua-go"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
)

const minLetters = 20

// Languages every detector can tell apart in addition to those requested.
var baseLanguages = []lingua.Language{
	lingua.English,
	lingua.Spanish,
	lingua.French,
	lingua.German,
	lingua.Portuguese,
}

// Lazily built lingua detector restricted to a small set of languages.
type Detector struct {
	once      sync.Once
	languages []lingua.Language
	detector  lingua.LanguageDetector
}

// Creates a detector for the given ISO 639-1 codes. Unknown codes are ignored.
func New(codes []string) *Detector {
	seen := make(map[lingua.Language]struct{})
	var languages []lingua.Language
	add := func(l lingua.Language) {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			languages = append(languages, l)
		}
	}
	for _, l := range baseLanguages {
		add(l)
	}
	for _, code := range codes {
		code = strings.ToLower(strings.TrimSpace(code))
		found := false
		for _, l := range lingua.AllLanguages() {
			if strings.ToLower(l.IsoCode639_1().String()) == code {
				add(l)
				found = true
				break
			}
		}
		if !found {
			logger.Log.Warn("Ignoring unknown language code", zap.String("code", code))
		}
	}
	return &Detector{languages: languages}
}

// Returns the lower-case ISO 639-1 code of text, or "" when the text is too
// short or no language stands out.
func (d *Detector) Detect(text string) string {
	sample := strings.TrimSpace(text)
	letters := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < minLetters {
		return ""
	}

	d.once.Do(func() {
		d.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(d.languages...).
			WithMinimumRelativeDistance(0.1).
			Build()
	})

	language, exists := d.detector.DetectLanguageOf(sample)
	if !exists {
		logger.Log.Debug("Language detection inconclusive", zap.Int("letters", letters))
		return ""
	}
	return strings.ToLower(language.IsoCode639_1().String())
}
