package scamdetector

import (
	"fmt"
	"strings"

	"github.com/cloudflare/ahocorasick"

	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/normalizer"
)

// Declarative scam rule. A template scores the fraction of its required
// patterns present in a post; every phrase in Required is one pattern and a
// non-empty domain list counts as one more.
type Template struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
	// Any forbidden phrase disqualifies the template.
	Forbidden []string `json:"forbidden,omitempty"`
	// Allowlist: satisfied when every content domain is one of these.
	RequiredDomains []string `json:"required_domains,omitempty"`
	// Denylist: satisfied when any content domain is one of these.
	DeniedDomains []string `json:"denied_domains,omitempty"`
	// ISO 639-1 codes; empty means any language.
	Languages []string `json:"languages,omitempty"`
	MinScore  float64  `json:"min_score,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

func (t *Template) patternCount() int {
	n := len(t.Required)
	if len(t.RequiredDomains) > 0 {
		n++
	}
	if len(t.DeniedDomains) > 0 {
		n++
	}
	return n
}

type Match struct {
	Template *Template
	Score    float64
	// First content domain that satisfied a domain pattern, if any.
	Domain string
}

type compiledTemplate struct {
	tmpl      *Template
	required  []int
	forbidden []int
	languages map[string]struct{}
}

// Immutable compiled template set. Safe for concurrent use.
type Set struct {
	templates []compiledTemplate
	matcher   *ahocorasick.Matcher
	phrases   []string
	languages []string
}

// Compiles templates into a single phrase automaton. Phrases are normalized
// the same way post text is, so matching is case and punctuation insensitive.
func NewSet(templates []Template) (*Set, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: template set is empty", models.ErrTemplateLoad)
	}

	set := &Set{}
	phraseIndex := make(map[string]int)
	seenIDs := make(map[string]struct{})
	langs := make(map[string]struct{})

	intern := func(phrase string) (int, error) {
		tokens := normalizer.Tokenize(phrase)
		if len(tokens) == 0 {
			return 0, fmt.Errorf("phrase %q has no words", phrase)
		}
		key := " " + strings.Join(tokens, " ") + " "
		if i, ok := phraseIndex[key]; ok {
			return i, nil
		}
		phraseIndex[key] = len(set.phrases)
		set.phrases = append(set.phrases, key)
		return len(set.phrases) - 1, nil
	}

	for i := range templates {
		t := templates[i]
		if _, dup := seenIDs[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate template id %q", models.ErrTemplateLoad, t.ID)
		}
		seenIDs[t.ID] = struct{}{}

		if t.patternCount() == 0 {
			return nil, fmt.Errorf("%w: template %q has no required patterns", models.ErrTemplateLoad, t.ID)
		}
		if t.MinScore == 0 {
			t.MinScore = 1
		}
		if t.MinScore < 0 || t.MinScore > 1 {
			return nil, fmt.Errorf("%w: template %q min_score %v outside (0,1]", models.ErrTemplateLoad, t.ID, t.MinScore)
		}

		ct := compiledTemplate{tmpl: &t}
		for _, p := range t.Required {
			idx, err := intern(p)
			if err != nil {
				return nil, fmt.Errorf("%w: template %q: %v", models.ErrTemplateLoad, t.ID, err)
			}
			ct.required = append(ct.required, idx)
		}
		for _, p := range t.Forbidden {
			idx, err := intern(p)
			if err != nil {
				return nil, fmt.Errorf("%w: template %q: %v", models.ErrTemplateLoad, t.ID, err)
			}
			ct.forbidden = append(ct.forbidden, idx)
		}
		if len(t.Languages) > 0 {
			ct.languages = make(map[string]struct{}, len(t.Languages))
			for _, l := range t.Languages {
				code := strings.ToLower(strings.TrimSpace(l))
				ct.languages[code] = struct{}{}
				langs[code] = struct{}{}
			}
		}
		set.templates = append(set.templates, ct)
	}

	patterns := make([][]byte, len(set.phrases))
	for i, p := range set.phrases {
		patterns[i] = []byte(p)
	}
	set.matcher = ahocorasick.NewMatcher(patterns)
	for l := range langs {
		set.languages = append(set.languages, l)
	}
	return set, nil
}

func (s *Set) Len() int { return len(s.templates) }

// Language codes any template in the set is restricted to.
func (s *Set) Languages() []string { return s.languages }

func (s *Set) Templates() []Template {
	out := make([]Template, len(s.templates))
	for i, ct := range s.templates {
		out[i] = *ct.tmpl
	}
	return out
}

// Evaluates every template against the content and returns the best match
// at or above its template's MinScore. Ties go to the earlier template.
// language is the detected ISO 639-1 code, "" when unknown.
func (s *Set) Match(content models.NormalizedContent, language string) (Match, bool) {
	hits := make(map[int]struct{})
	if content.Text != "" && len(s.phrases) > 0 {
		for _, i := range s.matcher.MatchThreadSafe([]byte(" " + content.Text + " ")) {
			hits[i] = struct{}{}
		}
	}

	var best Match
	found := false
	for _, ct := range s.templates {
		score, domain := ct.score(hits, content.Domains, language)
		if score <= 0 || score < ct.tmpl.MinScore {
			continue
		}
		if !found || score > best.Score {
			best = Match{Template: ct.tmpl, Score: score, Domain: domain}
			found = true
		}
	}
	return best, found
}

func (ct *compiledTemplate) score(hits map[int]struct{}, domains []string, language string) (float64, string) {
	if ct.languages != nil && language != "" {
		if _, ok := ct.languages[language]; !ok {
			return 0, ""
		}
	}
	for _, i := range ct.forbidden {
		if _, ok := hits[i]; ok {
			return 0, ""
		}
	}

	matched := 0
	for _, i := range ct.required {
		if _, ok := hits[i]; ok {
			matched++
		}
	}

	domain := ""
	if len(ct.tmpl.DeniedDomains) > 0 {
		if d, ok := anyDomainIn(domains, ct.tmpl.DeniedDomains); ok {
			matched++
			domain = d
		}
	}
	if len(ct.tmpl.RequiredDomains) > 0 && allDomainsIn(domains, ct.tmpl.RequiredDomains) {
		matched++
		if domain == "" {
			domain = domains[0]
		}
	}
	return float64(matched) / float64(ct.tmpl.patternCount()), domain
}

func anyDomainIn(hosts, list []string) (string, bool) {
	for _, h := range hosts {
		for _, d := range list {
			if normalizer.MatchesDomain(h, d) {
				return h, true
			}
		}
	}
	return "", false
}

func allDomainsIn(hosts, list []string) bool {
	if len(hosts) == 0 {
		return false
	}
	for _, h := range hosts {
		if _, ok := anyDomainIn([]string{h}, list); !ok {
			return false
		}
	}
	return true
}
