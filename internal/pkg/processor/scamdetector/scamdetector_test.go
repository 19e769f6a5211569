package scamdetector

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/normalizer"
)

func init() {
	logger.Log = zap.NewNop()
}

const knockoffTemplates = `
templates:
  - id: knockoff-bio
    description: Knockoff storefront pushed through profile links
    required: ["link in bio"]
    denied_domains: ["knockoffshop.example"]
    reason: Knockoff store promotion
  - id: giveaway
    required: ["free giveaway", "dm me"]
    forbidden: ["official announcement"]
    languages: [en]
    min_score: 0.5
`

func content(title, body, link string) models.NormalizedContent {
	return normalizer.New(5).Normalize(models.Post{Title: title, Body: body, Link: link})
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write templates: %v", err)
	}
	return path
}

func mustParse(t *testing.T, body string) *Set {
	t.Helper()
	set, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Failed to parse templates: %v", err)
	}
	return set
}

func TestPhraseAndDeniedDomainScoreOne(t *testing.T) {
	set := mustParse(t, knockoffTemplates)
	c := content("Check out these shoes", "Link in bio!! https://knockoffshop.example/deal", "")

	match, ok := set.Match(c, "en")
	if !ok {
		t.Fatal("Expected template match")
	}
	if match.Template.ID != "knockoff-bio" || match.Score != 1.0 {
		t.Errorf("Expected knockoff-bio with score 1.0, got %s %f", match.Template.ID, match.Score)
	}
	if match.Domain != "knockoffshop.example" {
		t.Errorf("Expected matched domain, got %q", match.Domain)
	}
}

func TestPartialMatchBelowMinScore(t *testing.T) {
	set := mustParse(t, knockoffTemplates)
	if _, ok := set.Match(content("Nice shoes, link in bio", "", ""), "en"); ok {
		t.Error("Expected half score to stay below default min score of 1")
	}

	match, ok := set.Match(content("Free giveaway this weekend", "", ""), "en")
	if !ok || match.Template.ID != "giveaway" || match.Score != 0.5 {
		t.Errorf("Expected giveaway at 0.5, got %+v %v", match, ok)
	}
}

func TestForbiddenPhraseDisqualifies(t *testing.T) {
	set := mustParse(t, knockoffTemplates)
	c := content("Official announcement: free giveaway, DM me", "", "")
	if _, ok := set.Match(c, "en"); ok {
		t.Error("Expected forbidden phrase to suppress the match")
	}
}

func TestLanguageCondition(t *testing.T) {
	set := mustParse(t, knockoffTemplates)
	c := content("Free giveaway, dm me", "", "")
	if _, ok := set.Match(c, "de"); ok {
		t.Error("Expected language mismatch to suppress the match")
	}
	if _, ok := set.Match(c, ""); !ok {
		t.Error("Expected unknown language not to fail the template")
	}
}

func TestPhrasesMatchWholeWords(t *testing.T) {
	set := mustParse(t, `
templates:
  - id: bio
    required: ["bio"]
`)
	if _, ok := set.Match(content("My biology homework", "", ""), ""); ok {
		t.Error("Expected phrase not to match inside a longer word")
	}
	if _, ok := set.Match(content("See my BIO.", "", ""), ""); !ok {
		t.Error("Expected case-insensitive whole word match")
	}
}

func TestTieGoesToFirstDeclared(t *testing.T) {
	set := mustParse(t, `
templates:
  - id: first
    required: ["crypto doubler"]
  - id: second
    required: ["crypto doubler"]
`)
	match, ok := set.Match(content("Best crypto doubler ever", "", ""), "")
	if !ok || match.Template.ID != "first" {
		t.Errorf("Expected first template to win the tie, got %+v", match)
	}
}

func TestRequiredDomainsAllowlist(t *testing.T) {
	set := mustParse(t, `
templates:
  - id: fake-support
    required: ["support team"]
    required_domains: ["forms.example"]
`)
	if m, ok := set.Match(content("Contact our support team", "", "https://forms.example/f/1"), ""); !ok || m.Score != 1 {
		t.Errorf("Expected full match when every domain is allowed, got %+v %v", m, ok)
	}
	if _, ok := set.Match(content("Contact our support team", "also https://other.example", "https://forms.example/f/1"), ""); ok {
		t.Error("Expected allowlist pattern unmet when another domain is present")
	}
}

func TestLoadRejectsInvalidSets(t *testing.T) {
	cases := map[string]string{
		"empty":          `templates: []`,
		"duplicate id":   "templates:\n  - id: a\n    required: [x]\n  - id: a\n    required: [y]\n",
		"no patterns":    "templates:\n  - id: a\n    forbidden: [x]\n",
		"min score":      "templates:\n  - id: a\n    required: [x]\n    min_score: 1.5\n",
		"unknown field":  "templates:\n  - id: a\n    required: [x]\n    weight: 3\n",
		"not yaml":       "templates: [",
		"blank document": "",
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body)); !errors.Is(err, models.ErrTemplateLoad) {
			t.Errorf("%s: expected ErrTemplateLoad, got %v", name, err)
		}
	}
}

func TestReloadSwapsAndKeepsOldSetOnFailure(t *testing.T) {
	path := writeFile(t, knockoffTemplates)
	m, err := LoadMatcher(path)
	if err != nil {
		t.Fatalf("Failed to load matcher: %v", err)
	}
	if m.Set().Len() != 2 {
		t.Fatalf("Expected 2 templates, got %d", m.Set().Len())
	}

	if err := os.WriteFile(path, []byte("templates:\n  - id: only\n    required: [scam]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(path); err != nil {
		t.Fatalf("Expected reload to succeed, got %v", err)
	}
	if m.Set().Len() != 1 {
		t.Errorf("Expected new set to be active, got %d templates", m.Set().Len())
	}

	if err := os.WriteFile(path, []byte("templates: []"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(path); !errors.Is(err, models.ErrTemplateLoad) {
		t.Errorf("Expected ErrTemplateLoad, got %v", err)
	}
	if _, ok := m.Match(content("total scam", "", ""), ""); !ok {
		t.Error("Expected previous set to remain active after a failed reload")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadMatcher(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, models.ErrTemplateLoad) {
		t.Errorf("Expected ErrTemplateLoad, got %v", err)
	}
}
