package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"karmaguard/internal/pkg/dupindex"
	"karmaguard/internal/pkg/fingerprint"
	"karmaguard/internal/pkg/gate"
	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/normalizer"
	"karmaguard/internal/pkg/processor/scamdetector"
	"karmaguard/internal/pkg/scorer"
)

func init() {
	logger.Log = zap.NewNop()
}

var day0 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func days(n int) time.Time { return day0.Add(time.Duration(n) * 24 * time.Hour) }

type recordingSaver struct {
	mu      sync.Mutex
	records []models.SightingRecord
}

func (s *recordingSaver) SaveSighting(_ context.Context, r models.SightingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func newTestProcessor(t *testing.T, saver SightingSaver) (Processor, *dupindex.Index) {
	t.Helper()
	engine, err := fingerprint.NewEngine(fingerprint.DefaultK, fingerprint.DefaultBands)
	if err != nil {
		t.Fatal(err)
	}
	set, err := scamdetector.Parse([]byte(`
templates:
  - id: knockoff-bio
    required: ["link in bio"]
    denied_domains: ["knockoffshop.example"]
    reason: Knockoff store promotion
`))
	if err != nil {
		t.Fatal(err)
	}
	index := dupindex.New(dupindex.Options{})
	p := NewProcessor(Options{
		Normalizer:         normalizer.New(5),
		Engine:             engine,
		Index:              index,
		Matcher:            scamdetector.NewMatcher(set),
		Scorer:             scorer.New(scorer.DefaultConfig()),
		Gate:               gate.New(nil),
		Saver:              saver,
		CoordinationWindow: 7 * 24 * time.Hour,
		Now:                func() time.Time { return days(400) },
	})
	return p, index
}

func post(id, author, title, link string, at time.Time, score int) models.Post {
	return models.Post{ID: id, Author: author, Subreddit: "pics", Title: title, Link: link, CreatedAt: at, Score: score}
}

func TestRepostDetected(t *testing.T) {
	saver := &recordingSaver{}
	p, index := newTestProcessor(t, saver)
	policy := gate.DefaultPolicy()

	first, err := p.Process(context.Background(), post("a", "alice", "Free energy device!!", "https://example.com/device", day0, 5000), policy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if first.Category != models.Clean || first.Action != models.ActionNone {
		t.Errorf("Expected first sighting to be clean, got %s/%s", first.Category, first.Action)
	}

	second, err := p.Process(context.Background(),
		post("b", "bob", "free energy device", "http://www.example.com/device?utm_source=x", days(400), 10), policy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if second.Category != models.RepostSuspect || !second.Evidence.ExactMatch {
		t.Errorf("Expected exact RepostSuspect, got %s (exact=%v)", second.Category, second.Evidence.ExactMatch)
	}
	if second.Action != models.ActionLog || second.ActionStatus != models.ActionNotAttempted {
		t.Errorf("Expected log action for disabled subreddit, got %s/%s", second.Action, second.ActionStatus)
	}
	if second.ID == "" || !second.CreatedAt.Equal(days(400)) {
		t.Errorf("Expected verdict id and timestamp, got %q %v", second.ID, second.CreatedAt)
	}
	if index.Len() != 2 || len(saver.records) != 2 {
		t.Errorf("Expected 2 indexed and persisted sightings, got %d and %d", index.Len(), len(saver.records))
	}
}

func TestOriginalArrivingAfterRepostStaysClean(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	policy := gate.DefaultPolicy()
	policy.Repost = gate.ActiveModeration
	ctx := context.Background()

	repost, err := p.Process(ctx, post("b", "bob", "Free energy device", "https://example.com/device", days(400), 5000), policy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if repost.Category != models.Clean {
		t.Errorf("Expected first indexed post to be clean, got %s", repost.Category)
	}

	original, err := p.Process(ctx, post("a", "alice", "Free energy device", "https://example.com/device", day0, 10), policy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if original.Category != models.Clean || original.Action != models.ActionNone {
		t.Errorf("Expected original to stay clean with no action, got %s/%s", original.Category, original.Action)
	}
}

func TestSkippedPosts(t *testing.T) {
	p, index := newTestProcessor(t, nil)
	policy := gate.DefaultPolicy()
	ctx := context.Background()

	if _, err := p.Process(ctx, models.Post{ID: "x"}, policy); !errors.Is(err, models.ErrMalformedPost) {
		t.Errorf("Expected ErrMalformedPost, got %v", err)
	}

	locked := post("l", "alice", "Locked thread", "", day0, 1)
	locked.Locked = true
	if _, err := p.Process(ctx, locked, policy); !errors.Is(err, models.ErrFilteredPost) {
		t.Errorf("Expected ErrFilteredPost, got %v", err)
	}

	ok := post("a", "alice", "Some title", "", day0, 1)
	if _, err := p.Process(ctx, ok, policy); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := p.Process(ctx, ok, policy); !errors.Is(err, models.ErrDuplicatePost) {
		t.Errorf("Expected ErrDuplicatePost, got %v", err)
	}
	if index.Len() != 1 {
		t.Errorf("Expected 1 sighting, got %d", index.Len())
	}
}

func TestScamUnderLogOnly(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	policy := gate.DefaultPolicy()
	policy.Scam = gate.LogOnly

	c := post("c", "carol", "These sneakers are amazing", "", day0, 1)
	c.Body = "Link in bio! https://knockoffshop.example/sneakers"
	v, err := p.Process(context.Background(), c, policy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if v.Category != models.ScamSuspect || v.Evidence.TemplateScore != 1.0 {
		t.Errorf("Expected ScamSuspect with score 1.0, got %s %f", v.Category, v.Evidence.TemplateScore)
	}
	if v.Action != models.ActionLog {
		t.Errorf("Expected log action under LogOnly, got %s", v.Action)
	}
}

func TestSameAuthorResubmission(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	policy := gate.DefaultPolicy()
	ctx := context.Background()

	if _, err := p.Process(ctx, post("a", "alice", "My cat doing a backflip", "https://i.example/cat.gif", day0, 9000), policy); err != nil {
		t.Fatal(err)
	}
	v, err := p.Process(ctx, post("b", "alice", "My cat doing a backflip", "https://i.example/cat.gif", days(300), 1), policy)
	if err != nil {
		t.Fatal(err)
	}
	if v.Category == models.RepostSuspect {
		t.Error("Expected same-author resubmission not to be flagged")
	}
}

func TestCancelledContextLeavesNoTrace(t *testing.T) {
	p, index := newTestProcessor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Process(ctx, post("a", "alice", "Title", "", day0, 1), gate.DefaultPolicy()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if index.Contains("a") {
		t.Error("Expected cancelled post not to be indexed")
	}
}
