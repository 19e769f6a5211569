package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/dupindex"
	"karmaguard/internal/pkg/fingerprint"
	"karmaguard/internal/pkg/gate"
	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/metrics"
	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/normalizer"
	"karmaguard/internal/pkg/processor/languagedetector"
	"karmaguard/internal/pkg/processor/scamdetector"
	"karmaguard/internal/pkg/scorer"
)

// Classifies a single post end to end.
type Processor interface {
	// Process normalizes, fingerprints and indexes the post, matches it
	// against the scam templates and returns the gated verdict.
	Process(ctx context.Context, post models.Post, policy gate.Policy) (models.Verdict, error)
}

// Persists sightings as they enter the index.
type SightingSaver interface {
	SaveSighting(ctx context.Context, record models.SightingRecord) error
}

type Options struct {
	Normalizer *normalizer.Normalizer
	Engine     *fingerprint.Engine
	Index      *dupindex.Index
	Matcher    *scamdetector.Matcher
	Scorer     *scorer.Scorer
	Gate       *gate.Gate
	// Optional. Shortened links are expanded before normalization.
	Resolver *normalizer.ShortenerResolver
	// Optional write-through persistence.
	Saver              SightingSaver
	CoordinationWindow time.Duration
	Now                func() time.Time
}

type processor struct {
	opts Options

	langMu  sync.Mutex
	langSet *scamdetector.Set
	langs   *languagedetector.Detector
}

func NewProcessor(opts Options) Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gate == nil {
		opts.Gate = gate.New(nil)
	}
	return &processor{opts: opts}
}

func (p *processor) Process(ctx context.Context, post models.Post, policy gate.Policy) (models.Verdict, error) {
	start := time.Now()
	defer func() {
		metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	if err := post.Validate(); err != nil {
		metrics.PostsSkipped.WithLabelValues("malformed").Inc()
		return models.Verdict{}, err
	}
	if reason := prefilter(post); reason != "" {
		metrics.PostsSkipped.WithLabelValues(reason).Inc()
		return models.Verdict{}, fmt.Errorf("%w: %s", models.ErrFilteredPost, reason)
	}
	if p.opts.Index.Contains(post.ID) {
		metrics.PostsSkipped.WithLabelValues("duplicate").Inc()
		return models.Verdict{}, fmt.Errorf("%w: %s", models.ErrDuplicatePost, post.ID)
	}

	if p.opts.Resolver != nil && post.Link != "" {
		post.Link = p.opts.Resolver.Resolve(ctx, post.Link)
	}

	content := p.opts.Normalizer.Normalize(post)
	fp := p.opts.Engine.Fingerprint(content)

	match, matched := p.matchTemplate(content)

	// nothing has been written yet; a cancelled post leaves no trace
	if err := ctx.Err(); err != nil {
		return models.Verdict{}, err
	}

	sighting := models.Sighting{
		PostID:    post.ID,
		Author:    post.Author,
		Subreddit: post.Subreddit,
		CreatedAt: post.CreatedAt,
		Score:     post.Score,
		Permalink: post.Permalink,
		Domains:   content.Domains,
		Shingles:  fp.Shingles,
	}
	candidates, inserted := p.opts.Index.LookupAndInsert(fp, sighting)
	if !inserted {
		metrics.PostsSkipped.WithLabelValues("duplicate").Inc()
		return models.Verdict{}, fmt.Errorf("%w: %s", models.ErrDuplicatePost, post.ID)
	}
	p.persist(ctx, fp, sighting)

	input := scorer.Input{
		Post:       post,
		Shingles:   fp.Shingles,
		Candidates: candidates,
	}
	if matched {
		input.Template = &match
		if match.Domain != "" && p.opts.CoordinationWindow > 0 {
			input.CoordinatedAuthors = p.opts.Index.DomainAuthors(match.Domain,
				post.CreatedAt.Add(-p.opts.CoordinationWindow), post.Author)
		}
	}

	now := p.opts.Now()
	verdict := p.opts.Scorer.Score(input)
	verdict.ID = uuid.NewString()
	verdict.CreatedAt = now
	verdict.Action = p.opts.Gate.Decide(policy, verdict, now)
	verdict.ActionStatus = models.ActionNotAttempted

	metrics.PostsProcessed.Inc()
	metrics.Verdicts.WithLabelValues(string(verdict.Category)).Inc()
	metrics.Actions.WithLabelValues(string(verdict.Action)).Inc()

	logger.Log.Debug("Post classified",
		zap.String("post_id", post.ID),
		zap.String("subreddit", post.Subreddit),
		zap.String("category", string(verdict.Category)),
		zap.Float64("confidence", verdict.Confidence),
		zap.Int("candidates", len(candidates)),
		zap.String("action", string(verdict.Action)))

	return verdict, nil
}

// Posts already handled by moderators are not worth classifying.
func prefilter(post models.Post) string {
	switch {
	case post.Removed:
		return "removed"
	case post.Locked:
		return "locked"
	case post.Stickied:
		return "stickied"
	}
	return ""
}

func (p *processor) matchTemplate(content models.NormalizedContent) (scamdetector.Match, bool) {
	if p.opts.Matcher == nil {
		return scamdetector.Match{}, false
	}
	set := p.opts.Matcher.Set()
	if set == nil {
		return scamdetector.Match{}, false
	}

	language := ""
	if len(set.Languages()) > 0 {
		language = p.detector(set).Detect(content.Text)
	}
	return set.Match(content, language)
}

// Detector for the languages the given template set cares about, rebuilt
// after a reload changes the set.
func (p *processor) detector(set *scamdetector.Set) *languagedetector.Detector {
	p.langMu.Lock()
	defer p.langMu.Unlock()
	if p.langSet != set {
		if p.langs == nil || !sameLanguages(p.langSet, set) {
			p.langs = languagedetector.New(set.Languages())
		}
		p.langSet = set
	}
	return p.langs
}

func sameLanguages(a, b *scamdetector.Set) bool {
	if a == nil || b == nil {
		return false
	}
	seen := make(map[string]struct{})
	for _, l := range a.Languages() {
		seen[strings.ToLower(l)] = struct{}{}
	}
	if len(seen) != len(b.Languages()) {
		return false
	}
	for _, l := range b.Languages() {
		if _, ok := seen[strings.ToLower(l)]; !ok {
			return false
		}
	}
	return true
}

func (p *processor) persist(ctx context.Context, fp fingerprint.Fingerprint, sighting models.Sighting) {
	if p.opts.Saver == nil {
		return
	}
	record := models.SightingRecord{
		Sighting:    sighting,
		ExactHash:   fp.ExactHash,
		Bands:       fp.Bands,
		SeedVersion: fingerprint.SeedVersion,
	}
	if err := p.opts.Saver.SaveSighting(ctx, record); err != nil {
		logger.Log.Warn("Failed to persist sighting",
			zap.String("post_id", sighting.PostID),
			zap.Error(err))
	}
}
