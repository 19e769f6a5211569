// Package scorer turns duplicate candidates and template matches into a
// categorized verdict with a confidence in [0,1].
package scorer

import (
	"math"
	"time"

	"karmaguard/internal/pkg/dupindex"
	"karmaguard/internal/pkg/fingerprint"
	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/processor/scamdetector"
)

const accountAgeHorizon = 180 * 24 * time.Hour

type Config struct {
	RepostThreshold float64
	ScamThreshold   float64
	// Resolves a post that crosses both thresholds in favour of ScamSuspect.
	PreferScamOnTie bool
	// Prior sightings by the same author never count as reposts.
	ExcludeSameAuthor bool

	AgeScale     time.Duration
	ScoreScale   float64
	RecencyFloor float64

	AccountAgeWeight float64

	CoordinationMinAuthors int
	CoordinationBoost      float64
}

func DefaultConfig() Config {
	return Config{
		RepostThreshold:        0.6,
		ScamThreshold:          0.7,
		ExcludeSameAuthor:      true,
		AgeScale:               30 * 24 * time.Hour,
		ScoreScale:             100,
		RecencyFloor:           0.25,
		AccountAgeWeight:       0.15,
		CoordinationMinAuthors: 3,
		CoordinationBoost:      0.15,
	}
}

type Input struct {
	Post       models.Post
	Shingles   []uint64
	Candidates []dupindex.Candidate
	// nil when no template matched
	Template *scamdetector.Match
	// Distinct other authors seen linking the matched domain recently.
	CoordinatedAuthors int
}

type Scorer struct {
	cfg Config
}

func New(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Config() Config { return s.cfg }

// Builds the verdict for a post. Action fields are left for the gate.
func (s *Scorer) Score(in Input) models.Verdict {
	v := models.Verdict{
		PostID:    in.Post.ID,
		Author:    in.Post.Author,
		Subreddit: in.Post.Subreddit,
		Permalink: in.Post.Permalink,
		Action:    models.ActionNone,
	}

	repost, best, exact, similarity := s.repostConfidence(in)
	if best != nil {
		original := best.Sighting
		v.Evidence.Original = &original
		v.Evidence.ExactMatch = exact
		v.Evidence.Similarity = similarity
	}

	scam := 0.0
	if in.Template != nil && in.Template.Template != nil {
		scam = in.Template.Score
		v.Evidence.TemplateID = in.Template.Template.ID
		v.Evidence.TemplateScore = in.Template.Score
		v.Evidence.TemplateReason = in.Template.Template.Reason
		v.Evidence.Domain = in.Template.Domain
		if in.Template.Domain != "" && s.cfg.CoordinationMinAuthors > 0 &&
			in.CoordinatedAuthors >= s.cfg.CoordinationMinAuthors {
			v.Evidence.CoordinatedAuthors = in.CoordinatedAuthors
			scam = math.Min(1, scam+s.cfg.CoordinationBoost)
		}
	}

	boost := s.accountAgeBoost(in.Post)
	repost = applyBoost(repost, boost)
	scam = applyBoost(scam, boost)

	v.RepostConfidence = repost
	v.ScamConfidence = scam

	repostHit := repost > 0 && repost >= s.cfg.RepostThreshold
	scamHit := scam > 0 && scam >= s.cfg.ScamThreshold
	switch {
	case repostHit && scamHit && s.cfg.PreferScamOnTie:
		v.Category, v.Confidence = models.ScamSuspect, scam
	case repostHit:
		v.Category, v.Confidence = models.RepostSuspect, repost
	case scamHit:
		v.Category, v.Confidence = models.ScamSuspect, scam
	default:
		v.Category, v.Confidence = models.Clean, 1-math.Max(repost, scam)
	}
	return v
}

func (s *Scorer) repostConfidence(in Input) (float64, *dupindex.Candidate, bool, float64) {
	var (
		best      *dupindex.Candidate
		bestConf  float64
		bestExact bool
		bestSimil float64
	)
	for i := range in.Candidates {
		c := &in.Candidates[i]
		if c.Sighting.PostID == in.Post.ID {
			continue
		}
		// A repost can only copy something that was already there.
		if !c.Sighting.CreatedAt.Before(in.Post.CreatedAt) {
			continue
		}
		if s.cfg.ExcludeSameAuthor && c.Sighting.Author == in.Post.Author {
			continue
		}

		similarity := 1.0
		if !c.Exact {
			similarity = fingerprint.Jaccard(in.Shingles, c.Sighting.Shingles)
		}
		conf := similarity * s.farmingWeight(in.Post.CreatedAt.Sub(c.Sighting.CreatedAt), c.Sighting.Score)

		older := best != nil && conf == bestConf && c.Sighting.CreatedAt.Before(best.Sighting.CreatedAt)
		if best == nil || conf > bestConf || older {
			best, bestConf, bestExact, bestSimil = c, conf, c.Exact, similarity
		}
	}
	if best == nil || bestConf <= 0 {
		return 0, best, bestExact, bestSimil
	}
	return clamp(bestConf), best, bestExact, bestSimil
}

// Weights a match by how long ago and how popular the original was. Old,
// popular originals are what karma farmers recycle.
func (s *Scorer) farmingWeight(elapsed time.Duration, score int) float64 {
	ageFactor := 0.0
	if elapsed > 0 && s.cfg.AgeScale > 0 {
		ageFactor = 1 - math.Exp(-float64(elapsed)/float64(s.cfg.AgeScale))
	}
	popFactor := 0.0
	if score > 0 && s.cfg.ScoreScale > 0 {
		popFactor = 1 - math.Exp(-float64(score)/s.cfg.ScoreScale)
	}
	floor := clamp(s.cfg.RecencyFloor)
	return floor + (1-floor)*(0.5*ageFactor+0.5*popFactor)
}

// Extra suspicion for freshly created accounts, fading over six months.
func (s *Scorer) accountAgeBoost(post models.Post) float64 {
	if post.AuthorCreatedAt == nil || s.cfg.AccountAgeWeight <= 0 {
		return 0
	}
	age := post.CreatedAt.Sub(*post.AuthorCreatedAt)
	if age < 0 {
		age = 0
	}
	return s.cfg.AccountAgeWeight * math.Exp(-3*float64(age)/float64(accountAgeHorizon))
}

func applyBoost(conf, boost float64) float64 {
	if conf <= 0 || boost <= 0 {
		return conf
	}
	return clamp(conf + (1-conf)*boost)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
