// Package gate decides what a verdict is allowed to do on the platform.
// Visible actions need the subreddit to opt in and a free slot in its
// rate-limit window; everything else degrades to a log entry.
package gate

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/metrics"
	"karmaguard/internal/pkg/models"
)

type Level string

const (
	Disabled         Level = "disabled"
	LogOnly          Level = "log_only"
	ActiveModeration Level = "active"
)

func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case "", Disabled:
		return Disabled, nil
	case LogOnly, "log-only", "logonly":
		return LogOnly, nil
	case ActiveModeration, "active_moderation":
		return ActiveModeration, nil
	}
	return Disabled, fmt.Errorf("unknown moderation level %q", s)
}

// Per-subreddit moderation policy.
type Policy struct {
	Repost           Level
	Scam             Level
	CommentThreshold float64
	ReportThreshold  float64
	// Visible actions allowed per Window. Zero or less allows none.
	MaxActions int
	Window     time.Duration
}

// Policy applied to subreddits that never opted in.
func DefaultPolicy() Policy {
	return Policy{
		Repost:           Disabled,
		Scam:             Disabled,
		CommentThreshold: 0.8,
		ReportThreshold:  0.95,
		MaxActions:       10,
		Window:           time.Hour,
	}
}

func (p Policy) level(c models.Category) Level {
	switch c {
	case models.RepostSuspect:
		return p.Repost
	case models.ScamSuspect:
		return p.Scam
	}
	return Disabled
}

type Gate struct {
	limiter *RateLimiter
}

func New(limiter *RateLimiter) *Gate {
	if limiter == nil {
		limiter = NewRateLimiter()
	}
	return &Gate{limiter: limiter}
}

func (g *Gate) Limiter() *RateLimiter { return g.limiter }

// Returns the action a verdict may take. A visible action consumes a slot in
// the subreddit's window; when none is free the verdict is only logged.
func (g *Gate) Decide(policy Policy, v models.Verdict, now time.Time) models.Action {
	if v.Category == models.Clean {
		return models.ActionNone
	}
	if policy.level(v.Category) != ActiveModeration {
		return models.ActionLog
	}

	var action models.Action
	switch {
	case v.Confidence >= policy.ReportThreshold:
		action = models.ActionReport
	case v.Confidence >= policy.CommentThreshold:
		action = models.ActionComment
	default:
		return models.ActionLog
	}

	if !g.limiter.Allow(strings.ToLower(v.Subreddit), policy.MaxActions, policy.Window, now) {
		metrics.ActionsRateLimited.Inc()
		logger.Log.Info("Action rate limited, degrading to log",
			zap.String("subreddit", v.Subreddit),
			zap.String("post_id", v.PostID),
			zap.String("action", string(action)))
		return models.ActionLog
	}
	return action
}
