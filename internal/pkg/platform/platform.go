// Package platform talks to the social platform: it pulls new submissions
// and, when the gate allows it, posts comments and reports.
package platform

import (
	"context"
	"time"

	"karmaguard/internal/pkg/models"
)

type Feed interface {
	// Returns posts in subreddit created after since, oldest first.
	NextPosts(ctx context.Context, subreddit string, since time.Time) ([]models.Post, error)
}

type Executor interface {
	Comment(ctx context.Context, postID, text string) error
	Report(ctx context.Context, postID, reason string) error
}
