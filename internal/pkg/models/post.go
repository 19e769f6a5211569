package models

import (
	"fmt"
	"strings"
	"time"
)

// Immutable snapshot of a platform submission as delivered by the feed.
type Post struct {
	ID              string     `json:"id"`
	Author          string     `json:"author"`
	Subreddit       string     `json:"subreddit"`
	Title           string     `json:"title"`
	Body            string     `json:"body,omitempty"`
	Link            string     `json:"link,omitempty"`
	Permalink       string     `json:"permalink,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Score           int        `json:"score"`
	FetchedAt       time.Time  `json:"fetched_at"`
	AuthorCreatedAt *time.Time `json:"author_created_at,omitempty"`
	Locked          bool       `json:"locked,omitempty"`
	Stickied        bool       `json:"stickied,omitempty"`
	Removed         bool       `json:"removed,omitempty"`
}

// Reports ErrMalformedPost when a field the detector depends on is missing.
func (p *Post) Validate() error {
	var missing []string
	if strings.TrimSpace(p.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(p.Author) == "" {
		missing = append(missing, "author")
	}
	if strings.TrimSpace(p.Subreddit) == "" {
		missing = append(missing, "subreddit")
	}
	if strings.TrimSpace(p.Title) == "" {
		missing = append(missing, "title")
	}
	if p.CreatedAt.IsZero() {
		missing = append(missing, "created_at")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedPost, strings.Join(missing, ", "))
	}
	return nil
}

// Canonical form of a post's content. Lives for one processing pass only.
type NormalizedContent struct {
	TitleTokens []string
	// Canonical link, empty when the post has none.
	Link string
	// Normalized title followed by normalized body, used for phrase matching.
	Text string
	// Registrable hosts of the link and of any URL in the body, deduplicated.
	Domains  []string
	Shingles []string
}

// One prior appearance of content in the duplicate index.
type Sighting struct {
	PostID    string    `json:"post_id"`
	Author    string    `json:"author"`
	Subreddit string    `json:"subreddit"`
	CreatedAt time.Time `json:"created_at"`
	Score     int       `json:"score"`
	Permalink string    `json:"permalink,omitempty"`
	Domains   []string  `json:"domains,omitempty"`
	// Sorted, unique shingle hashes used for exact Jaccard re-scoring.
	Shingles []uint64 `json:"shingles,omitempty"`
}

// Persisted form of a sighting together with the keys it was indexed under.
type SightingRecord struct {
	Sighting
	ExactHash   string   `json:"exact_hash"`
	Bands       []uint64 `json:"bands,omitempty"`
	SeedVersion int      `json:"seed_version"`
}
