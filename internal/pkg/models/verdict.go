package models

import "time"

type Category string

const (
	Clean         Category = "clean"
	RepostSuspect Category = "repost_suspect"
	ScamSuspect   Category = "scam_suspect"
)

type Action string

const (
	ActionNone    Action = "none"
	ActionLog     Action = "log"
	ActionComment Action = "comment"
	ActionReport  Action = "report"
)

// Visible reports whether the action touches the platform.
func (a Action) Visible() bool {
	return a == ActionComment || a == ActionReport
}

type ActionStatus string

const (
	ActionNotAttempted         ActionStatus = "not_attempted"
	ActionConfirmed            ActionStatus = "confirmed"
	ActionAttemptedUnconfirmed ActionStatus = "attempted_unconfirmed"
)

// What the verdict was based on.
type Evidence struct {
	// Best repost match, nil when none qualified.
	Original   *Sighting `json:"original,omitempty"`
	ExactMatch bool      `json:"exact_match,omitempty"`
	Similarity float64   `json:"similarity,omitempty"`

	TemplateID     string  `json:"template_id,omitempty"`
	TemplateScore  float64 `json:"template_score,omitempty"`
	TemplateReason string  `json:"template_reason,omitempty"`

	Domain             string `json:"domain,omitempty"`
	CoordinatedAuthors int    `json:"coordinated_authors,omitempty"`
}

// Classification result for a single post. Not mutated after the worker routes it.
type Verdict struct {
	ID               string       `json:"id"`
	PostID           string       `json:"post_id"`
	Author           string       `json:"author"`
	Subreddit        string       `json:"subreddit"`
	Permalink        string       `json:"permalink,omitempty"`
	Category         Category     `json:"category"`
	Confidence       float64      `json:"confidence"`
	RepostConfidence float64      `json:"repost_confidence"`
	ScamConfidence   float64      `json:"scam_confidence"`
	Evidence         Evidence     `json:"evidence"`
	Action           Action       `json:"action"`
	ActionStatus     ActionStatus `json:"action_status"`
	CreatedAt        time.Time    `json:"created_at"`
}
