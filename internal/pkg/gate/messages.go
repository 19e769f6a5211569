package gate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"karmaguard/internal/pkg/models"
)

// Reddit rejects report reasons longer than this.
const maxReportReason = 100

func percent(c float64) string {
	return fmt.Sprintf("%.1f%%", 100*c)
}

// One-line report reason for moderators.
func ReportReason(v models.Verdict) string {
	var reason string
	switch v.Category {
	case models.RepostSuspect:
		reason = "Karma-farming repost"
		if v.Evidence.Original != nil && v.Evidence.Original.PostID != "" {
			reason += " of redd.it/" + v.Evidence.Original.PostID
		}
	case models.ScamSuspect:
		reason = "Scam template"
		if v.Evidence.TemplateReason != "" {
			reason = v.Evidence.TemplateReason
		} else if v.Evidence.TemplateID != "" {
			reason += " " + v.Evidence.TemplateID
		}
	default:
		return ""
	}
	reason += ", confidence " + percent(v.Confidence)
	return truncate(reason, maxReportReason)
}

// Cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Public reply explaining the detection, in reddit markdown.
func CommentText(v models.Verdict, botName string) string {
	var lines []string
	switch v.Category {
	case models.RepostSuspect:
		if v.Evidence.Original != nil && v.Evidence.Original.Permalink != "" {
			lines = append(lines, fmt.Sprintf("WARNING: /u/%s may be reposting [a popular older post](%s) for karma.",
				v.Author, v.Evidence.Original.Permalink))
		} else {
			lines = append(lines, fmt.Sprintf("WARNING: /u/%s may be reposting a popular older post for karma.", v.Author))
		}
	case models.ScamSuspect:
		what := "a known scam pattern"
		if v.Evidence.TemplateReason != "" {
			what = strings.ToLower(v.Evidence.TemplateReason)
		}
		lines = append(lines, fmt.Sprintf("WARNING: this post matches %s.", what))
		if v.Evidence.Domain != "" {
			lines = append(lines, fmt.Sprintf("Be careful with links to %s.", v.Evidence.Domain))
		}
	default:
		return ""
	}
	lines = append(lines,
		"Confidence rating "+percent(v.Confidence)+".",
		"This bot sometimes makes mistakes.",
	)
	if botName != "" {
		lines = append(lines, fmt.Sprintf("[_Contact the developers?_](https://www.reddit.com/message/compose/?to=%s)", botName))
	}
	return strings.Join(lines, "\n\n")
}
