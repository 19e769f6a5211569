// Package auditsink records every non-trivial verdict for later review.
package auditsink

import (
	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/models"
)

type Sink interface {
	Record(verdict models.Verdict)
	// Flushes anything buffered and releases resources.
	Close() error
}

// Writes verdicts to the structured log.
type LogSink struct{}

func (LogSink) Record(v models.Verdict) {
	fields := []zap.Field{
		zap.String("verdict_id", v.ID),
		zap.String("post_id", v.PostID),
		zap.String("author", v.Author),
		zap.String("subreddit", v.Subreddit),
		zap.String("category", string(v.Category)),
		zap.Float64("confidence", v.Confidence),
		zap.String("action", string(v.Action)),
		zap.String("action_status", string(v.ActionStatus)),
	}
	if o := v.Evidence.Original; o != nil {
		fields = append(fields,
			zap.String("original_post_id", o.PostID),
			zap.String("original_author", o.Author),
			zap.Bool("exact_match", v.Evidence.ExactMatch),
			zap.Float64("similarity", v.Evidence.Similarity))
	}
	if v.Evidence.TemplateID != "" {
		fields = append(fields,
			zap.String("template_id", v.Evidence.TemplateID),
			zap.Float64("template_score", v.Evidence.TemplateScore))
	}
	if v.Evidence.CoordinatedAuthors > 0 {
		fields = append(fields, zap.Int("coordinated_authors", v.Evidence.CoordinatedAuthors))
	}
	logger.Log.Info("Verdict", fields...)
}

func (LogSink) Close() error { return nil }

type multiSink []Sink

// Fans every verdict out to all sinks.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Record(v models.Verdict) {
	for _, s := range m {
		s.Record(v)
	}
}

func (m multiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
