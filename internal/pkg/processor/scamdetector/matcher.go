package scamdetector

import (
	"sync/atomic"

	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/metrics"
	"karmaguard/internal/pkg/models"
)

// Holds the active template set. Workers read it without locking; a reload
// swaps the whole set so no post ever sees a half-applied configuration.
type Matcher struct {
	active atomic.Pointer[Set]
}

func NewMatcher(set *Set) *Matcher {
	m := &Matcher{}
	if set != nil {
		m.active.Store(set)
	}
	return m
}

// Loads the template file at path and makes it the active set.
func LoadMatcher(path string) (*Matcher, error) {
	set, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Loaded scam templates",
		zap.String("path", path),
		zap.Int("templates", set.Len()))
	return NewMatcher(set), nil
}

// Replaces the active set. On failure the previous set stays active.
func (m *Matcher) Reload(path string) error {
	set, err := LoadFile(path)
	if err != nil {
		metrics.TemplateReloads.WithLabelValues("failure").Inc()
		logger.Log.Error("Template reload failed, keeping previous set",
			zap.String("path", path),
			zap.Error(err))
		return err
	}
	m.active.Store(set)
	metrics.TemplateReloads.WithLabelValues("success").Inc()
	logger.Log.Info("Reloaded scam templates",
		zap.String("path", path),
		zap.Int("templates", set.Len()))
	return nil
}

func (m *Matcher) Set() *Set {
	return m.active.Load()
}

func (m *Matcher) Match(content models.NormalizedContent, language string) (Match, bool) {
	set := m.active.Load()
	if set == nil {
		return Match{}, false
	}
	return set.Match(content, language)
}
