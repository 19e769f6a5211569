// Package store persists the duplicate index and the action rate-limit logs
// so a restart resumes with the same state.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"karmaguard/internal/pkg/models"
)

type Store interface {
	SaveSighting(ctx context.Context, record models.SightingRecord) error
	DeleteSightings(ctx context.Context, postIDs []string) error
	// An empty store is a cold start, not an error.
	LoadSightings(ctx context.Context) ([]models.SightingRecord, error)
	SaveActionLogs(ctx context.Context, logs map[string][]time.Time) error
	LoadActionLogs(ctx context.Context) (map[string][]time.Time, error)
	Close() error
}

// Process-local store, used when no external backend is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	sightings map[string]models.SightingRecord
	actions   map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sightings: make(map[string]models.SightingRecord),
		actions:   make(map[string][]time.Time),
	}
}

func (m *MemoryStore) SaveSighting(_ context.Context, record models.SightingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sightings[record.PostID] = record
	return nil
}

func (m *MemoryStore) DeleteSightings(_ context.Context, postIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range postIDs {
		delete(m.sightings, id)
	}
	return nil
}

func (m *MemoryStore) LoadSightings(context.Context) ([]models.SightingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]models.SightingRecord, 0, len(m.sightings))
	for _, r := range m.sightings {
		records = append(records, r)
	}
	sortRecords(records)
	return records, nil
}

func (m *MemoryStore) SaveActionLogs(_ context.Context, logs map[string][]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = make(map[string][]time.Time, len(logs))
	for sub, times := range logs {
		m.actions[sub] = append([]time.Time(nil), times...)
	}
	return nil
}

func (m *MemoryStore) LoadActionLogs(context.Context) (map[string][]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]time.Time, len(m.actions))
	for sub, times := range m.actions {
		out[sub] = append([]time.Time(nil), times...)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortRecords(records []models.SightingRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].PostID < records[j].PostID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
