package gate

import (
	"slices"
	"sort"
	"sync"
	"time"
)

type actionLog struct {
	mu    sync.Mutex
	times []time.Time
}

// Sliding-window log of visible actions per subreddit. Each subreddit has
// its own lock, so limits for different subreddits never contend.
type RateLimiter struct {
	logs sync.Map // subreddit -> *actionLog
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{}
}

func (r *RateLimiter) logFor(subreddit string) *actionLog {
	if l, ok := r.logs.Load(subreddit); ok {
		return l.(*actionLog)
	}
	l, _ := r.logs.LoadOrStore(subreddit, &actionLog{})
	return l.(*actionLog)
}

// Records an action at now and returns true if fewer than max actions fall
// inside the window ending at now. Denied calls record nothing.
func (r *RateLimiter) Allow(subreddit string, max int, window time.Duration, now time.Time) bool {
	if max <= 0 || window <= 0 {
		return false
	}
	l := r.logFor(subreddit)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.times = prune(l.times, now.Add(-window))
	if len(l.times) >= max {
		return false
	}
	l.times = insertSorted(l.times, now)
	return true
}

// Callers read the clock before taking the lock, so now can be older than
// the newest entry. The log stays ordered for prune.
func insertSorted(times []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(times), func(i int) bool { return times[i].After(t) })
	return slices.Insert(times, i, t)
}

// Number of actions recorded for subreddit inside the window ending at now.
func (r *RateLimiter) Count(subreddit string, window time.Duration, now time.Time) int {
	l := r.logFor(subreddit)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(prune(append([]time.Time(nil), l.times...), now.Add(-window)))
}

// Copy of every action log, for persistence.
func (r *RateLimiter) Snapshot() map[string][]time.Time {
	out := make(map[string][]time.Time)
	r.logs.Range(func(key, value any) bool {
		l := value.(*actionLog)
		l.mu.Lock()
		if len(l.times) > 0 {
			out[key.(string)] = append([]time.Time(nil), l.times...)
		}
		l.mu.Unlock()
		return true
	})
	return out
}

func (r *RateLimiter) Restore(logs map[string][]time.Time) {
	for subreddit, times := range logs {
		sorted := append([]time.Time(nil), times...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
		l := r.logFor(subreddit)
		l.mu.Lock()
		l.times = sorted
		l.mu.Unlock()
	}
}

// Drops entries at or before cutoff. times is ordered oldest first.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
