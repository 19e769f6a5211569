// Package dupindex holds every sighting inside the retention window, keyed by
// exact hash, minhash band and content domain.
//
// Buckets are spread over a fixed number of shards, each with its own mutex.
// An operation locks every shard its keys land in, always in ascending shard
// order, so lookups and inserts touching the same buckets are serialized in
// arrival order while unrelated content proceeds in parallel.
package dupindex

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/fingerprint"
	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/metrics"
	"karmaguard/internal/pkg/models"
)

const (
	DefaultShards        = 256
	DefaultMaxBucketSize = 256
)

type bucketKind byte

const (
	exactBucket bucketKind = iota
	bandBucket
	domainBucket
)

type bucketKey struct {
	kind bucketKind
	name string
}

func (k bucketKey) hash() uint64 {
	return xxhash.Sum64String(string(rune('0'+k.kind)) + k.name)
}

type entry struct {
	record models.SightingRecord
	keys   []bucketKey
}

type shard struct {
	mu      sync.Mutex
	buckets map[bucketKey][]*entry
}

type Options struct {
	Shards int
	// Band candidates need at least this many shared bands.
	MinBandMatches int
	// Per-bucket cap; the oldest sightings of a bucket are dropped beyond it.
	MaxBucketSize int
	// Global cap enforced by Evict, oldest first. Zero disables it.
	MaxSightings int
}

type Candidate struct {
	Sighting    models.Sighting
	Exact       bool
	BandMatches int
}

type Index struct {
	opts   Options
	shards []*shard

	// ledger is always acquired after any shard locks
	ledgerMu sync.RWMutex
	ledger   map[string]*entry
}

func New(opts Options) *Index {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.MinBandMatches <= 0 {
		opts.MinBandMatches = 1
	}
	if opts.MaxBucketSize <= 0 {
		opts.MaxBucketSize = DefaultMaxBucketSize
	}
	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[bucketKey][]*entry)}
	}
	return &Index{
		opts:   opts,
		shards: shards,
		ledger: make(map[string]*entry),
	}
}

func keysFor(exactHash string, bands []uint64, domains []string) []bucketKey {
	keys := make([]bucketKey, 0, 1+len(bands)+len(domains))
	if exactHash != "" {
		keys = append(keys, bucketKey{kind: exactBucket, name: exactHash})
	}
	for _, b := range bands {
		keys = append(keys, bucketKey{kind: bandBucket, name: strconv.FormatUint(b, 16)})
	}
	for _, d := range domains {
		keys = append(keys, bucketKey{kind: domainBucket, name: d})
	}
	return keys
}

func (idx *Index) shardOf(k bucketKey) int {
	return int(k.hash() % uint64(len(idx.shards)))
}

// Locks the shards covering keys in ascending order and returns the unlock func.
func (idx *Index) lock(keys []bucketKey) func() {
	seen := make(map[int]struct{}, len(keys))
	order := make([]int, 0, len(keys))
	for _, k := range keys {
		i := idx.shardOf(k)
		if _, ok := seen[i]; !ok {
			seen[i] = struct{}{}
			order = append(order, i)
		}
	}
	sort.Ints(order)
	for _, i := range order {
		idx.shards[i].mu.Lock()
	}
	return func() {
		for j := len(order) - 1; j >= 0; j-- {
			idx.shards[order[j]].mu.Unlock()
		}
	}
}

// Returns prior sightings sharing the exact hash or enough bands with fp.
func (idx *Index) Lookup(fp fingerprint.Fingerprint) []Candidate {
	keys := keysFor(fp.ExactHash, fp.Bands, nil)
	unlock := idx.lock(keys)
	defer unlock()
	return idx.lookupLocked(fp, "")
}

// Adds a sighting under fp's keys. Returns false when the post id is
// already indexed.
func (idx *Index) Insert(fp fingerprint.Fingerprint, sighting models.Sighting) bool {
	keys := keysFor(fp.ExactHash, fp.Bands, sighting.Domains)
	unlock := idx.lock(keys)
	defer unlock()
	return idx.insertLocked(newEntry(fp, sighting, keys))
}

// Looks up candidates and inserts the sighting as a single step with respect
// to every bucket the post touches. Candidates never include the post itself.
func (idx *Index) LookupAndInsert(fp fingerprint.Fingerprint, sighting models.Sighting) ([]Candidate, bool) {
	keys := keysFor(fp.ExactHash, fp.Bands, sighting.Domains)
	unlock := idx.lock(keys)
	defer unlock()

	candidates := idx.lookupLocked(fp, sighting.PostID)
	inserted := idx.insertLocked(newEntry(fp, sighting, keys))
	return candidates, inserted
}

func newEntry(fp fingerprint.Fingerprint, sighting models.Sighting, keys []bucketKey) *entry {
	if sighting.Shingles == nil {
		sighting.Shingles = fp.Shingles
	}
	return &entry{
		record: models.SightingRecord{
			Sighting:    sighting,
			ExactHash:   fp.ExactHash,
			Bands:       fp.Bands,
			SeedVersion: fingerprint.SeedVersion,
		},
		keys: keys,
	}
}

// caller holds the shard locks for fp's exact and band keys
func (idx *Index) lookupLocked(fp fingerprint.Fingerprint, self string) []Candidate {
	found := make(map[string]*Candidate)
	var order []string

	get := func(e *entry) *Candidate {
		id := e.record.PostID
		c, ok := found[id]
		if !ok {
			c = &Candidate{Sighting: e.record.Sighting}
			found[id] = c
			order = append(order, id)
		}
		return c
	}

	if fp.ExactHash != "" {
		shard := idx.shards[idx.shardOf(bucketKey{kind: exactBucket, name: fp.ExactHash})]
		for _, e := range shard.buckets[bucketKey{kind: exactBucket, name: fp.ExactHash}] {
			if e.record.PostID == self {
				continue
			}
			get(e).Exact = true
		}
	}
	for _, b := range fp.Bands {
		key := bucketKey{kind: bandBucket, name: strconv.FormatUint(b, 16)}
		for _, e := range idx.shards[idx.shardOf(key)].buckets[key] {
			if e.record.PostID == self {
				continue
			}
			get(e).BandMatches++
		}
	}

	candidates := make([]Candidate, 0, len(order))
	for _, id := range order {
		c := found[id]
		if c.Exact || c.BandMatches >= idx.opts.MinBandMatches {
			candidates = append(candidates, *c)
		}
	}
	return candidates
}

// caller holds the shard locks for e.keys
func (idx *Index) insertLocked(e *entry) bool {
	idx.ledgerMu.Lock()
	if _, exists := idx.ledger[e.record.PostID]; exists {
		idx.ledgerMu.Unlock()
		return false
	}
	idx.ledger[e.record.PostID] = e
	size := len(idx.ledger)
	idx.ledgerMu.Unlock()

	for _, k := range e.keys {
		s := idx.shards[idx.shardOf(k)]
		bucket := append(s.buckets[k], e)
		for len(bucket) > idx.opts.MaxBucketSize {
			bucket = dropOldest(bucket)
		}
		s.buckets[k] = bucket
	}
	metrics.IndexSightings.Set(float64(size))
	return true
}

func dropOldest(bucket []*entry) []*entry {
	oldest := 0
	for i, e := range bucket {
		if e.record.CreatedAt.Before(bucket[oldest].record.CreatedAt) {
			oldest = i
		}
	}
	return append(bucket[:oldest], bucket[oldest+1:]...)
}

// Removes sightings created before cutoff, then the oldest ones beyond the
// global cap. Returns the ids of every removed sighting.
func (idx *Index) Evict(cutoff time.Time) []string {
	idx.ledgerMu.RLock()
	all := make([]*entry, 0, len(idx.ledger))
	for _, e := range idx.ledger {
		all = append(all, e)
	}
	idx.ledgerMu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].record.CreatedAt.Before(all[j].record.CreatedAt)
	})

	var victims []*entry
	remaining := len(all)
	for _, e := range all {
		expired := e.record.CreatedAt.Before(cutoff)
		overCap := idx.opts.MaxSightings > 0 && remaining > idx.opts.MaxSightings
		if !expired && !overCap {
			break
		}
		victims = append(victims, e)
		remaining--
	}

	evicted := make([]string, 0, len(victims))
	for _, e := range victims {
		if idx.remove(e) {
			evicted = append(evicted, e.record.PostID)
		}
	}

	if len(evicted) > 0 {
		metrics.SightingsEvicted.Add(float64(len(evicted)))
		logger.Log.Info("Evicted sightings",
			zap.Int("count", len(evicted)),
			zap.Time("cutoff", cutoff),
			zap.Int("remaining", idx.Len()))
	}
	metrics.IndexSightings.Set(float64(idx.Len()))
	return evicted
}

func (idx *Index) remove(e *entry) bool {
	unlock := idx.lock(e.keys)
	defer unlock()

	idx.ledgerMu.Lock()
	if current, ok := idx.ledger[e.record.PostID]; !ok || current != e {
		idx.ledgerMu.Unlock()
		return false
	}
	delete(idx.ledger, e.record.PostID)
	idx.ledgerMu.Unlock()

	for _, k := range e.keys {
		s := idx.shards[idx.shardOf(k)]
		bucket := s.buckets[k]
		for i, other := range bucket {
			if other == e {
				bucket = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(bucket) == 0 {
			delete(s.buckets, k)
		} else {
			s.buckets[k] = bucket
		}
	}
	return true
}

func (idx *Index) Contains(postID string) bool {
	idx.ledgerMu.RLock()
	defer idx.ledgerMu.RUnlock()
	_, ok := idx.ledger[postID]
	return ok
}

func (idx *Index) Len() int {
	idx.ledgerMu.RLock()
	defer idx.ledgerMu.RUnlock()
	return len(idx.ledger)
}

// Counts distinct authors other than exclude who posted content on domain
// at or after since.
func (idx *Index) DomainAuthors(domain string, since time.Time, exclude string) int {
	key := bucketKey{kind: domainBucket, name: domain}
	s := idx.shards[idx.shardOf(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	authors := make(map[string]struct{})
	for _, e := range s.buckets[key] {
		if e.record.Author == exclude || e.record.CreatedAt.Before(since) {
			continue
		}
		authors[e.record.Author] = struct{}{}
	}
	return len(authors)
}

// Snapshot of every indexed sighting, oldest first.
func (idx *Index) Records() []models.SightingRecord {
	idx.ledgerMu.RLock()
	records := make([]models.SightingRecord, 0, len(idx.ledger))
	for _, e := range idx.ledger {
		records = append(records, e.record)
	}
	idx.ledgerMu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// Reinserts persisted records. Records from another seed version are skipped
// since their band keys cannot match fresh fingerprints.
func (idx *Index) Restore(records []models.SightingRecord) int {
	restored, stale := 0, 0
	for _, r := range records {
		if r.SeedVersion != fingerprint.SeedVersion {
			stale++
			continue
		}
		fp := fingerprint.Fingerprint{ExactHash: r.ExactHash, Bands: r.Bands, Shingles: r.Shingles}
		if idx.Insert(fp, r.Sighting) {
			restored++
		}
	}
	if stale > 0 {
		logger.Log.Warn("Discarded sightings fingerprinted with another seed version",
			zap.Int("count", stale),
			zap.Int("seed_version", fingerprint.SeedVersion))
	}
	return restored
}
