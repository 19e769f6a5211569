package administrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/auditsink"
	"karmaguard/internal/pkg/config"
	"karmaguard/internal/pkg/dupindex"
	"karmaguard/internal/pkg/fingerprint"
	"karmaguard/internal/pkg/gate"
	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/metrics"
	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/normalizer"
	"karmaguard/internal/pkg/platform"
	"karmaguard/internal/pkg/processor"
	"karmaguard/internal/pkg/processor/scamdetector"
	"karmaguard/internal/pkg/queue"
	"karmaguard/internal/pkg/scorer"
	"karmaguard/internal/pkg/store"
	"karmaguard/internal/pkg/worker"
)

const maxParallelFetch = 4

// Administrator drives the detection pipeline: it pulls posts from the feed,
// hands them to the worker pool and keeps the duplicate index within its
// retention window.
type Administrator interface {
	// Restores persisted state and launches the workers.
	Start(ctx context.Context) error
	// Polls the feed every PollInterval until ctx ends.
	Run(ctx context.Context)
	// One evict, fetch and classify pass. Returns once every fetched post has been routed.
	RunCycle(ctx context.Context, now time.Time) error
	// Drops sightings older than the retention window and returns how many went.
	Evict(ctx context.Context, now time.Time) int
	ReloadTemplates() error
	// Queues posts pushed from outside the feed.
	Submit(post models.Post) error
	// Queues posts and waits until all of them have been routed.
	Classify(ctx context.Context, posts []models.Post) error
	StartService(port string) error
	Stop()
	QueueDepth() int
	WorkerCount() int
	IndexSize() int
	StartTime() time.Time
}

type Option func(*administrator)

func WithFeed(feed platform.Feed) Option {
	return func(a *administrator) { a.feed = feed }
}

// A nil executor keeps every visible action unsent.
func WithExecutor(exec platform.Executor) Option {
	return func(a *administrator) { a.executor = exec; a.executorSet = true }
}

func WithStore(s store.Store) Option {
	return func(a *administrator) { a.store = s }
}

func WithSink(s auditsink.Sink) Option {
	return func(a *administrator) { a.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(a *administrator) { a.clock = now }
}

// Implementation of the Administrator interface
type administrator struct {
	cfg *config.Config

	feed        platform.Feed
	executor    platform.Executor
	executorSet bool
	store       store.Store
	sink        auditsink.Sink
	clock       func() time.Time

	matcher    *scamdetector.Matcher
	index      *dupindex.Index
	limiter    *gate.RateLimiter
	queue      *queue.Queue
	workerPool *worker.WorkerPool

	policies atomic.Pointer[map[string]gate.Policy]

	cycleMu      sync.Mutex
	cursors      map[string]time.Time
	schedule     *cronexpr.Expression
	nextEviction time.Time

	serverMu  sync.Mutex
	server    *http.Server
	startTime time.Time
	stopOnce  sync.Once
}

// Creates a new instance of an Administrator with a config. Templates must
// load; any collaborator not supplied through an option is built from cfg.
func New(cfg *config.Config, opts ...Option) (Administrator, error) {
	admin := &administrator{
		cfg:       cfg,
		clock:     time.Now,
		cursors:   make(map[string]time.Time),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(admin)
	}

	schedule, err := cronexpr.Parse(cfg.EvictionSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", cfg.EvictionSchedule, err)
	}
	admin.schedule = schedule

	matcher, err := scamdetector.LoadMatcher(cfg.TemplatesPath)
	if err != nil {
		return nil, err
	}
	admin.matcher = matcher

	engine, err := fingerprint.NewEngine(cfg.MinhashK, cfg.MinhashBands)
	if err != nil {
		return nil, err
	}

	if err := admin.buildCollaborators(); err != nil {
		return nil, err
	}

	admin.index = dupindex.New(dupindex.Options{
		MinBandMatches: cfg.MinBandMatches,
		MaxBucketSize:  cfg.MaxBucketSize,
		MaxSightings:   cfg.MaxSightings,
	})
	admin.limiter = gate.NewRateLimiter()

	pageQueue, err := queue.CreateQueue(cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}
	admin.queue = pageQueue

	var resolver *normalizer.ShortenerResolver
	if cfg.ResolveShorteners {
		resolver = normalizer.NewShortenerResolver(cfg.PlatformTimeout)
	}

	proc := processor.NewProcessor(processor.Options{
		Normalizer:         normalizer.New(cfg.ShingleSize),
		Engine:             engine,
		Index:              admin.index,
		Matcher:            matcher,
		Scorer:             scorer.New(scorerConfig(cfg)),
		Gate:               gate.New(admin.limiter),
		Resolver:           resolver,
		Saver:              admin.store,
		CoordinationWindow: cfg.CoordinationWindow,
		Now:                admin.clock,
	})

	empty := map[string]gate.Policy{}
	admin.policies.Store(&empty)

	admin.workerPool = worker.NewWorkerPool(worker.Options{
		Workers:   cfg.NumWorkers,
		Queue:     pageQueue,
		Processor: proc,
		Policies:  admin.policyFor,
		Executor:  admin.executor,
		Sink:      admin.sink,
		BotName:   cfg.BotUsername,
	})
	return admin, nil
}

func (admin *administrator) buildCollaborators() error {
	cfg := admin.cfg
	if admin.feed == nil || !admin.executorSet {
		client := platform.NewClient(cfg, platform.WithAuthorAge())
		if admin.feed == nil {
			admin.feed = client
		}
		// Acting requires an authenticated session.
		if !admin.executorSet && cfg.PlatformToken != "" {
			admin.executor = client
		}
	}

	if admin.store == nil {
		switch cfg.StoreBackend {
		case "redis":
			s, err := store.NewRedisStore(cfg)
			if err != nil {
				return err
			}
			admin.store = s
		default:
			admin.store = store.NewMemoryStore()
		}
	}

	if admin.sink == nil {
		admin.sink = auditsink.LogSink{}
		if cfg.ElasticsearchURL != "" {
			bulk, err := auditsink.NewBulkIndexer(
				cfg.ElasticsearchURL,
				cfg.AuditIndexName,
				cfg.BulkThreshold,
				time.Duration(cfg.FlushInterval)*time.Second,
				cfg.MaxRetries,
			)
			if err != nil {
				return err
			}
			admin.sink = auditsink.Multi(admin.sink, bulk)
		}
	}
	return nil
}

func scorerConfig(cfg *config.Config) scorer.Config {
	return scorer.Config{
		RepostThreshold:        cfg.RepostThreshold,
		ScamThreshold:          cfg.ScamThreshold,
		PreferScamOnTie:        cfg.PreferScamOnTie,
		ExcludeSameAuthor:      cfg.ExcludeSameAuthor,
		AgeScale:               cfg.AgeScale,
		ScoreScale:             cfg.ScoreScale,
		RecencyFloor:           cfg.RecencyFloor,
		AccountAgeWeight:       cfg.AccountAgeWeight,
		CoordinationMinAuthors: cfg.CoordinationMinAuthors,
		CoordinationBoost:      cfg.CoordinationBoost,
	}
}

func (admin *administrator) policyFor(subreddit string) gate.Policy {
	if p, ok := (*admin.policies.Load())[normalizeSubreddit(subreddit)]; ok {
		return p
	}
	return gate.DefaultPolicy()
}

func (admin *administrator) Start(ctx context.Context) error {
	if err := admin.restore(ctx); err != nil {
		return err
	}
	admin.loadPolicies()
	admin.workerPool.Start(ctx)
	return nil
}

// Rebuilds the index and rate-limit logs from the store.
func (admin *administrator) restore(ctx context.Context) error {
	records, err := admin.store.LoadSightings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sightings: %w", err)
	}
	restored := admin.index.Restore(records)

	logs, err := admin.store.LoadActionLogs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load action logs: %w", err)
	}
	admin.limiter.Restore(logs)

	logger.Log.Info("Restored persisted state",
		zap.Int("sightings", restored),
		zap.Int("stored_sightings", len(records)),
		zap.Int("subreddits_with_actions", len(logs)))
	return nil
}

// Re-reads the policy file. A broken file keeps the previous policies.
func (admin *administrator) loadPolicies() {
	policies, err := config.LoadPolicies(admin.cfg.PoliciesPath)
	if err != nil {
		logger.Log.Error("Failed to load policies, keeping previous", zap.Error(err))
		return
	}
	admin.policies.Store(&policies)
}

func (admin *administrator) Run(ctx context.Context) {
	interval := admin.cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := admin.RunCycle(ctx, admin.clock()); err != nil && ctx.Err() == nil {
			logger.Log.Error("Cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (admin *administrator) RunCycle(ctx context.Context, now time.Time) error {
	admin.cycleMu.Lock()
	defer admin.cycleMu.Unlock()

	if !now.Before(admin.nextEviction) {
		admin.Evict(ctx, now)
		admin.nextEviction = admin.schedule.Next(now)
	}

	admin.loadPolicies()
	fetched := admin.fetch(ctx)

	subreddits := make([]string, 0, len(fetched))
	for sub := range fetched {
		subreddits = append(subreddits, sub)
	}
	sort.Strings(subreddits)

	for _, sub := range subreddits {
		admin.enqueue(sub, fetched[sub])
	}

	if err := admin.workerPool.WaitIdle(ctx); err != nil {
		return err
	}

	if err := admin.store.SaveActionLogs(ctx, admin.limiter.Snapshot()); err != nil {
		logger.Log.Warn("Failed to persist action logs", zap.Error(err))
	}
	metrics.IndexSightings.Set(float64(admin.index.Len()))
	return nil
}

// Pulls new posts for every configured subreddit. Feed failures skip the
// subreddit until the next cycle.
func (admin *administrator) fetch(ctx context.Context) map[string][]models.Post {
	var mu sync.Mutex
	fetched := make(map[string][]models.Post)

	p := pool.New().WithMaxGoroutines(maxParallelFetch)
	for sub := range *admin.policies.Load() {
		sub := sub
		since := admin.cursors[sub]
		p.Go(func() {
			posts, err := admin.feed.NextPosts(ctx, sub, since)
			if err != nil {
				metrics.FetchFailures.Inc()
				logger.Log.Warn("Fetch failed, retrying next cycle",
					zap.String("subreddit", sub),
					zap.Error(err))
				return
			}
			mu.Lock()
			fetched[sub] = posts
			mu.Unlock()
		})
	}
	p.Wait()
	return fetched
}

// Queues posts in feed order. The cursor stops at the first post the queue
// rejects so it is fetched again next cycle.
func (admin *administrator) enqueue(sub string, posts []models.Post) {
	for _, post := range posts {
		if err := admin.workerPool.Submit(post); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				metrics.PostsSkipped.WithLabelValues("queue_full").Inc()
				logger.Log.Warn("Queue full, deferring rest of subreddit",
					zap.String("subreddit", sub),
					zap.String("post_id", post.ID))
			}
			return
		}
		if post.CreatedAt.After(admin.cursors[sub]) {
			admin.cursors[sub] = post.CreatedAt
		}
	}
}

func (admin *administrator) Evict(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-admin.cfg.Retention)
	evicted := admin.index.Evict(cutoff)
	if len(evicted) == 0 {
		return 0
	}
	if err := admin.store.DeleteSightings(ctx, evicted); err != nil {
		logger.Log.Warn("Failed to delete evicted sightings", zap.Error(err))
	}
	logger.Log.Info("Evicted sightings",
		zap.Int("evicted", len(evicted)),
		zap.Time("cutoff", cutoff),
		zap.Int("remaining", admin.index.Len()))
	return len(evicted)
}

func (admin *administrator) ReloadTemplates() error {
	return admin.matcher.Reload(admin.cfg.TemplatesPath)
}

func (admin *administrator) Submit(post models.Post) error {
	return admin.workerPool.Submit(post)
}

func (admin *administrator) Classify(ctx context.Context, posts []models.Post) error {
	for _, post := range posts {
		if err := admin.Submit(post); err != nil {
			if !errors.Is(err, queue.ErrQueueFull) {
				return err
			}
			// Let the workers catch up, then retry once.
			if err := admin.workerPool.WaitIdle(ctx); err != nil {
				return err
			}
			if err := admin.Submit(post); err != nil {
				return err
			}
		}
	}
	return admin.workerPool.WaitIdle(ctx)
}

// Waits for the workers (their context must already be cancelled), then
// persists the rate-limit logs and closes the sink and store.
func (admin *administrator) Stop() {
	admin.stopOnce.Do(func() {
		logger.Log.Info("Beginning shutdown sequence")

		admin.serverMu.Lock()
		server := admin.server
		admin.serverMu.Unlock()
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := server.Shutdown(ctx); err != nil {
				logger.Log.Warn("HTTP server shutdown failed", zap.Error(err))
			}
			cancel()
		}

		logger.Log.Info("Waiting for worker pool to finish processing existing items")
		admin.workerPool.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.store.SaveActionLogs(ctx, admin.limiter.Snapshot()); err != nil {
			logger.Log.Warn("Failed to persist action logs", zap.Error(err))
		}
		if err := admin.sink.Close(); err != nil {
			logger.Log.Warn("Failed to close audit sink", zap.Error(err))
		}
		if err := admin.store.Close(); err != nil {
			logger.Log.Warn("Failed to close store", zap.Error(err))
		}
		logger.Log.Info("Administrator stopped gracefully")
	})
}

// Returns the current queue depth for health checks
func (admin *administrator) QueueDepth() int {
	return admin.queue.Length()
}

// Returns the number of workers for health checks
func (admin *administrator) WorkerCount() int {
	return admin.cfg.NumWorkers
}

func (admin *administrator) IndexSize() int {
	return admin.index.Len()
}

// Returns when the service was started for health checks
func (admin *administrator) StartTime() time.Time {
	return admin.startTime
}

func (admin *administrator) templateCount() int {
	if set := admin.matcher.Set(); set != nil {
		return set.Len()
	}
	return 0
}

func normalizeSubreddit(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
