package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/auditsink"
	"karmaguard/internal/pkg/gate"
	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/platform"
	"karmaguard/internal/pkg/processor"
	"karmaguard/internal/pkg/queue"
)

const pollInterval = 200 * time.Millisecond

// Resolves the policy in force for a subreddit.
type PolicySource func(subreddit string) gate.Policy

type Options struct {
	Workers   int
	Queue     *queue.Queue
	Processor processor.Processor
	Policies  PolicySource
	// Optional. Without an executor visible actions are recorded but never sent.
	Executor platform.Executor
	Sink     auditsink.Sink
	BotName  string
}

// Manages a pool of workers that classify queued posts in parallel
type WorkerPool struct {
	opts Options
	wg   conc.WaitGroup

	mu       sync.Mutex
	inFlight int
	idle     chan struct{}
}

// Creates a new worker pool with the specified number of workers
func NewWorkerPool(opts Options) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Policies == nil {
		opts.Policies = func(string) gate.Policy { return gate.DefaultPolicy() }
	}
	if opts.Sink == nil {
		opts.Sink = auditsink.LogSink{}
	}
	idle := make(chan struct{})
	close(idle)
	return &WorkerPool{opts: opts, idle: idle}
}

// Enqueues a post. Fails with queue.ErrQueueFull when the queue is at capacity.
func (wp *WorkerPool) Submit(post models.Post) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if err := wp.opts.Queue.Insert(post); err != nil {
		return err
	}
	if wp.inFlight == 0 {
		wp.idle = make(chan struct{})
	}
	wp.inFlight++
	return nil
}

func (wp *WorkerPool) done() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.inFlight--
	if wp.inFlight == 0 {
		close(wp.idle)
	}
}

// Blocks until every submitted post has been routed or ctx ends.
func (wp *WorkerPool) WaitIdle(ctx context.Context) error {
	wp.mu.Lock()
	idle := wp.idle
	wp.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launches the worker goroutines
func (wp *WorkerPool) Start(ctx context.Context) {
	logger.Log.Info("Starting worker pool", zap.Int("workers", wp.opts.Workers))

	for i := 0; i < wp.opts.Workers; i++ {
		id := i
		wp.wg.Go(func() { wp.runWorker(ctx, id) })
	}
}

// Blocks until all workers have finished
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// The main loop for each worker goroutine
func (wp *WorkerPool) runWorker(ctx context.Context, id int) {
	logger.Log.Info("Worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Worker received stop signal", zap.Int("worker_id", id))
			return
		default:
		}

		post, err := wp.opts.Queue.Remove()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-wp.opts.Queue.Ready():
			case <-time.After(pollInterval):
			}
			continue
		}

		wp.handle(ctx, id, post)
		wp.done()
	}
}

func (wp *WorkerPool) handle(ctx context.Context, id int, post models.Post) {
	verdict, err := wp.opts.Processor.Process(ctx, post, wp.opts.Policies(post.Subreddit))
	if err != nil {
		logSkip(id, post, err)
		return
	}

	if verdict.Action.Visible() && wp.opts.Executor != nil {
		verdict.ActionStatus = wp.execute(ctx, verdict)
	}

	if verdict.Action != models.ActionNone {
		wp.opts.Sink.Record(verdict)
	}
	logger.Log.Debug("Processed post",
		zap.Int("worker_id", id),
		zap.String("post_id", post.ID),
		zap.String("category", string(verdict.Category)),
		zap.String("action", string(verdict.Action)))
}

// Sends the action once. Failures are recorded, never retried.
func (wp *WorkerPool) execute(ctx context.Context, v models.Verdict) models.ActionStatus {
	var err error
	switch v.Action {
	case models.ActionComment:
		err = wp.opts.Executor.Comment(ctx, v.PostID, gate.CommentText(v, wp.opts.BotName))
	case models.ActionReport:
		err = wp.opts.Executor.Report(ctx, v.PostID, gate.ReportReason(v))
	}
	if err != nil {
		logger.Log.Warn("Action failed",
			zap.String("post_id", v.PostID),
			zap.String("action", string(v.Action)),
			zap.Error(err))
		return models.ActionAttemptedUnconfirmed
	}
	return models.ActionConfirmed
}

func logSkip(id int, post models.Post, err error) {
	fields := []zap.Field{zap.Int("worker_id", id), zap.String("post_id", post.ID), zap.Error(err)}
	switch {
	case errors.Is(err, models.ErrDuplicatePost), errors.Is(err, models.ErrFilteredPost):
		logger.Log.Debug("Skipped post", fields...)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Log.Debug("Post abandoned on shutdown", fields...)
	default:
		logger.Log.Warn("Failed to process post", fields...)
	}
}
