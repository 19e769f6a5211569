package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"karmaguard/internal/pkg/administrator"
	"karmaguard/internal/pkg/config"
	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/store"
)

func scanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <posts.json>",
		Short: "Classify a JSON array of posts offline and print the flagged verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if err := logger.InitLogger(cfg.LogLevel); err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			scanned, flagged, err := scan(cmd.Context(), cfg, f, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "scanned %d posts, %d flagged\n", scanned, flagged)
			return nil
		},
	}
}

// Prints each verdict as one JSON line.
type jsonLineSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	n   int
}

func (s *jsonLineSink) Record(v models.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err == nil {
		s.n++
	}
}

func (s *jsonLineSink) Close() error { return nil }

// Runs posts through a fresh in-memory pipeline in creation order. Nothing is
// sent to the platform and nothing is persisted.
func scan(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (int, int, error) {
	var posts []models.Post
	if err := json.NewDecoder(in).Decode(&posts); err != nil {
		return 0, 0, fmt.Errorf("failed to decode posts: %w", err)
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})

	scanCfg := *cfg
	scanCfg.NumWorkers = 1
	if scanCfg.QueueCapacity < len(posts) {
		scanCfg.QueueCapacity = len(posts)
	}
	if scanCfg.QueueCapacity <= 0 {
		scanCfg.QueueCapacity = 1
	}
	sink := &jsonLineSink{enc: json.NewEncoder(out)}

	admin, err := administrator.New(&scanCfg,
		administrator.WithFeed(noFeed{}),
		administrator.WithExecutor(nil),
		administrator.WithStore(store.NewMemoryStore()),
		administrator.WithSink(sink))
	if err != nil {
		return 0, 0, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := admin.Start(ctx); err != nil {
		return 0, 0, err
	}
	if err := admin.Classify(ctx, posts); err != nil {
		return 0, 0, err
	}
	cancel()
	admin.Stop()
	return len(posts), sink.n, nil
}

type noFeed struct{}

func (noFeed) NextPosts(context.Context, string, time.Time) ([]models.Post, error) {
	return nil, nil
}
