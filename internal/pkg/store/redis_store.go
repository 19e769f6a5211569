package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/config"
	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/models"
)

// Keeps sightings in the hash "<prefix>:sightings" keyed by post id and
// action logs in "<prefix>:actions" keyed by subreddit, both as JSON.
type RedisStore struct {
	client       *redis.Client
	sightingsKey string
	actionsKey   string
}

// Creates a RedisStore and verifies the connection.
func NewRedisStore(cfg *config.Config) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword, // "" if no auth
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Log.Error("Failed to connect to Redis", zap.Error(err))
		_ = rdb.Close()
		return nil, err
	}

	logger.Log.Info("Connected to Redis successfully",
		zap.String("host", cfg.RedisHost),
		zap.String("port", cfg.RedisPort),
	)
	return newRedisStore(rdb, cfg.RedisKeyPrefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "karmaguard"
	}
	return &RedisStore{
		client:       client,
		sightingsKey: prefix + ":sightings",
		actionsKey:   prefix + ":actions",
	}
}

func (s *RedisStore) SaveSighting(ctx context.Context, record models.SightingRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.sightingsKey, record.PostID, payload).Err()
}

func (s *RedisStore) DeleteSightings(ctx context.Context, postIDs []string) error {
	if len(postIDs) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.sightingsKey, postIDs...).Err()
}

// Loads every stored sighting. Entries that fail to decode are skipped.
func (s *RedisStore) LoadSightings(ctx context.Context) ([]models.SightingRecord, error) {
	raw, err := s.client.HGetAll(ctx, s.sightingsKey).Result()
	if err != nil {
		return nil, err
	}
	records := make([]models.SightingRecord, 0, len(raw))
	for id, payload := range raw {
		var record models.SightingRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			logger.Log.Warn("Skipping undecodable sighting", zap.String("post_id", id), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	sortRecords(records)
	return records, nil
}

// Replaces the stored action logs with logs.
func (s *RedisStore) SaveActionLogs(ctx context.Context, logs map[string][]time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.actionsKey)
		for sub, times := range logs {
			payload, err := json.Marshal(times)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, s.actionsKey, sub, payload)
		}
		return nil
	})
	return err
}

func (s *RedisStore) LoadActionLogs(ctx context.Context) (map[string][]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, s.actionsKey).Result()
	if err != nil {
		return nil, err
	}
	logs := make(map[string][]time.Time, len(raw))
	for sub, payload := range raw {
		var times []time.Time
		if err := json.Unmarshal([]byte(payload), &times); err != nil {
			logger.Log.Warn("Skipping undecodable action log", zap.String("subreddit", sub), zap.Error(err))
			continue
		}
		logs[sub] = times
	}
	return logs, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
