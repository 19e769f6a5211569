package administrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/models"
	"karmaguard/internal/pkg/queue"
)

const maxBodyBytes = 4 << 20

// Administrative HTTP surface: push ingestion, template reload, health and
// Prometheus metrics.
func newRouter(admin *administrator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Post("/posts", func(writer http.ResponseWriter, request *http.Request) {
		posts, err := decodePosts(http.MaxBytesReader(writer, request.Body, maxBodyBytes))
		if err != nil {
			http.Error(writer, "failed to decode request", http.StatusBadRequest)
			logger.Log.Warn("Failed to decode pushed posts", zap.Error(err))
			return
		}

		accepted := 0
		for _, post := range posts {
			if err := admin.Submit(post); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, queue.ErrQueueFull) {
					status = http.StatusServiceUnavailable
				}
				writeJSON(writer, status, map[string]any{"accepted": accepted, "error": err.Error()})
				logger.Log.Warn("Failed to enqueue pushed post", zap.String("post_id", post.ID), zap.Error(err))
				return
			}
			accepted++
		}
		writeJSON(writer, http.StatusAccepted, map[string]any{"accepted": accepted})
	})

	r.Post("/reload", func(writer http.ResponseWriter, request *http.Request) {
		if err := admin.ReloadTemplates(); err != nil {
			writeJSON(writer, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(writer, http.StatusOK, map[string]any{"templates": admin.templateCount()})
	})

	// /metrics endpoint for Prometheus
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", func(writer http.ResponseWriter, request *http.Request) {
		health := struct {
			Status     string    `json:"status"`
			QueueDepth int       `json:"queue_depth"`
			Workers    int       `json:"workers"`
			Sightings  int       `json:"sightings"`
			Templates  int       `json:"templates"`
			Uptime     string    `json:"uptime"`
			StartTime  time.Time `json:"start_time"`
		}{
			Status:     "OK",
			QueueDepth: admin.QueueDepth(),
			Workers:    admin.WorkerCount(),
			Sightings:  admin.IndexSize(),
			Templates:  admin.templateCount(),
			Uptime:     time.Since(admin.StartTime()).String(),
			StartTime:  admin.StartTime(),
		}
		writeJSON(writer, http.StatusOK, health)
	})
	return r
}

// Accepts a single post object or an array of posts.
func decodePosts(body io.Reader) ([]models.Post, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	if raw[0] == '[' {
		var posts []models.Post
		err := json.Unmarshal(raw, &posts)
		return posts, err
	}
	var post models.Post
	if err := json.Unmarshal(raw, &post); err != nil {
		return nil, err
	}
	return []models.Post{post}, nil
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

// StartService serves the admin HTTP surface on port until Stop is called.
func (admin *administrator) StartService(port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(admin),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin.serverMu.Lock()
	admin.server = server
	admin.serverMu.Unlock()
	logger.Log.Info("HTTP admin service listening", zap.String("address", server.Addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
