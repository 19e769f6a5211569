package auditsink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/models"
)

func init() {
	logger.Log = zap.NewNop()
}

func elasticServer(t *testing.T, payloads chan<- []byte, failures int32) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if calls.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"unavailable"}`))
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("Failed to read request body: %v", err)
		}
		payloads <- body
		w.Write([]byte(`{"took":1,"errors":false,"items":[]}`))
	}))
}

func nonEmptyLines(payload []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func verdict(id string) models.Verdict {
	return models.Verdict{ID: id, PostID: "p-" + id, Subreddit: "pics", Category: models.RepostSuspect, Confidence: 0.9, Action: models.ActionLog}
}

// Reaching the threshold flushes the buffered verdicts as one NDJSON bulk request.
func TestBulkIndexerFlushOnThreshold(t *testing.T) {
	payloads := make(chan []byte, 1)
	server := elasticServer(t, payloads, 0)
	defer server.Close()

	indexer, err := NewBulkIndexer(server.URL, "verdicts", 2, time.Minute, 0)
	if err != nil {
		t.Fatalf("Failed to create indexer: %v", err)
	}
	defer indexer.Close()

	indexer.Record(verdict("v1"))
	indexer.Record(verdict("v2"))

	select {
	case payload := <-payloads:
		lines := nonEmptyLines(payload)
		if len(lines) != 4 {
			t.Fatalf("Expected 4 NDJSON lines, got %d", len(lines))
		}
		var meta map[string]map[string]string
		if err := json.Unmarshal([]byte(lines[0]), &meta); err != nil {
			t.Fatalf("Invalid meta line: %v", err)
		}
		if meta["index"]["_id"] != "v1" {
			t.Errorf("Expected verdict id as document id, got %v", meta)
		}
		var doc models.Verdict
		if err := json.Unmarshal([]byte(lines[1]), &doc); err != nil {
			t.Fatalf("Invalid document line: %v", err)
		}
		if doc.PostID != "p-v1" || doc.Category != models.RepostSuspect {
			t.Errorf("Unexpected document %+v", doc)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for bulk flush")
	}
}

func TestBulkIndexerRetries(t *testing.T) {
	payloads := make(chan []byte, 1)
	server := elasticServer(t, payloads, 1)
	defer server.Close()

	indexer, err := NewBulkIndexer(server.URL, "verdicts", 1, time.Minute, 2)
	if err != nil {
		t.Fatalf("Failed to create indexer: %v", err)
	}
	defer indexer.Close()

	indexer.Record(verdict("v1"))
	select {
	case payload := <-payloads:
		if len(nonEmptyLines(payload)) != 2 {
			t.Errorf("Expected one document after retry")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for retried flush")
	}
}

func TestBulkIndexerCloseFlushesRemainder(t *testing.T) {
	payloads := make(chan []byte, 1)
	server := elasticServer(t, payloads, 0)
	defer server.Close()

	indexer, err := NewBulkIndexer(server.URL, "verdicts", 10, time.Minute, 0)
	if err != nil {
		t.Fatalf("Failed to create indexer: %v", err)
	}
	indexer.Record(verdict("v1"))
	if err := indexer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case payload := <-payloads:
		if len(nonEmptyLines(payload)) != 2 {
			t.Errorf("Expected the buffered verdict to be flushed")
		}
	default:
		t.Fatal("Expected Close to flush synchronously")
	}
}

type countingSink struct{ n int }

func (c *countingSink) Record(models.Verdict) { c.n++ }
func (c *countingSink) Close() error          { return nil }

func TestMultiSink(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	sink := Multi(LogSink{}, a, b)
	sink.Record(verdict("v1"))
	if a.n != 1 || b.n != 1 {
		t.Errorf("Expected fan-out to every sink, got %d and %d", a.n, b.n)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Unexpected close error: %v", err)
	}
}
