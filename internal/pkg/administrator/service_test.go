package administrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPostsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(t, ""), nil)
	server := httptest.NewServer(newRouter(h.admin))
	defer server.Close()

	single := `{"id":"a","author":"alice","subreddit":"pics","title":"Sunset","created_at":"2023-01-01T00:00:00Z"}`
	response, err := http.Post(server.URL+"/posts", "application/json", strings.NewReader(single))
	if err != nil {
		t.Fatalf("Failed to send POST request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", response.StatusCode)
	}

	batch := `[
		{"id":"b","author":"bob","subreddit":"pics","title":"Harbour lights","created_at":"2023-01-02T00:00:00Z"},
		{"id":"c","author":"carol","subreddit":"pics","title":"Morning fog","created_at":"2023-01-03T00:00:00Z"}
	]`
	response, err = http.Post(server.URL+"/posts", "application/json", strings.NewReader(batch))
	if err != nil {
		t.Fatalf("Failed to send POST request: %v", err)
	}
	var body struct {
		Accepted int `json:"accepted"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	response.Body.Close()
	if body.Accepted != 2 {
		t.Errorf("Expected 2 accepted, got %d", body.Accepted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.admin.workerPool.WaitIdle(ctx); err != nil {
		t.Fatalf("Expected queue to drain, got %v", err)
	}
	if h.admin.IndexSize() != 3 {
		t.Errorf("Expected 3 sightings, got %d", h.admin.IndexSize())
	}
}

func TestPostsEndpointRejectsGarbage(t *testing.T) {
	h := newHarness(t, testConfig(t, ""), nil)
	server := httptest.NewServer(newRouter(h.admin))
	defer server.Close()

	for _, payload := range []string{"", "not json", `{"id":`} {
		response, err := http.Post(server.URL+"/posts", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("Failed to send POST request: %v", err)
		}
		response.Body.Close()
		if response.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400 for %q, got %d", payload, response.StatusCode)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(t, ""), nil)
	server := httptest.NewServer(newRouter(h.admin))
	defer server.Close()

	response, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to send GET request: %v", err)
	}
	defer response.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health["status"] != "OK" {
		t.Errorf("Expected status OK, got %v", health["status"])
	}
	if health["workers"] != float64(2) {
		t.Errorf("Expected 2 workers, got %v", health["workers"])
	}
	if health["templates"] != float64(1) {
		t.Errorf("Expected 1 template, got %v", health["templates"])
	}
}

func TestReloadEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(t, ""), nil)
	server := httptest.NewServer(newRouter(h.admin))
	defer server.Close()

	response, err := http.Post(server.URL+"/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("Failed to send POST request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", response.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(t, ""), nil)
	server := httptest.NewServer(newRouter(h.admin))
	defer server.Close()

	response, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to send GET request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", response.StatusCode)
	}
}
