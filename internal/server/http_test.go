package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/simplelife2010/AIM/internal/config"
	"github.com/simplelife2010/AIM/internal/metrics"
	"github.com/simplelife2010/AIM/internal/store"
)

type fakeStatus struct {
	components map[string]string
	config     *config.Config
	artifacts  []store.Artifact
	listErr    error
	lastLimit  int
}

func (f *fakeStatus) Components() map[string]string { return f.components }
func (f *fakeStatus) Config() *config.Config         { return f.config }

func (f *fakeStatus) Stats() map[string]any {
	return map[string]any{"pipeline": map[string]any{"finalized": 3}}
}

func (f *fakeStatus) RecentArtifacts(limit int) ([]store.Artifact, error) {
	f.lastLimit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.artifacts[:min(limit, len(f.artifacts))], nil
}

func newTestServer(t *testing.T, status *fakeStatus) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHTTPServer(config.HTTPConfig{Address: "127.0.0.1", Port: 8080, Enabled: true}, status, reg, m, "test", logger)
	server := httptest.NewServer(h.Handler())
	t.Cleanup(server.Close)
	return server, m
}

func defaultStatus() *fakeStatus {
	cfg := config.Default()
	cfg.Publish.MQTT.Password = "hunter2"
	return &fakeStatus{
		components: map[string]string{"capture": "running", "pipeline": "running"},
		config:     cfg,
		artifacts: []store.Artifact{
			{Timestamp: time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC), Filename: "audio_2026-01-01Z00-00-20.000.wav"},
			{Timestamp: time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC), Filename: "audio_2026-01-01Z00-00-10.000.wav"},
		},
	}
}

func getJSON(t *testing.T, url string, expectedStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("Expected status %d, got %d", expectedStatus, resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	status := defaultStatus()
	server, m := newTestServer(t, status)

	body := getJSON(t, server.URL+"/health", http.StatusOK)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}

	status.components["capture"] = "failed"
	body = getJSON(t, server.URL+"/health", http.StatusServiceUnavailable)
	if body["status"] != "unhealthy" {
		t.Errorf("Expected unhealthy, got %v", body["status"])
	}

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "503")); got != 1 {
		t.Errorf("Expected one 503 request recorded, got %v", got)
	}
}

func TestStats(t *testing.T) {
	server, _ := newTestServer(t, defaultStatus())

	body := getJSON(t, server.URL+"/stats", http.StatusOK)
	if _, ok := body["pipeline"]; !ok {
		t.Error("Expected pipeline stats")
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("Expected uptime")
	}
}

func TestConfigIsRedacted(t *testing.T) {
	server, _ := newTestServer(t, defaultStatus())

	resp, err := http.Get(server.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if strings.Contains(string(data), "hunter2") {
		t.Error("Expected password to be redacted")
	}
	if !strings.Contains(string(data), "keep_count: 360") {
		t.Errorf("Expected YAML config, got %s", data)
	}
}

func TestArtifacts(t *testing.T) {
	status := defaultStatus()
	server, _ := newTestServer(t, status)

	body := getJSON(t, server.URL+"/artifacts?limit=1", http.StatusOK)
	if body["count"] != float64(1) {
		t.Errorf("Expected 1 artifact, got %v", body["count"])
	}

	getJSON(t, server.URL+"/artifacts?limit=100000", http.StatusOK)
	if status.lastLimit != maxArtifactLimit {
		t.Errorf("Expected limit clamped to %d, got %d", maxArtifactLimit, status.lastLimit)
	}

	resp, err := http.Get(server.URL + "/artifacts?limit=abc")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}

	status.listErr = errors.New("disk gone")
	resp, err = http.Get(server.URL + "/artifacts")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, m := newTestServer(t, defaultStatus())
	m.RecordFrame()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(data), "aim_frames_assembled_total 1") {
		t.Error("Expected frame counter in metrics output")
	}
}

func TestRootAndMethods(t *testing.T) {
	server, _ := newTestServer(t, defaultStatus())

	body := getJSON(t, server.URL+"/", http.StatusOK)
	if body["version"] != "test" {
		t.Errorf("Expected version test, got %v", body["version"])
	}

	resp, err := http.Get(server.URL + "/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Post(server.URL+"/health", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}
