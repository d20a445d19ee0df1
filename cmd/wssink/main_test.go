package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/simplelife2010/AIM/internal/publish"
	"github.com/simplelife2010/AIM/internal/store"
)

func TestSinkReceivesPublishedArtifact(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	outDir := t.TempDir()
	s := newSink(outDir, logger)

	server := httptest.NewServer(http.HandlerFunc(s.handleIngest))
	defer server.Close()

	artifactPath := filepath.Join(t.TempDir(), "audio_2026-01-01Z00-00-00.000.wav")
	if err := os.WriteFile(artifactPath, []byte("RIFF....WAVE"), 0o644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	artifact := &store.Artifact{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Filename:  filepath.Base(artifactPath),
		Path:      artifactPath,
		SizeBytes: 12,
		Container: "wav",
		Codec:     "pcm",
	}

	payload, err := publish.NewPayload(artifact, publish.AudioFormat{SampleRate: 8000, Channels: 1, BitDepth: 16}, time.Now())
	if err != nil {
		t.Fatalf("NewPayload failed: %v", err)
	}
	data, err := payload.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	transport, err := publish.NewWebSocketTransport(publish.WebSocketConfig{
		URL:        "ws" + strings.TrimPrefix(server.URL, "http"),
		BufferSize: 4,
	}, logger)
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}
	defer transport.Close()

	if err := transport.Publish("aim/dev/recorder/audio", data); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.received.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the sink to receive the artifact")
		}
		time.Sleep(10 * time.Millisecond)
	}

	written, err := os.ReadFile(filepath.Join(outDir, artifact.Filename))
	if err != nil {
		t.Fatalf("Expected artifact written to output dir: %v", err)
	}
	if string(written) != "RIFF....WAVE" {
		t.Errorf("Expected artifact bytes to round trip, got %q", written)
	}
}

func TestSinkRejectsMalformedMessage(t *testing.T) {
	s := newSink("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.handleMessage([]byte("not json")); err == nil {
		t.Error("Expected error for malformed envelope")
	}
	if err := s.handleMessage([]byte(`{"topic":"t","payload":{"metrics":{"data":"%%%"}}}`)); err == nil {
		t.Error("Expected error for invalid base64 data")
	}
}
