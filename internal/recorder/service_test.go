package recorder

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/config"
	"github.com/simplelife2010/AIM/internal/encoder"
)

type fakeTransport struct {
	mu     sync.Mutex
	topics []string
	closed bool
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeArchive) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, aws.ToString(input.Key))
	return &manager.UploadOutput{Location: aws.ToString(input.Key)}, nil
}

func (f *fakeArchive) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.SampleRate = 8000
	cfg.Audio.FrameMs = 100
	cfg.Audio.ChunkMs = 20
	cfg.Audio.BufferMs = 100
	cfg.Storage.Root = t.TempDir()
	cfg.Retention.KeepCount = 100
	cfg.Retention.IntervalSec = 1
	cfg.Publish.Enabled = true
	cfg.Publish.MinIntervalMs = 0
	cfg.Archive.Enabled = true
	cfg.Archive.Bucket = "recordings"
	cfg.Archive.Region = "eu-central-1"
	cfg.HTTP.Enabled = false
	return cfg
}

type testService struct {
	*Service
	transport *fakeTransport
	archive   *fakeArchive
}

func newTestService(t *testing.T, cfg *config.Config, source audio.Source) *testService {
	t.Helper()
	transport := &fakeTransport{}
	archive := &fakeArchive{}

	svc, err := New(Options{
		Config:        cfg,
		Registry:      prometheus.NewRegistry(),
		Version:       "test",
		Source:        source,
		Transport:     transport,
		ArchiveClient: archive,
		NewEncoder:    encoder.NewSampleEncoder,
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return &testService{Service: svc, transport: transport, archive: archive}
}

// runUntil runs the service until at least frames artifacts are finalized
func runUntil(t *testing.T, svc *Service, frames uint64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for svc.Pipeline().GetStats().Finalized < frames {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d artifacts, got %d", frames, svc.Pipeline().GetStats().Finalized)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServicePumpMode(t *testing.T) {
	cfg := testConfig(t)
	svc := newTestService(t, cfg, audio.NewToneSource(8000, 440, true))

	runUntil(t, svc.Service, 3)

	stats := svc.Pipeline().GetStats()
	if stats.Failed != 0 {
		t.Errorf("Expected no failed sessions, got %d", stats.Failed)
	}
	if got := svc.transport.count(); uint64(got) != stats.Finalized {
		t.Errorf("Expected %d publishes, got %d", stats.Finalized, got)
	}
	if got := svc.archive.count(); uint64(got) != stats.Finalized {
		t.Errorf("Expected %d uploads, got %d", stats.Finalized, got)
	}
	if !svc.transport.closed {
		t.Error("Expected transport to be closed")
	}

	artifacts, err := svc.RecentArtifacts(0)
	if err != nil {
		t.Fatalf("RecentArtifacts failed: %v", err)
	}
	if uint64(len(artifacts)) != stats.Finalized {
		t.Errorf("Expected %d artifacts on disk, got %d", stats.Finalized, len(artifacts))
	}
	for _, a := range artifacts {
		// 100 ms at 8 kHz plus the WAV header
		if a.SizeBytes != 44+1600 {
			t.Errorf("Expected artifact size 1644, got %d", a.SizeBytes)
		}
	}

	m := svc.Metrics()
	if got := testutil.ToFloat64(m.FramesLevelScored); got < 3 {
		t.Errorf("Expected at least 3 metered frames, got %v", got)
	}

	components := svc.Components()
	if components["capture"] != StateStopped || components["encoder"] != StateStopped {
		t.Errorf("Expected capture and encoder stopped, got %v", components)
	}
}

func TestServiceNotifyMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.Mode = "notify"
	cfg.Archive.Enabled = false
	svc := newTestService(t, cfg, audio.NewToneSource(8000, 440, false))

	runUntil(t, svc.Service, 2)

	capture, ok := svc.Stats()["capture"].(audio.ChunkerStats)
	if !ok {
		t.Fatal("Expected capture stats")
	}
	if capture.Frames < 2 {
		t.Errorf("Expected at least 2 frames, got %d", capture.Frames)
	}
	if _, ok := svc.Stats()["archive"]; ok {
		t.Error("Expected no archive stats when archive is disabled")
	}
}

func TestServiceRunTwice(t *testing.T) {
	svc := newTestService(t, testConfig(t), audio.NewToneSource(8000, 440, true))
	svc.running.Store(true)

	if err := svc.Run(context.Background()); err != audio.ErrAlreadyRunning {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Options{}, testLogger()); err == nil {
		t.Error("Expected error for nil config")
	}

	cfg := testConfig(t)
	cfg.Encoder.Container = "ogg"
	if _, err := New(Options{Config: cfg}, testLogger()); err == nil {
		t.Error("Expected error for ogg with pcm")
	}
}

func TestReconfigure(t *testing.T) {
	svc := newTestService(t, testConfig(t), audio.NewToneSource(8000, 440, true))

	next := testConfig(t)
	next.Storage.Root = svc.Config().Storage.Root
	next.Retention.KeepCount = 5
	next.Publish.MinIntervalMs = 1500
	next.Meter.ThresholdDBFS = -30

	if err := svc.Reconfigure(next); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}

	if got := svc.sweeper.KeepCount(); got != 5 {
		t.Errorf("Expected keep count 5, got %d", got)
	}
	if got := svc.throttle.GetStats().MinIntervalMs; got != 1500 {
		t.Errorf("Expected min interval 1500, got %d", got)
	}
	if got := svc.meter.GetThreshold(); got != -30 {
		t.Errorf("Expected threshold -30, got %v", got)
	}
	if svc.Config() != next {
		t.Error("Expected new config to be current")
	}

	invalid := testConfig(t)
	invalid.Retention.KeepCount = -1
	if err := svc.Reconfigure(invalid); err == nil {
		t.Error("Expected error for invalid config")
	}
	if svc.Config() != next {
		t.Error("Expected config to be unchanged after a rejected reconfigure")
	}
}

func TestRestartSections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *config.Config)
		expected []string
	}{
		{"no change", func(c *config.Config) {}, nil},
		{"live settings only", func(c *config.Config) {
			c.Retention.KeepCount = 1
			c.Publish.MinIntervalMs = 1
			c.Meter.ThresholdDBFS = -10
			c.Encoder.BitRate = 32000
		}, nil},
		{"audio", func(c *config.Config) { c.Audio.FrameMs = 500 }, []string{"audio"}},
		{"sweep interval and broker", func(c *config.Config) {
			c.Retention.IntervalSec = 5
			c.Publish.MQTT.Broker = "tcp://broker:1883"
		}, []string{"retention", "publish"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := config.Default()
			next := config.Default()
			tt.mutate(next)

			got := restartSections(old, next)
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected sections %v, got %v", tt.expected, got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("Expected sections %v, got %v", tt.expected, got)
				}
			}
		})
	}
}
