package encoder

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/metrics"
	"github.com/simplelife2010/AIM/internal/store"
)

func newTestPipeline(t *testing.T, m *metrics.Metrics) (*Pipeline, chan *store.Artifact) {
	t.Helper()
	settings := wavSettings(8000)
	settings.InputSlotBytes = 512

	p, err := NewPipeline(PipelineConfig{
		Settings:   settings,
		Root:       t.TempDir(),
		FilePrefix: "audio",
		Metrics:    m,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	artifacts := make(chan *store.Artifact, 8)
	p.Subscribe("test", ArtifactConsumerFunc(func(a *store.Artifact) {
		artifacts <- a
	}))
	return p, artifacts
}

func testFrame(ts time.Time, n int) *audio.Frame {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	return &audio.Frame{Timestamp: ts, SampleRate: 8000, Samples: samples}
}

func TestPipelineEncodesEveryFrame(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	p, artifacts := newTestPipeline(t, m)

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := p.ConsumeFrame(testFrame(base.Add(time.Duration(i)*time.Second), 8000)); err != nil {
			t.Fatalf("ConsumeFrame failed: %v", err)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case a := <-artifacts:
			seen[a.Filename] = true
			if a.Container != ContainerWAV || a.Codec != CodecPCM {
				t.Errorf("Unexpected container/codec %s/%s", a.Container, a.Codec)
			}
			if a.SizeBytes != int64(audio.WAVHeaderSize+16000) {
				t.Errorf("Expected size %d, got %d", audio.WAVHeaderSize+16000, a.SizeBytes)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for artifact %d", i)
		}
	}
	if len(seen) != 3 {
		t.Errorf("Expected 3 distinct artifacts, got %d", len(seen))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stats := p.GetStats()
	if stats.Finalized != 3 || stats.Failed != 0 || stats.ActiveSessions != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if got := testutil.ToFloat64(m.Sessions.WithLabelValues("finalized")); got != 3 {
		t.Errorf("Expected 3 finalized sessions in metrics, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("Expected 0 active sessions, got %v", got)
	}

	if err := p.ConsumeFrame(testFrame(base, 10)); !errors.Is(err, ErrPipelineStopped) {
		t.Errorf("Expected ErrPipelineStopped, got %v", err)
	}
}

func TestPipelineAbortedSessionLeavesNoFile(t *testing.T) {
	settings := wavSettings(8000)
	p, err := NewPipeline(PipelineConfig{
		Settings:   settings,
		Root:       t.TempDir(),
		FilePrefix: "audio",
		NewEncoder: func(s Settings) (SampleEncoder, error) {
			return &padEncoder{frameSize: 2, failAt: 3}, nil
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	frame := testFrame(ts, 64)
	if err := p.ConsumeFrame(frame); err != nil {
		t.Fatalf("ConsumeFrame failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if stats := p.GetStats(); stats.Failed != 1 || stats.Finalized != 0 {
		t.Errorf("Expected one failed session, got %+v", stats)
	}

	path := store.Layout{Root: p.layout.Root, Prefix: "audio", Ext: "wav"}.Path(ts)
	for _, candidate := range []string{path, path + store.PartSuffix} {
		if _, err := os.Stat(candidate); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be absent", candidate)
		}
	}
}

func TestPipelineRejectsSampleRateMismatch(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	frame := &audio.Frame{Timestamp: time.Now(), SampleRate: 44100, Samples: make([]int16, 10)}
	if err := p.ConsumeFrame(frame); err == nil {
		t.Error("Expected error for mismatched sample rate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}
}

func TestPipelineReconfigure(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	bad := p.Settings()
	bad.Codec = CodecOpus
	if err := p.Reconfigure(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
	if p.Settings().Codec != CodecPCM {
		t.Error("Expected rejected settings to leave the pipeline unchanged")
	}

	good := p.Settings()
	good.InputSlots = 4
	if err := p.Reconfigure(good); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if p.Settings().InputSlots != 4 {
		t.Errorf("Expected 4 input slots, got %d", p.Settings().InputSlots)
	}
}

func TestNewPipelineRejectsInvalidCombinations(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"ogg with pcm", func(s *Settings) { s.Container = ContainerOgg }},
		{"wav with opus", func(s *Settings) { s.Codec = CodecOpus }},
		{"opus at 44100", func(s *Settings) { s.Container, s.Codec, s.SampleRate, s.BitRate = ContainerOgg, CodecOpus, 44100, 64000 }},
		{"stereo", func(s *Settings) { s.Channels = 2 }},
		{"unknown container", func(s *Settings) { s.Container = "mp4" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := wavSettings(44100)
			tt.modify(&settings)

			_, err := NewPipeline(PipelineConfig{Settings: settings, Root: t.TempDir()}, testLogger())
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestPipelineStopAbortsOnTimeout(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	codec := newManualCodec(8)
	// The codec never signals, so the session stays open.
	p.newCodec = func(enc SampleEncoder, settings Settings) (Codec, error) {
		return codec, nil
	}

	if err := p.ConsumeFrame(testFrame(time.Now(), 400)); err != nil {
		t.Fatalf("ConsumeFrame failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if stats := p.GetStats(); stats.Failed != 1 || stats.ActiveSessions != 0 {
		t.Errorf("Expected the open session to be aborted, got %+v", stats)
	}
	if codec.released != 1 {
		t.Errorf("Expected codec released, got %d", codec.released)
	}
}
