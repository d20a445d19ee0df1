package vad

import (
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestProcessor(t *testing.T, m *metrics.Metrics) *Processor {
	t.Helper()
	processor, err := NewProcessor(-40, 100, 1000, testLogger(), m)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}
	return processor
}

// frameWith builds a 1 kHz frame whose windows of 100 samples are loud where
// pattern is true and silent elsewhere
func frameWith(start time.Time, pattern []bool) *audio.Frame {
	samples := make([]int16, 0, len(pattern)*100)
	for _, loud := range pattern {
		for i := 0; i < 100; i++ {
			var s int16
			if loud {
				s = int16(10000 * math.Sin(2*math.Pi*float64(i)/10))
			}
			samples = append(samples, s)
		}
	}
	return &audio.Frame{Timestamp: start, SampleRate: 1000, Samples: samples}
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float64
		windowSize int
		sampleRate int
		expectErr  bool
	}{
		{"valid parameters", -45, 512, 8000, false},
		{"threshold above full scale", 1, 512, 8000, true},
		{"threshold below floor", -200, 512, 8000, true},
		{"zero window", -45, 0, 8000, true},
		{"zero sample rate", -45, 512, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.windowSize, tt.sampleRate, testLogger(), nil)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestDBFS(t *testing.T) {
	if got := DBFS(make([]int16, 100)); got != MinDBFS {
		t.Errorf("Expected %v for silence, got %v", MinDBFS, got)
	}
	if got := DBFS(nil); got != MinDBFS {
		t.Errorf("Expected %v for no samples, got %v", MinDBFS, got)
	}

	full := []int16{32767, -32768, 32767, -32768}
	if got := DBFS(full); math.Abs(got) > 0.01 {
		t.Errorf("Expected about 0 dBFS for full scale square, got %v", got)
	}

	half := []int16{16384, -16384}
	if got := DBFS(half); math.Abs(got+6.02) > 0.01 {
		t.Errorf("Expected about -6.02 dBFS, got %v", got)
	}
	if got := PeakDBFS([]int16{0, -16384, 100}); math.Abs(got+6.02) > 0.01 {
		t.Errorf("Expected peak about -6.02 dBFS, got %v", got)
	}
}

func TestProcessSegments(t *testing.T) {
	processor := newTestProcessor(t, nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	result, err := processor.Process(frameWith(start, []bool{false, true, true, false, true}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !result.HasVoice {
		t.Error("Expected voice")
	}
	if result.Windows != 5 {
		t.Errorf("Expected 5 windows, got %d", result.Windows)
	}
	if math.Abs(result.VoiceRatio-0.6) > 1e-9 {
		t.Errorf("Expected voice ratio 0.6, got %v", result.VoiceRatio)
	}
	if len(result.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(result.Segments))
	}

	first := result.Segments[0]
	if !first.StartTime.Equal(start.Add(100*time.Millisecond)) || first.Duration != 200*time.Millisecond {
		t.Errorf("Unexpected first segment %+v", first)
	}
	second := result.Segments[1]
	if !second.EndTime.Equal(start.Add(500 * time.Millisecond)) {
		t.Errorf("Expected second segment to end with the frame, got %v", second.EndTime)
	}
}

func TestProcessSilence(t *testing.T) {
	processor := newTestProcessor(t, nil)
	result, err := processor.Process(frameWith(time.Now(), []bool{false, false}))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.HasVoice || len(result.Segments) != 0 || result.LevelDBFS != MinDBFS {
		t.Errorf("Expected silent result, got %+v", result)
	}
}

func TestProcessShortLastWindow(t *testing.T) {
	processor := newTestProcessor(t, nil)
	frame := &audio.Frame{Timestamp: time.Now(), SampleRate: 1000, Samples: make([]int16, 250)}

	result, err := processor.Process(frame)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Windows != 3 {
		t.Errorf("Expected 3 windows, got %d", result.Windows)
	}
}

func TestProcessEmptyFrame(t *testing.T) {
	processor := newTestProcessor(t, nil)
	if _, err := processor.Process(&audio.Frame{SampleRate: 1000}); err == nil {
		t.Error("Expected error for empty frame")
	}
	if _, err := processor.Process(nil); err == nil {
		t.Error("Expected error for nil frame")
	}
}

func TestConsumeFrameRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	processor := newTestProcessor(t, m)

	start := time.Now()
	processor.ConsumeFrame(frameWith(start, []bool{true}))
	processor.ConsumeFrame(frameWith(start, []bool{false}))

	if got := testutil.ToFloat64(m.FramesLevelScored); got != 2 {
		t.Errorf("Expected 2 scored frames, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesWithVoice); got != 1 {
		t.Errorf("Expected 1 voiced frame, got %v", got)
	}

	stats := processor.GetStats()
	if stats.TotalFrames != 2 || stats.VoiceFrames != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.LastLevelDBFS == nil || *stats.LastLevelDBFS != MinDBFS {
		t.Errorf("Expected last level to be silence, got %v", stats.LastLevelDBFS)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice windows, got %v", stats.VoicePercentage)
	}
}

func TestUpdateThreshold(t *testing.T) {
	processor := newTestProcessor(t, nil)
	frame := frameWith(time.Now(), []bool{true})

	// A 10000 peak sine sits around -13 dBFS.
	if err := processor.UpdateThreshold(-5); err != nil {
		t.Fatalf("UpdateThreshold failed: %v", err)
	}
	result, _ := processor.Process(frame)
	if result.HasVoice {
		t.Error("Expected no voice above -5 dBFS")
	}

	if err := processor.UpdateThreshold(10); err == nil {
		t.Error("Expected error for positive threshold")
	}
	if processor.GetThreshold() != -5 {
		t.Errorf("Expected threshold to stay -5, got %v", processor.GetThreshold())
	}
}

func TestProcessorReset(t *testing.T) {
	processor := newTestProcessor(t, nil)
	processor.Process(frameWith(time.Now(), []bool{true, false}))
	processor.Reset()

	stats := processor.GetStats()
	if stats.TotalFrames != 0 || stats.TotalWindows != 0 || stats.LastLevelDBFS != nil {
		t.Errorf("Expected cleared stats, got %+v", stats)
	}
}

func TestConcurrentProcessing(t *testing.T) {
	processor := newTestProcessor(t, nil)
	frame := frameWith(time.Now(), []bool{true, false, true})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := processor.ConsumeFrame(frame); err != nil {
					t.Errorf("ConsumeFrame failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := processor.GetStats().TotalFrames; got != 100 {
		t.Errorf("Expected 100 frames, got %d", got)
	}
}
