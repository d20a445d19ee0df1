package audio

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestToneSource(t *testing.T) {
	src := NewToneSource(8000, 1000, false)

	buf := make([]int16, 16)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 16 {
		t.Fatalf("Expected 16 samples, got %d", n)
	}
	if buf[0] != 0 {
		t.Errorf("Expected tone to start at zero, got %d", buf[0])
	}
	// 1 kHz at 8 kHz peaks two samples in.
	if buf[2] < 16000 {
		t.Errorf("Expected positive peak at sample 2, got %d", buf[2])
	}

	src.Close()
	if _, err := src.Read(buf); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Expected ErrSourceClosed, got %v", err)
	}
}

func TestToneSourceRealtimePacing(t *testing.T) {
	src := NewToneSource(1000, 100, true)
	start := time.Now()

	buf := make([]int16, 50)
	for i := 0; i < 2; i++ {
		if _, err := src.Read(buf); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}

	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Expected reads paced to ~100ms, took %v", elapsed)
	}
}

func TestWAVSource(t *testing.T) {
	data, err := EncodeWAV([]int16{1, 2, 3, 4, 5}, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	src, err := OpenWAVSource(path, false)
	if err != nil {
		t.Fatalf("OpenWAVSource failed: %v", err)
	}
	if src.SampleRate() != 8000 {
		t.Errorf("Expected 8000 Hz, got %d", src.SampleRate())
	}

	buf := make([]int16, 3)
	if n, _ := src.Read(buf); n != 3 {
		t.Errorf("Expected 3 samples, got %d", n)
	}
	if n, _ := src.Read(buf); n != 2 {
		t.Errorf("Expected short read of 2, got %d", n)
	}
	if _, err := src.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}

	looped, err := OpenWAVSource(path, true)
	if err != nil {
		t.Fatalf("OpenWAVSource failed: %v", err)
	}
	big := make([]int16, 5)
	looped.Read(big)
	if n, err := looped.Read(big); err != nil || n != 5 || big[0] != 1 {
		t.Errorf("Expected looped source to restart, got n=%d err=%v first=%d", n, err, big[0])
	}
}

func TestFrameHelpers(t *testing.T) {
	f := &Frame{SampleRate: 8000, Samples: make([]int16, 4000)}
	if f.Duration() != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", f.Duration())
	}
	if len(f.Bytes()) != 8000 {
		t.Errorf("Expected 8000 bytes, got %d", len(f.Bytes()))
	}
	if SamplesDuration(441, 44100) != 10*time.Millisecond {
		t.Errorf("Expected 10ms, got %v", SamplesDuration(441, 44100))
	}
}
