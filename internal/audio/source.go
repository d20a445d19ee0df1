package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// ErrSourceClosed is returned by Read after Close
var ErrSourceClosed = errors.New("audio source closed")

// Source produces mono PCM-16 samples on demand. Read may return fewer
// samples than len(buf), including zero; any error is permanent.
type Source interface {
	Read(buf []int16) (int, error)
	Close() error
}

// ToneSource generates a sine wave, optionally paced to real time
type ToneSource struct {
	frequency   float64
	sampleRate  int
	amplitude   float64
	realtime    bool
	sampleIndex uint64
	started     time.Time
	closed      bool
	mu          sync.Mutex
}

// NewToneSource creates a sine source at frequency Hz
func NewToneSource(sampleRate int, frequency float64, realtime bool) *ToneSource {
	return &ToneSource{
		frequency:  frequency,
		sampleRate: sampleRate,
		amplitude:  0.5 * math.MaxInt16,
		realtime:   realtime,
	}
}

// Read fills buf with the next samples of the tone
func (s *ToneSource) Read(buf []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSourceClosed
	}

	if s.realtime {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		due := s.started.Add(SamplesDuration(int(s.sampleIndex)+len(buf), s.sampleRate))
		if wait := time.Until(due); wait > 0 {
			time.Sleep(wait)
		}
	}

	for i := range buf {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.sampleRate)
		buf[i] = int16(s.amplitude * math.Sin(2*math.Pi*s.frequency*t))
	}
	s.sampleIndex += uint64(len(buf))

	return len(buf), nil
}

// SampleRate returns the tone's sample rate
func (s *ToneSource) SampleRate() int {
	return s.sampleRate
}

// Close stops the source
func (s *ToneSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WAVSource plays back a mono PCM-16 WAV file. It returns io.EOF once the
// data is exhausted unless loop is set.
type WAVSource struct {
	samples    []int16
	sampleRate int
	pos        int
	loop       bool
	closed     bool
	mu         sync.Mutex
}

// OpenWAVSource loads path into memory
func OpenWAVSource(path string, loop bool) (*WAVSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wav file %s: %w", path, err)
	}

	samples, sampleRate, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav file %s: %w", path, err)
	}

	return &WAVSource{samples: samples, sampleRate: sampleRate, loop: loop}, nil
}

// Read copies the next samples of the file into buf
func (s *WAVSource) Read(buf []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSourceClosed
	}

	if s.pos >= len(s.samples) {
		if !s.loop {
			return 0, io.EOF
		}
		s.pos = 0
	}

	n := copy(buf, s.samples[s.pos:])
	s.pos += n
	return n, nil
}

// SampleRate returns the file's sample rate
func (s *WAVSource) SampleRate() int {
	return s.sampleRate
}

// Close releases the source
func (s *WAVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
