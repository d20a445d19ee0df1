package vad

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/metrics"
)

// MinDBFS is reported for digital silence
const MinDBFS = -120.0

// Processor measures the level of every frame and flags frames that contain
// sound above a threshold. Frames are split into fixed windows; a window has
// voice when its RMS level reaches the threshold.
type Processor struct {
	threshold  float64 // dBFS
	windowSize int     // samples per window
	sampleRate int

	logger  *slog.Logger
	metrics *metrics.Metrics

	// Statistics
	totalFrames   uint64
	voiceFrames   uint64
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time
	last          *Result

	mu sync.RWMutex
}

// Result represents the level measurement of one frame
type Result struct {
	FrameTimestamp time.Time      `json:"frame_timestamp"`
	LevelDBFS      float64        `json:"level_dbfs"`
	PeakDBFS       float64        `json:"peak_dbfs"`
	HasVoice       bool           `json:"has_voice"`
	VoiceRatio     float64        `json:"voice_ratio"`
	Windows        int            `json:"windows"`
	Segments       []VoiceSegment `json:"segments,omitempty"`
	ProcessingTime time.Duration  `json:"processing_time"`
}

// VoiceSegment represents a run of consecutive voiced windows inside a frame
type VoiceSegment struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	PeakDBFS  float64       `json:"peak_dbfs"`
}

// ProcessorStats represents level meter statistics
type ProcessorStats struct {
	ThresholdDBFS   float64   `json:"threshold_dbfs"`
	WindowSize      int       `json:"window_size"`
	TotalFrames     uint64    `json:"total_frames"`
	VoiceFrames     uint64    `json:"voice_frames"`
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	LastLevelDBFS   *float64  `json:"last_level_dbfs,omitempty"`
}

// NewProcessor creates a level meter
func NewProcessor(thresholdDBFS float64, windowSize, sampleRate int, logger *slog.Logger, m *metrics.Metrics) (*Processor, error) {
	if thresholdDBFS > 0 || thresholdDBFS < MinDBFS {
		return nil, fmt.Errorf("threshold must be between %.0f and 0 dBFS, got %.1f", MinDBFS, thresholdDBFS)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  thresholdDBFS,
		windowSize: windowSize,
		sampleRate: sampleRate,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Process measures one frame. The last window may be shorter than the others.
func (p *Processor) Process(frame *audio.Frame) (*Result, error) {
	startTime := time.Now()

	if frame == nil || len(frame.Samples) == 0 {
		return nil, fmt.Errorf("cannot measure an empty frame")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result := &Result{
		FrameTimestamp: frame.Timestamp,
		LevelDBFS:      DBFS(frame.Samples),
		PeakDBFS:       PeakDBFS(frame.Samples),
	}

	var current *VoiceSegment
	voiced := 0
	for offset := 0; offset < len(frame.Samples); offset += p.windowSize {
		end := min(offset+p.windowSize, len(frame.Samples))
		window := frame.Samples[offset:end]
		windowStart := frame.Timestamp.Add(audio.SamplesDuration(offset, frame.SampleRate))
		windowEnd := frame.Timestamp.Add(audio.SamplesDuration(end, frame.SampleRate))

		result.Windows++
		level := DBFS(window)
		if level < p.threshold {
			if current != nil {
				result.Segments = append(result.Segments, *current)
				current = nil
			}
			continue
		}

		voiced++
		peak := PeakDBFS(window)
		if current == nil {
			current = &VoiceSegment{StartTime: windowStart, PeakDBFS: peak}
		}
		current.EndTime = windowEnd
		current.Duration = current.EndTime.Sub(current.StartTime)
		current.PeakDBFS = math.Max(current.PeakDBFS, peak)
	}
	if current != nil {
		result.Segments = append(result.Segments, *current)
	}

	result.HasVoice = voiced > 0
	result.VoiceRatio = float64(voiced) / float64(result.Windows)
	result.ProcessingTime = time.Since(startTime)

	p.totalFrames++
	p.totalWindows += uint64(result.Windows)
	p.voiceWindows += uint64(voiced)
	if result.HasVoice {
		p.voiceFrames++
	}
	p.lastProcessed = time.Now()
	p.last = result

	return result, nil
}

// ConsumeFrame measures frame as a fan-out consumer
func (p *Processor) ConsumeFrame(frame *audio.Frame) error {
	result, err := p.Process(frame)
	if err != nil {
		return err
	}

	p.metrics.RecordLevel(result.LevelDBFS, result.HasVoice)
	p.logger.Debug("Frame level measured",
		slog.Time("frame_timestamp", result.FrameTimestamp),
		slog.Float64("level_dbfs", result.LevelDBFS),
		slog.Bool("has_voice", result.HasVoice),
		slog.Int("segments", len(result.Segments)),
	)
	return nil
}

// DBFS returns the RMS level of samples relative to full scale
func DBFS(samples []int16) float64 {
	if len(samples) == 0 {
		return MinDBFS
	}

	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(energy / float64(len(samples)))
	return toDBFS(rms)
}

// PeakDBFS returns the peak level of samples relative to full scale
func PeakDBFS(samples []int16) float64 {
	var peak float64
	for _, sample := range samples {
		peak = math.Max(peak, math.Abs(float64(sample)))
	}
	return toDBFS(peak)
}

func toDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return MinDBFS
	}
	return math.Max(20*math.Log10(amplitude/32768.0), MinDBFS)
}

// GetStats returns current level meter statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	stats := ProcessorStats{
		ThresholdDBFS:   p.threshold,
		WindowSize:      p.windowSize,
		TotalFrames:     p.totalFrames,
		VoiceFrames:     p.voiceFrames,
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
	}
	if p.last != nil {
		level := p.last.LevelDBFS
		stats.LastLevelDBFS = &level
	}
	return stats
}

// UpdateThreshold updates the voice threshold
func (p *Processor) UpdateThreshold(thresholdDBFS float64) error {
	if thresholdDBFS > 0 || thresholdDBFS < MinDBFS {
		return fmt.Errorf("threshold must be between %.0f and 0 dBFS, got %.1f", MinDBFS, thresholdDBFS)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.threshold = thresholdDBFS
	return nil
}

// GetThreshold returns the current voice threshold in dBFS
func (p *Processor) GetThreshold() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// Reset clears the statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalFrames = 0
	p.voiceFrames = 0
	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastProcessed = time.Time{}
	p.last = nil
}
