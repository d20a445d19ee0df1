package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/simplelife2010/AIM/internal/metrics"
)

// ChunkerState represents the current state of the capture loop
type ChunkerState int32

const (
	StateIdle ChunkerState = iota
	StateCapturing
	StateStopped
	StateFailed
)

func (s ChunkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyRunning is returned when a second capture loop is started
	ErrAlreadyRunning = errors.New("capture already running")

	// ErrCaptureFailed wraps the permanent source error that ended a capture loop
	ErrCaptureFailed = errors.New("capture failed")
)

// Drainer is implemented by sources that buffer samples ahead of the reader.
type Drainer interface {
	Drain() int
}

// ChunkingConfig contains the frame geometry
type ChunkingConfig struct {
	SamplesPerFrame int
	ChunkSize       int // max samples requested per read
	SampleRate      int
	Now             func() time.Time
	Metrics         *metrics.Metrics
}

// Validate checks the frame geometry
func (c ChunkingConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.SamplesPerFrame <= 0 {
		return fmt.Errorf("samples per frame must be positive, got %d", c.SamplesPerFrame)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	return nil
}

// EmitFunc receives every completed frame. The frame must not be modified.
type EmitFunc func(*Frame)

// Chunker reassembles fixed-length frames from a sample stream. It is either
// pumped by Run, which pulls bounded chunks from a Source, or fed by a push
// source through Deliver. Only one of the two may be active at a time.
type Chunker struct {
	config ChunkingConfig
	source Source
	emit   EmitFunc
	logger *slog.Logger

	// Capture cursor, owned by the active capture goroutine
	frame      []int16
	offset     int
	frameStart time.Time

	running atomic.Bool
	stop    atomic.Bool
	state   atomic.Int32

	// Statistics
	reads      atomic.Uint64
	shortReads atomic.Uint64
	frames     atomic.Uint64
	samples    atomic.Uint64
	pending    atomic.Int64
	lastFrame  atomic.Int64 // unix nanos of the last emitted frame
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	State           string    `json:"state"`
	SamplesPerFrame int       `json:"samples_per_frame"`
	ChunkSize       int       `json:"chunk_size_samples"`
	Reads           uint64    `json:"reads"`
	ShortReads      uint64    `json:"short_reads"`
	Frames          uint64    `json:"frames"`
	Samples         uint64    `json:"samples"`
	PendingSamples  int64     `json:"pending_samples"`
	LastFrame       time.Time `json:"last_frame,omitempty"`
}

// NewChunker creates a chunker. source may be nil when the chunker is only fed through Deliver.
func NewChunker(config ChunkingConfig, source Source, emit EmitFunc, logger *slog.Logger) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunking config: %w", err)
	}
	if emit == nil {
		return nil, fmt.Errorf("emit func cannot be nil")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Chunker{
		config: config,
		source: source,
		emit:   emit,
		logger: logger,
		frame:  make([]int16, config.SamplesPerFrame),
	}, nil
}

// Capture performs one bounded read and emits the frame if it completed.
// A short read, including zero samples, is not an error.
func (c *Chunker) Capture() (bool, error) {
	if c.frameStart.IsZero() {
		c.frameStart = c.config.Now()
	}

	remaining := c.config.SamplesPerFrame - c.offset
	want := min(remaining, c.config.ChunkSize)

	n, err := c.source.Read(c.frame[c.offset : c.offset+want])
	if n < 0 {
		return false, fmt.Errorf("source returned negative sample count %d", n)
	}
	n = min(n, want)

	c.reads.Add(1)
	if n < want {
		c.shortReads.Add(1)
	}
	c.config.Metrics.RecordRead(want, n)
	c.advance(n)

	emitted := false
	if c.offset >= c.config.SamplesPerFrame {
		c.emitFrame()
		c.frameStart = c.config.Now()
		emitted = true
	}

	return emitted, err
}

// Run primes the source and captures until Stop is called, ctx is done or
// the source fails. io.EOF from a finite source ends the loop without error.
func (c *Chunker) Run(ctx context.Context) error {
	if c.source == nil {
		return fmt.Errorf("chunker has no source to pump")
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.stop.Store(false)
	c.state.Store(int32(StateCapturing))

	if d, ok := c.source.(Drainer); ok {
		if dropped := d.Drain(); dropped > 0 {
			c.logger.Debug("Discarded samples buffered before capture start", slog.Int("samples", dropped))
		}
	}
	c.frameStart = c.config.Now()

	c.logger.Info("Capture started",
		slog.Int("samples_per_frame", c.config.SamplesPerFrame),
		slog.Int("chunk_size", c.config.ChunkSize),
		slog.Int("sample_rate", c.config.SampleRate),
	)

	for {
		if c.stop.Load() || ctx.Err() != nil {
			c.state.Store(int32(StateStopped))
			c.logger.Info("Capture stopped", slog.Uint64("frames", c.frames.Load()))
			return nil
		}

		if _, err := c.Capture(); err != nil {
			if errors.Is(err, io.EOF) {
				c.state.Store(int32(StateStopped))
				c.logger.Info("Capture source exhausted", slog.Uint64("frames", c.frames.Load()))
				return nil
			}
			c.state.Store(int32(StateFailed))
			c.config.Metrics.RecordCaptureError()
			return fmt.Errorf("%w: %w", ErrCaptureFailed, err)
		}
	}
}

// Stop asks the capture loop to return after the read in progress.
func (c *Chunker) Stop() {
	c.stop.Store(true)
}

// Deliver is the push-mode entry point: it appends samples that became
// available at now, emitting every frame they complete. A frame started
// inside a delivery is backdated by the duration of the samples in that
// delivery that follow its first sample, so its timestamp reflects when that
// sample arrived rather than when the notification ran.
func (c *Chunker) Deliver(samples []int16, now time.Time) (int, error) {
	if c.running.Load() {
		return 0, ErrAlreadyRunning
	}
	c.state.CompareAndSwap(int32(StateIdle), int32(StateCapturing))

	emitted := 0
	for len(samples) > 0 {
		if c.offset == 0 {
			c.frameStart = now.Add(-SamplesDuration(len(samples), c.config.SampleRate))
		}

		n := copy(c.frame[c.offset:], samples)
		samples = samples[n:]
		c.reads.Add(1)
		c.advance(n)

		if c.offset >= c.config.SamplesPerFrame {
			c.emitFrame()
			emitted++
		}
	}

	return emitted, nil
}

func (c *Chunker) advance(n int) {
	c.offset += n
	c.samples.Add(uint64(n))
	c.pending.Store(int64(c.offset))
}

// emitFrame hands the current buffer off and starts a fresh one, so the
// emitted samples are never written again.
func (c *Chunker) emitFrame() {
	frame := &Frame{
		Timestamp:  c.frameStart,
		SampleRate: c.config.SampleRate,
		Samples:    c.frame,
	}

	c.frame = make([]int16, c.config.SamplesPerFrame)
	c.offset = 0
	c.pending.Store(0)
	c.frames.Add(1)
	c.lastFrame.Store(frame.Timestamp.UnixNano())
	c.config.Metrics.RecordFrame()

	c.emit(frame)
}

// Offset returns the number of samples in the frame being assembled
func (c *Chunker) Offset() int {
	return int(c.pending.Load())
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	stats := ChunkerStats{
		State:           ChunkerState(c.state.Load()).String(),
		SamplesPerFrame: c.config.SamplesPerFrame,
		ChunkSize:       c.config.ChunkSize,
		Reads:           c.reads.Load(),
		ShortReads:      c.shortReads.Load(),
		Frames:          c.frames.Load(),
		Samples:         c.samples.Load(),
		PendingSamples:  c.pending.Load(),
	}
	if ns := c.lastFrame.Load(); ns != 0 {
		stats.LastFrame = time.Unix(0, ns).UTC()
	}
	return stats
}
