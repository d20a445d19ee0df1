package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/metrics"
	"github.com/simplelife2010/AIM/internal/store"
)

// ErrPipelineStopped is returned for frames offered after Stop
var ErrPipelineStopped = errors.New("encoder pipeline stopped")

// ArtifactConsumer receives every finalized artifact
type ArtifactConsumer interface {
	ConsumeArtifact(a *store.Artifact)
}

// ArtifactConsumerFunc adapts a function to ArtifactConsumer
type ArtifactConsumerFunc func(a *store.Artifact)

func (f ArtifactConsumerFunc) ConsumeArtifact(a *store.Artifact) {
	f(a)
}

// PipelineConfig contains configuration for the encoder pipeline
type PipelineConfig struct {
	Settings   Settings
	Root       string
	FilePrefix string
	NewEncoder EncoderFactory
	NewMuxer   MuxerFactory
	Metrics    *metrics.Metrics
}

// Pipeline encodes every frame it consumes into its own artifact
type Pipeline struct {
	mu        sync.RWMutex
	settings  Settings
	layout    store.Layout
	consumers []namedConsumer
	sessions  map[string]*Session
	stopped   bool
	wg        sync.WaitGroup

	newEncoder EncoderFactory
	newMuxer   MuxerFactory
	newCodec   func(enc SampleEncoder, settings Settings) (Codec, error)
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	started      atomic.Uint64
	finalized    atomic.Uint64
	failed       atomic.Uint64
	bytesWritten atomic.Uint64
	lastArtifact atomic.Pointer[store.Artifact]
}

type namedConsumer struct {
	name     string
	consumer ArtifactConsumer
}

// PipelineStats represents encoder pipeline statistics
type PipelineStats struct {
	Settings       Settings        `json:"settings"`
	ActiveSessions int             `json:"active_sessions"`
	Started        uint64          `json:"sessions_started"`
	Finalized      uint64          `json:"artifacts_finalized"`
	Failed         uint64          `json:"sessions_failed"`
	BytesWritten   uint64          `json:"bytes_written"`
	Consumers      []string        `json:"artifact_consumers"`
	LastArtifact   *store.Artifact `json:"last_artifact,omitempty"`
}

// NewPipeline validates the settings and builds a pipeline. An unsupported
// codec, container or sample rate combination is a configuration error.
func NewPipeline(config PipelineConfig, logger *slog.Logger) (*Pipeline, error) {
	if config.NewEncoder == nil {
		config.NewEncoder = NewSampleEncoder
	}
	if config.NewMuxer == nil {
		config.NewMuxer = NewMuxer
	}
	if config.Root == "" {
		return nil, fmt.Errorf("%w: storage root cannot be empty", ErrInvalidConfig)
	}

	p := &Pipeline{
		layout:     store.Layout{Root: config.Root, Prefix: config.FilePrefix},
		sessions:   make(map[string]*Session),
		newEncoder: config.NewEncoder,
		newMuxer:   config.NewMuxer,
		newCodec:   newAsyncCodec,
		logger:     logger,
		metrics:    config.Metrics,
	}
	if err := p.Reconfigure(config.Settings); err != nil {
		return nil, err
	}

	return p, nil
}

// Reconfigure validates settings and applies them to sessions started later
func (p *Pipeline) Reconfigure(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if _, err := p.newEncoder(settings); err != nil {
		return fmt.Errorf("failed to create %s encoder: %w", settings.Codec, err)
	}

	p.mu.Lock()
	previous := p.settings
	p.settings = settings
	p.layout.Ext = settings.Extension()
	p.mu.Unlock()

	if previous != (Settings{}) && previous != settings {
		p.logger.Info("Encoder settings updated",
			slog.String("container", settings.Container),
			slog.String("codec", settings.Codec),
			slog.Int("bit_rate", settings.BitRate),
		)
	}
	return nil
}

// Subscribe registers a consumer for finalized artifacts
func (p *Pipeline) Subscribe(name string, consumer ArtifactConsumer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consumers = append(p.consumers, namedConsumer{name: name, consumer: consumer})
}

// ConsumeFrame starts a session for frame. It returns once the session is
// running; the artifact is delivered to subscribers when it is finalized.
func (p *Pipeline) ConsumeFrame(frame *audio.Frame) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPipelineStopped
	}
	settings := p.settings
	layout := p.layout
	p.wg.Add(1)
	p.mu.Unlock()

	session, err := p.newSession(frame, settings, layout)
	if err != nil {
		p.failed.Add(1)
		p.wg.Done()
		return err
	}

	p.mu.Lock()
	p.sessions[session.ID()] = session
	p.mu.Unlock()

	p.started.Add(1)
	p.metrics.RecordSessionStarted()

	if err := session.Start(); err != nil {
		return fmt.Errorf("failed to start encoder session: %w", err)
	}
	return nil
}

func (p *Pipeline) newSession(frame *audio.Frame, settings Settings, layout store.Layout) (*Session, error) {
	if frame.SampleRate != settings.SampleRate {
		return nil, fmt.Errorf("frame sample rate %d does not match encoder sample rate %d", frame.SampleRate, settings.SampleRate)
	}

	enc, err := p.newEncoder(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s encoder: %w", settings.Codec, err)
	}
	codec, err := p.newCodec(enc, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	return NewSession(SessionConfig{
		Frame:    frame,
		Settings: settings,
		Layout:   layout,
		Codec:    codec,
		NewMuxer: p.newMuxer,
		OnDone:   p.sessionDone,
		Logger:   p.logger,
	})
}

func newAsyncCodec(enc SampleEncoder, settings Settings) (Codec, error) {
	return NewAsyncCodec(enc, settings.InputSlots, settings.InputSlotBytes)
}

func (p *Pipeline) sessionDone(s *Session, artifact *store.Artifact, err error) {
	defer p.wg.Done()

	p.mu.Lock()
	delete(p.sessions, s.ID())
	consumers := p.consumers
	p.mu.Unlock()

	elapsed := s.Elapsed()

	if err != nil {
		p.failed.Add(1)
		p.metrics.RecordSessionFinished("aborted", elapsed.Seconds(), 0)
		p.logger.Warn("Encoder session aborted",
			slog.String("session_id", s.ID()),
			slog.String("path", s.Path()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.finalized.Add(1)
	p.bytesWritten.Add(uint64(artifact.SizeBytes))
	p.lastArtifact.Store(artifact)
	p.metrics.RecordSessionFinished("finalized", elapsed.Seconds(), artifact.SizeBytes)

	p.logger.Debug("Artifact finalized",
		slog.String("path", artifact.Path),
		slog.Int64("size_bytes", artifact.SizeBytes),
		slog.Duration("elapsed", elapsed),
	)

	for _, c := range consumers {
		p.deliver(c, artifact)
	}
}

func (p *Pipeline) deliver(c namedConsumer, artifact *store.Artifact) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Artifact consumer panicked",
				slog.String("consumer", c.name),
				slog.Any("panic", r),
			)
		}
	}()
	c.consumer.ConsumeArtifact(artifact)
}

// Stop rejects further frames and waits for open sessions to finalize.
// Sessions still open when ctx is done are aborted.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	open := len(p.sessions)
	p.mu.Unlock()

	p.logger.Info("Stopping encoder pipeline", slog.Int("open_sessions", open))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.mu.RLock()
	pending := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		pending = append(pending, s)
	}
	p.mu.RUnlock()

	for _, s := range pending {
		p.logger.Warn("Aborting unfinished encoder session",
			slog.String("session_id", s.ID()),
			slog.String("state", s.State().String()),
		)
		s.Abort(ErrPipelineStopped)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		p.logger.Error("Encoder sessions did not close after abort")
	}
	return ctx.Err()
}

// Settings returns the settings applied to new sessions
func (p *Pipeline) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// GetStats returns current pipeline statistics
func (p *Pipeline) GetStats() PipelineStats {
	p.mu.RLock()
	stats := PipelineStats{
		Settings:       p.settings,
		ActiveSessions: len(p.sessions),
		Consumers:      make([]string, 0, len(p.consumers)),
	}
	for _, c := range p.consumers {
		stats.Consumers = append(stats.Consumers, c.name)
	}
	p.mu.RUnlock()

	stats.Started = p.started.Load()
	stats.Finalized = p.finalized.Load()
	stats.Failed = p.failed.Load()
	stats.BytesWritten = p.bytesWritten.Load()
	stats.LastArtifact = p.lastArtifact.Load()
	return stats
}
