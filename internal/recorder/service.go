// Package recorder wires the capture path, the encoder pipeline and its
// artifact consumers, the retention sweeper and the status API into one
// supervised service.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/simplelife2010/AIM/internal/archive"
	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/config"
	"github.com/simplelife2010/AIM/internal/encoder"
	"github.com/simplelife2010/AIM/internal/encoder/opus"
	"github.com/simplelife2010/AIM/internal/fanout"
	"github.com/simplelife2010/AIM/internal/metrics"
	"github.com/simplelife2010/AIM/internal/publish"
	"github.com/simplelife2010/AIM/internal/retention"
	"github.com/simplelife2010/AIM/internal/server"
	"github.com/simplelife2010/AIM/internal/store"
	"github.com/simplelife2010/AIM/internal/vad"
)

const (
	pipelineStopTimeout = 10 * time.Second
	archiveDrainTimeout = 30 * time.Second
)

// Component states reported by Components
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateFailed   = "failed"
)

// Options contains everything needed to build a Service
type Options struct {
	Config     *config.Config
	ConfigPath string // watched for changes when set
	Registry   *prometheus.Registry
	Version    string

	// Overrides for the implementations selected by Config
	Source        audio.Source
	Transport     publish.Transport
	ArchiveClient archive.UploadAPI
	NewEncoder    encoder.EncoderFactory
}

// Service supervises all recorder components
type Service struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	cfg     atomic.Pointer[config.Config]
	chunker atomic.Pointer[audio.Chunker]

	bus       *fanout.Bus
	pipeline  *encoder.Pipeline
	meter     *vad.Processor
	transport publish.Transport
	throttle  *publish.Throttle
	uploader  *archive.Uploader
	sweeper   *retention.Sweeper
	http      *server.HTTPServer

	running    atomic.Bool
	mu         sync.RWMutex
	components map[string]string
}

// New builds the service. Nothing is captured until Run is called.
func New(opts Options, logger *slog.Logger) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if opts.NewEncoder == nil {
		opts.NewEncoder = opus.Factory
	}

	s := &Service{
		opts:       opts,
		logger:     logger,
		registry:   opts.Registry,
		metrics:    metrics.NewMetrics(opts.Registry),
		components: make(map[string]string),
	}
	s.cfg.Store(cfg)

	if err := s.build(cfg); err != nil {
		s.closeOutputs()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(cfg *config.Config) error {
	s.bus = fanout.New(s.component("fanout"), s.metrics)

	pipeline, err := encoder.NewPipeline(encoder.PipelineConfig{
		Settings:   encoderSettings(cfg.Encoder, cfg.Audio),
		Root:       cfg.Storage.Root,
		FilePrefix: cfg.Storage.FilePrefix,
		NewEncoder: s.opts.NewEncoder,
		Metrics:    s.metrics,
	}, s.component("encoder"))
	if err != nil {
		return fmt.Errorf("failed to create encoder pipeline: %w", err)
	}
	s.pipeline = pipeline
	s.bus.Register("encoder", pipeline)
	s.setState("encoder", StateStarting)

	if cfg.Meter.Enabled {
		windowSamples := max(cfg.Audio.SampleRate*cfg.Meter.WindowMs/1000, 1)
		meter, err := vad.NewProcessor(cfg.Meter.ThresholdDBFS, windowSamples, cfg.Audio.SampleRate, s.component("meter"), s.metrics)
		if err != nil {
			return fmt.Errorf("failed to create level meter: %w", err)
		}
		s.meter = meter
		s.bus.Register("meter", meter)
		s.setState("meter", StateStarting)
	}

	if cfg.Publish.Enabled {
		if err := s.buildPublisher(cfg); err != nil {
			return err
		}
	}

	if cfg.Archive.Enabled {
		if err := s.buildArchive(cfg); err != nil {
			return err
		}
	}

	sweeper, err := retention.NewSweeper(cfg.Storage.Root, cfg.Retention.KeepCount, s.component("retention"), s.metrics)
	if err != nil {
		return fmt.Errorf("failed to create retention sweeper: %w", err)
	}
	s.sweeper = sweeper
	s.setState("retention", StateStarting)

	if cfg.HTTP.Enabled {
		s.http = server.NewHTTPServer(cfg.HTTP, s, s.registry, s.metrics, s.opts.Version, s.component("http"))
		s.setState("http", StateStarting)
	}

	return nil
}

func (s *Service) buildPublisher(cfg *config.Config) error {
	transport := s.opts.Transport
	if transport == nil {
		t, err := newTransport(cfg.Publish, s.component("transport"))
		if err != nil {
			return fmt.Errorf("failed to create %s transport: %w", cfg.Publish.Transport, err)
		}
		transport = t
	}
	s.transport = transport

	throttle, err := publish.NewThrottle(publish.ThrottleConfig{
		MinInterval: cfg.Publish.GetMinIntervalDuration(),
		Topic:       cfg.Publish.Topic(),
		Format: publish.AudioFormat{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitDepth:   cfg.Audio.BitDepth,
		},
		Metrics: s.metrics,
	}, transport, s.component("publish"))
	if err != nil {
		return fmt.Errorf("failed to create publish throttle: %w", err)
	}
	s.throttle = throttle
	s.pipeline.Subscribe("publish", throttle)
	s.setState("publish", StateStarting)
	return nil
}

func newTransport(cfg config.PublishConfig, logger *slog.Logger) (publish.Transport, error) {
	switch cfg.Transport {
	case "mqtt":
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = cfg.Principal + "_" + cfg.Device
		}
		t, err := publish.NewMQTTTransport(publish.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    clientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			KeepAlive:   cfg.MQTT.GetKeepAliveDuration(),
			MaxInflight: cfg.MQTT.MaxInflight,
			BufferSize:  cfg.MQTT.BufferSize,
			QoS:         byte(cfg.MQTT.QoS),
		}, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "websocket":
		t, err := publish.NewWebSocketTransport(publish.WebSocketConfig{
			URL:        cfg.WebSocket.URL,
			BufferSize: cfg.WebSocket.BufferSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "log":
		return publish.NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func (s *Service) buildArchive(cfg *config.Config) error {
	client := s.opts.ArchiveClient
	if client == nil {
		c, err := archive.NewS3Client(context.Background(), cfg.Archive)
		if err != nil {
			return err
		}
		client = c
	}

	uploader, err := archive.New(archive.Config{
		Bucket:    cfg.Archive.Bucket,
		Prefix:    cfg.Archive.Prefix,
		Workers:   cfg.Archive.Workers,
		QueueSize: cfg.Archive.QueueSize,
		Metrics:   s.metrics,
	}, client, s.component("archive"))
	if err != nil {
		return fmt.Errorf("failed to create archive uploader: %w", err)
	}
	s.uploader = uploader
	s.pipeline.Subscribe("archive", uploader)
	s.setState("archive", StateStarting)
	return nil
}

func encoderSettings(enc config.EncoderConfig, audioCfg config.AudioConfig) encoder.Settings {
	return encoder.Settings{
		Container:      enc.Container,
		Codec:          enc.Codec,
		SampleRate:     audioCfg.SampleRate,
		Channels:       audioCfg.Channels,
		BitDepth:       audioCfg.BitDepth,
		BitRate:        enc.BitRate,
		InputSlots:     enc.InputSlots,
		InputSlotBytes: enc.InputSlotBytes,
	}
}

// Run captures and serves until ctx is done or a component fails, then shuts
// everything down in order: capture, encoder sessions, archive uploads and
// finally the transport.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return audio.ErrAlreadyRunning
	}

	cfg := s.Config()
	s.logger.Info("Recorder starting",
		slog.String("version", s.opts.Version),
		slog.String("source", cfg.Audio.Source),
		slog.String("mode", cfg.Audio.Mode),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_ms", cfg.Audio.FrameMs),
		slog.String("container", cfg.Encoder.Container),
		slog.String("codec", cfg.Encoder.Codec),
		slog.String("root", cfg.Storage.Root),
	)

	g, gctx := errgroup.WithContext(ctx)

	closeSource, err := s.startCapture(gctx, g, cfg.Audio)
	if err != nil {
		s.setState("capture", StateFailed)
		s.closeOutputs()
		return err
	}

	for _, name := range []string{"encoder", "meter", "publish", "archive"} {
		s.markRunning(name)
	}

	g.Go(func() error {
		s.setState("retention", StateRunning)
		defer s.setState("retention", StateStopped)
		return s.sweeper.Run(gctx, cfg.Retention.GetIntervalDuration())
	})

	if s.http != nil {
		g.Go(func() error {
			s.setState("http", StateRunning)
			if err := s.http.Run(gctx); err != nil {
				s.setState("http", StateFailed)
				return err
			}
			s.setState("http", StateStopped)
			return nil
		})
	}

	if s.opts.ConfigPath != "" {
		watcher := config.NewWatcher(s.opts.ConfigPath, cfg, s.onConfigChange, s.component("config"))
		g.Go(func() error {
			s.setState("watcher", StateRunning)
			defer s.setState("watcher", StateStopped)
			return watcher.Run(gctx)
		})
	}

	s.logger.Info("Recorder started")
	err = g.Wait()

	closeSource()
	s.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Recorder stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("Recorder stopped")
	return nil
}

// startCapture starts the capture goroutines and returns the func that closes
// the source once they have returned.
func (s *Service) startCapture(ctx context.Context, g *errgroup.Group, cfg config.AudioConfig) (func(), error) {
	chunkingConfig := audio.ChunkingConfig{
		SamplesPerFrame: cfg.SamplesPerFrame(),
		ChunkSize:       cfg.ChunkSizeInSamples(),
		SampleRate:      cfg.SampleRate,
		Metrics:         s.metrics,
	}
	logger := s.component("capture")

	if cfg.Mode == "notify" {
		return s.startPush(ctx, g, cfg, chunkingConfig, logger)
	}

	source := s.opts.Source
	if source == nil {
		src, err := openPullSource(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s source: %w", cfg.Source, err)
		}
		source = src
	}

	chunker, err := audio.NewChunker(chunkingConfig, source, s.bus.Publish, logger)
	if err != nil {
		source.Close()
		return nil, err
	}
	s.chunker.Store(chunker)

	var closeOnce sync.Once
	closeSource := func() {
		closeOnce.Do(func() { source.Close() })
	}

	s.watchOverruns(ctx, g, source)
	g.Go(func() error {
		s.setState("capture", StateRunning)
		defer closeSource()

		if err := chunker.Run(ctx); err != nil {
			s.setState("capture", StateFailed)
			return err
		}
		s.setState("capture", StateStopped)
		return nil
	})

	return closeSource, nil
}

func (s *Service) startPush(ctx context.Context, g *errgroup.Group, cfg config.AudioConfig,
	chunkingConfig audio.ChunkingConfig, logger *slog.Logger) (func(), error) {

	chunker, err := audio.NewChunker(chunkingConfig, nil, s.bus.Publish, logger)
	if err != nil {
		return nil, err
	}
	s.chunker.Store(chunker)

	deliver := func(samples []int16, now time.Time) {
		if _, err := chunker.Deliver(samples, now); err != nil {
			logger.Error("Failed to deliver samples", slog.String("error", err.Error()))
		}
	}

	var source audio.Source
	var run func(context.Context) error
	if s.opts.Source != nil {
		source = s.opts.Source
		run = func(ctx context.Context) error {
			return pushLoop(ctx, source, cfg.ChunkSizeInSamples(), cfg.SampleRate, deliver)
		}
	} else {
		source, run, err = openPushSource(cfg, deliver, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s source: %w", cfg.Source, err)
		}
	}

	var closeOnce sync.Once
	closeSource := func() {
		closeOnce.Do(func() { source.Close() })
	}

	s.setState("capture", StateRunning)
	if run != nil {
		g.Go(func() error {
			err := run(ctx)
			switch {
			case err == nil:
				s.setState("capture", StateStopped)
				return nil
			case errors.Is(err, io.EOF):
				s.setState("capture", StateStopped)
				logger.Info("Capture source exhausted", slog.Uint64("frames", chunker.GetStats().Frames))
				return nil
			default:
				s.setState("capture", StateFailed)
				s.metrics.RecordCaptureError()
				return fmt.Errorf("%w: %w", audio.ErrCaptureFailed, err)
			}
		})
	}

	return closeSource, nil
}

// watchOverruns turns ring buffer overruns of a device source into metrics
func (s *Service) watchOverruns(ctx context.Context, g *errgroup.Group, source audio.Source) {
	buffered, ok := source.(interface{ Stats() audio.BufferStats })
	if !ok {
		return
	}

	g.Go(func() error {
		ticker := time.NewTicker(overrunPollInterval)
		defer ticker.Stop()

		var last uint64
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				overruns := buffered.Stats().Overruns
				if overruns > last {
					s.metrics.RecordOverrun(overruns - last)
					s.logger.Warn("Capture buffer overrun", slog.Uint64("dropped_samples", overruns-last))
				}
				last = overruns
			}
		}
	})
}

func (s *Service) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), pipelineStopTimeout)
	defer cancel()
	if err := s.pipeline.Stop(stopCtx); err != nil {
		s.logger.Error("Encoder pipeline did not stop cleanly", slog.String("error", err.Error()))
	}
	s.setState("encoder", StateStopped)

	s.closeOutputs()

	stats := s.pipeline.GetStats()
	s.logger.Info("Final recorder statistics",
		slog.Uint64("artifacts_finalized", stats.Finalized),
		slog.Uint64("sessions_failed", stats.Failed),
		slog.Uint64("bytes_written", stats.BytesWritten),
	)
}

// closeOutputs drains the archive and closes the transport
func (s *Service) closeOutputs() {
	if s.uploader != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), archiveDrainTimeout)
		if err := s.uploader.Close(drainCtx); err != nil {
			s.logger.Warn("Archive uploads abandoned", slog.String("error", err.Error()))
		}
		cancel()
		s.setState("archive", StateStopped)
	}

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("Failed to close transport", slog.String("error", err.Error()))
		}
		s.setState("publish", StateStopped)
	}

	if s.meter != nil {
		s.setState("meter", StateStopped)
	}
}

func (s *Service) onConfigChange(cfg *config.Config) {
	if err := s.Reconfigure(cfg); err != nil {
		s.logger.Error("Failed to apply configuration change", slog.String("error", err.Error()))
	}
}

// Reconfigure applies the settings that can change while running: encoder
// settings for later frames, the retention keep count, the minimum publish
// interval and the meter threshold. Changes to anything else are logged and
// take effect on the next start.
func (s *Service) Reconfigure(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	current := s.Config()

	// The sample rate stays the one frames are captured at
	if err := s.pipeline.Reconfigure(encoderSettings(cfg.Encoder, current.Audio)); err != nil {
		return fmt.Errorf("failed to apply encoder settings: %w", err)
	}
	if err := s.sweeper.Reconfigure(cfg.Retention.KeepCount); err != nil {
		return fmt.Errorf("failed to apply retention settings: %w", err)
	}
	if s.throttle != nil {
		s.throttle.Reconfigure(cfg.Publish.GetMinIntervalDuration())
	}
	if s.meter != nil && cfg.Meter.Enabled {
		if err := s.meter.UpdateThreshold(cfg.Meter.ThresholdDBFS); err != nil {
			return fmt.Errorf("failed to apply meter threshold: %w", err)
		}
	}

	if sections := restartSections(current, cfg); len(sections) > 0 {
		s.logger.Warn("Configuration change requires restart", slog.Any("sections", sections))
	}

	s.cfg.Store(cfg)
	s.logger.Info("Configuration applied",
		slog.Int("keep_count", cfg.Retention.KeepCount),
		slog.Int64("min_interval_ms", cfg.Publish.MinIntervalMs),
		slog.String("container", cfg.Encoder.Container),
		slog.String("codec", cfg.Encoder.Codec),
	)
	return nil
}

// restartSections lists the sections whose changes are not applied live
func restartSections(old, cfg *config.Config) []string {
	var sections []string

	if old.Audio != cfg.Audio {
		sections = append(sections, "audio")
	}
	if old.Storage != cfg.Storage {
		sections = append(sections, "storage")
	}

	oldRetention, newRetention := old.Retention, cfg.Retention
	oldRetention.KeepCount, newRetention.KeepCount = 0, 0
	if oldRetention != newRetention {
		sections = append(sections, "retention")
	}

	oldMeter, newMeter := old.Meter, cfg.Meter
	oldMeter.ThresholdDBFS, newMeter.ThresholdDBFS = 0, 0
	if oldMeter != newMeter {
		sections = append(sections, "meter")
	}

	oldPublish, newPublish := old.Publish, cfg.Publish
	oldPublish.MinIntervalMs, newPublish.MinIntervalMs = 0, 0
	if oldPublish != newPublish {
		sections = append(sections, "publish")
	}

	if old.Archive != cfg.Archive {
		sections = append(sections, "archive")
	}
	if old.HTTP != cfg.HTTP {
		sections = append(sections, "http")
	}
	if old.Logging != cfg.Logging {
		sections = append(sections, "logging")
	}

	return sections
}

func (s *Service) component(name string) *slog.Logger {
	return s.logger.With(slog.String("component", name))
}

func (s *Service) setState(name, state string) {
	s.mu.Lock()
	s.components[name] = state
	s.mu.Unlock()
}

// markRunning moves a built component from starting to running
func (s *Service) markRunning(name string) {
	s.mu.Lock()
	if s.components[name] == StateStarting {
		s.components[name] = StateRunning
	}
	s.mu.Unlock()
}

// Config returns the configuration currently applied
func (s *Service) Config() *config.Config {
	return s.cfg.Load()
}

// Components returns the state of every component
func (s *Service) Components() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.components))
	for name, state := range s.components {
		out[name] = state
	}
	return out
}

// Stats returns the statistics of every component
func (s *Service) Stats() map[string]any {
	stats := map[string]any{
		"fanout":    s.bus.GetStats(),
		"encoder":   s.pipeline.GetStats(),
		"retention": s.sweeper.GetStats(),
	}
	if chunker := s.chunker.Load(); chunker != nil {
		stats["capture"] = chunker.GetStats()
	}
	if s.meter != nil {
		stats["meter"] = s.meter.GetStats()
	}
	if s.throttle != nil {
		stats["publish"] = s.throttle.GetStats()
	}
	if s.uploader != nil {
		stats["archive"] = map[string]any{
			"uploads": s.uploader.GetStats(),
			"pool":    s.uploader.PoolStats(),
		}
	}
	return stats
}

// RecentArtifacts lists the newest finalized artifacts of the current container
func (s *Service) RecentArtifacts(limit int) ([]store.Artifact, error) {
	cfg := s.Config()
	layout := store.Layout{
		Root:   cfg.Storage.Root,
		Prefix: cfg.Storage.FilePrefix,
		Ext:    s.pipeline.Settings().Extension(),
	}
	return layout.Recent(limit)
}

// Pipeline returns the encoder pipeline so callers can subscribe to artifacts
func (s *Service) Pipeline() *encoder.Pipeline {
	return s.pipeline
}

// Metrics returns the service metrics
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}
