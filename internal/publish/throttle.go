package publish

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/simplelife2010/AIM/internal/metrics"
	"github.com/simplelife2010/AIM/internal/store"
)

// ErrorSink receives artifacts that were selected but could not be published
type ErrorSink func(a *store.Artifact, err error)

// ThrottleConfig contains configuration for the publish throttle
type ThrottleConfig struct {
	MinInterval time.Duration
	Topic       string
	Format      AudioFormat
	Now         func() time.Time
	ErrorSink   ErrorSink
	Metrics     *metrics.Metrics
}

// Throttle publishes at most one artifact per minimum interval. The first
// artifact is always published; after that an artifact is published iff at
// least MinInterval passed since the last one was selected. Selection is
// greedy: nothing is queued for later.
type Throttle struct {
	mu          sync.Mutex
	last        time.Time
	published   bool
	minInterval time.Duration

	topic     string
	format    AudioFormat
	transport Transport
	now       func() time.Time
	errorSink ErrorSink
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// Statistics
	sent      atomic.Uint64
	throttled atomic.Uint64
	failed    atomic.Uint64
}

// ThrottleStats represents throttle statistics
type ThrottleStats struct {
	Topic         string          `json:"topic"`
	MinIntervalMs int64           `json:"min_interval_ms"`
	LastPublished time.Time       `json:"last_published,omitempty"`
	Sent          uint64          `json:"sent"`
	Throttled     uint64          `json:"throttled"`
	Failed        uint64          `json:"failed"`
	Transport     *TransportStats `json:"transport,omitempty"`
}

// NewThrottle creates a throttle publishing through transport
func NewThrottle(config ThrottleConfig, transport Transport, logger *slog.Logger) (*Throttle, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config.MinInterval < 0 {
		return nil, fmt.Errorf("min interval cannot be negative, got %v", config.MinInterval)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ErrorSink == nil {
		config.ErrorSink = func(a *store.Artifact, err error) {
			logger.Warn("Failed to publish artifact",
				slog.String("path", a.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	return &Throttle{
		minInterval: config.MinInterval,
		topic:       config.Topic,
		format:      config.Format,
		transport:   transport,
		now:         config.Now,
		errorSink:   config.ErrorSink,
		logger:      logger,
		metrics:     config.Metrics,
	}, nil
}

// OnArtifact decides whether a is published and, if so, transmits it
// synchronously. It reports whether a was selected.
func (t *Throttle) OnArtifact(a *store.Artifact) bool {
	now := t.now()

	t.mu.Lock()
	if t.published && now.Before(t.last.Add(t.minInterval)) {
		t.mu.Unlock()
		t.throttled.Add(1)
		t.metrics.RecordPublish("throttled")
		t.logger.Debug("Artifact throttled", slog.String("filename", a.Filename))
		return false
	}
	t.last = now
	t.published = true
	t.mu.Unlock()

	if err := t.transmit(a, now); err != nil {
		t.failed.Add(1)
		t.metrics.RecordPublish("failed")
		t.errorSink(a, err)
		return true
	}

	t.sent.Add(1)
	t.metrics.RecordPublish("sent")
	t.logger.Debug("Artifact handed to transport",
		slog.String("filename", a.Filename),
		slog.String("topic", t.topic),
	)
	return true
}

// ConsumeArtifact lets the throttle subscribe to the encoder pipeline
func (t *Throttle) ConsumeArtifact(a *store.Artifact) {
	t.OnArtifact(a)
}

func (t *Throttle) transmit(a *store.Artifact, now time.Time) error {
	payload, err := NewPayload(a, t.format, now)
	if err != nil {
		return err
	}
	data, err := payload.Marshal()
	if err != nil {
		return err
	}
	if err := t.transport.Publish(t.topic, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.topic, err)
	}
	return nil
}

// Reconfigure changes the minimum interval for later decisions
func (t *Throttle) Reconfigure(minInterval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.minInterval != minInterval {
		t.logger.Info("Publish interval updated", slog.Duration("min_interval", minInterval))
	}
	t.minInterval = minInterval
}

// GetStats returns current throttle statistics
func (t *Throttle) GetStats() ThrottleStats {
	t.mu.Lock()
	stats := ThrottleStats{
		Topic:         t.topic,
		MinIntervalMs: t.minInterval.Milliseconds(),
	}
	if t.published {
		stats.LastPublished = t.last
	}
	t.mu.Unlock()

	stats.Sent = t.sent.Load()
	stats.Throttled = t.throttled.Load()
	stats.Failed = t.failed.Load()
	if sp, ok := t.transport.(StatsProvider); ok {
		ts := sp.GetStats()
		stats.Transport = &ts
	}
	return stats
}
