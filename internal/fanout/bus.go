// Package fanout delivers each completed audio frame to the registered
// consumers, synchronously and in registration order. A failing consumer is
// logged and skipped; it never prevents delivery to the consumers after it.
package fanout

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/metrics"
)

// ErrConsumerNotFound is returned by Unregister for an unknown ID.
var ErrConsumerNotFound = errors.New("consumer not found")

// Consumer receives frames. It must treat the frame as read-only.
type Consumer interface {
	ConsumeFrame(frame *audio.Frame) error
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc func(frame *audio.Frame) error

// ConsumeFrame calls f(frame)
func (f ConsumerFunc) ConsumeFrame(frame *audio.Frame) error {
	return f(frame)
}

// ID identifies a registration
type ID uint64

type entry struct {
	id       ID
	name     string
	consumer Consumer
	failures atomic.Uint64
}

// Bus is the frame fan-out
type Bus struct {
	mu      sync.RWMutex
	entries []*entry
	nextID  ID

	logger  *slog.Logger
	metrics *metrics.Metrics

	published atomic.Uint64
	failures  atomic.Uint64
}

// Stats is a snapshot of bus counters
type Stats struct {
	Published uint64          `json:"published"`
	Failures  uint64          `json:"failures"`
	Consumers []ConsumerStats `json:"consumers"`
}

// ConsumerStats describes one registration
type ConsumerStats struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Failures uint64 `json:"failures"`
}

// New creates an empty bus
func New(logger *slog.Logger, m *metrics.Metrics) *Bus {
	return &Bus{logger: logger, metrics: m}
}

// Register appends c to the delivery order. Registering the same consumer
// twice yields two independent registrations.
func (b *Bus) Register(name string, c Consumer) ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.entries = append(b.entries, &entry{id: b.nextID, name: name, consumer: c})
	return b.nextID
}

// Unregister removes a registration, preserving the order of the others
func (b *Bus) Unregister(id ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.entries {
		if e.id == id {
			// Copy so snapshots held by in-flight Publish calls stay intact.
			next := make([]*entry, 0, len(b.entries)-1)
			next = append(next, b.entries[:i]...)
			next = append(next, b.entries[i+1:]...)
			b.entries = next
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrConsumerNotFound, id)
}

// Publish hands frame to every consumer registered at the time of the call
func (b *Bus) Publish(frame *audio.Frame) {
	b.mu.RLock()
	entries := b.entries
	b.mu.RUnlock()

	b.published.Add(1)
	for _, e := range entries {
		if err := b.deliver(e, frame); err != nil {
			e.failures.Add(1)
			b.failures.Add(1)
			b.metrics.RecordConsumerError(e.name)
			b.logger.Error("Frame consumer failed",
				slog.String("consumer", e.name),
				slog.Time("frame_timestamp", frame.Timestamp),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Bus) deliver(e *entry, frame *audio.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panicked: %v", r)
		}
	}()
	return e.consumer.ConsumeFrame(frame)
}

// Len returns the number of registrations
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// GetStats returns current bus statistics
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Published: b.published.Load(),
		Failures:  b.failures.Load(),
		Consumers: make([]ConsumerStats, 0, len(b.entries)),
	}
	for _, e := range b.entries {
		stats.Consumers = append(stats.Consumers, ConsumerStats{
			ID:       e.id,
			Name:     e.name,
			Failures: e.failures.Load(),
		})
	}
	return stats
}
