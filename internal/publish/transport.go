package publish

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrBufferFull is returned when a transport cannot hold another message
var ErrBufferFull = errors.New("publish buffer full")

// ErrTransportClosed is returned after Close
var ErrTransportClosed = errors.New("transport closed")

// Transport delivers one payload to a topic. Publish must not block on the
// network; transports buffer while disconnected.
type Transport interface {
	Publish(topic string, payload []byte) error
	Close() error
}

// TransportStats represents transport statistics
type TransportStats struct {
	Kind      string `json:"kind"`
	Connected bool   `json:"connected"`
	Queued    int64  `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// StatsProvider is implemented by transports that report statistics
type StatsProvider interface {
	GetStats() TransportStats
}

// LogTransport only logs what would have been published
type LogTransport struct {
	logger    *slog.Logger
	delivered atomic.Uint64
}

// NewLogTransport creates a transport that logs every message
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Publish(topic string, payload []byte) error {
	t.delivered.Add(1)
	t.logger.Info("Artifact published",
		slog.String("topic", topic),
		slog.Int("payload_bytes", len(payload)),
	)
	return nil
}

func (t *LogTransport) Close() error {
	return nil
}

func (t *LogTransport) GetStats() TransportStats {
	return TransportStats{Kind: "log", Connected: true, Delivered: t.delivered.Load()}
}
