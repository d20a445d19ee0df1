package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// WebSocketConfig contains the sink URL and queue size
type WebSocketConfig struct {
	URL        string
	BufferSize int
}

// Envelope is the frame written for every published message
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocketTransport streams messages to a WebSocket sink. A single writer
// goroutine owns the connection; it dials with exponential backoff and
// redials after a failed write, retrying the message that failed.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *slog.Logger
	dialer websocket.Dialer

	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	connected atomic.Bool
	delivered atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewWebSocketTransport starts the writer goroutine
func NewWebSocketTransport(config WebSocketConfig, logger *slog.Logger) (*WebSocketTransport, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("websocket url cannot be empty")
	}
	if config.BufferSize <= 0 {
		return nil, fmt.Errorf("websocket buffer size must be positive, got %d", config.BufferSize)
	}

	t := &WebSocketTransport{
		config: config,
		logger: logger,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		queue:  make(chan []byte, config.BufferSize),
		done:   make(chan struct{}),
	}

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// Publish queues one message without blocking
func (t *WebSocketTransport) Publish(topic string, payload []byte) error {
	msg, err := json.Marshal(Envelope{Topic: topic, Payload: json.RawMessage(payload)})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.queue <- msg:
		return nil
	default:
		t.rejected.Add(1)
		return ErrBufferFull
	}
}

// Close stops the writer and closes the connection. Queued messages are dropped.
func (t *WebSocketTransport) Close() error {
	t.stopOnce.Do(func() {
		close(t.done)

		t.connMu.Lock()
		if t.conn != nil {
			t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			t.conn.Close()
		}
		t.connMu.Unlock()

		t.wg.Wait()
		t.logger.Info("WebSocket transport stopped", slog.Int("dropped", len(t.queue)))
	})
	return nil
}

func (t *WebSocketTransport) run() {
	defer t.wg.Done()

	backoff := initialBackoff
	var retry []byte

	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, _, err := t.dialer.Dial(t.config.URL, nil)
		if err != nil {
			t.logger.Warn("WebSocket connection failed",
				slog.String("url", t.config.URL),
				slog.String("error", err.Error()),
			)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			select {
			case <-t.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		t.setConn(conn)
		t.logger.Info("WebSocket connected", slog.String("url", t.config.URL))

		retry = t.writePump(conn, retry)

		t.setConn(nil)
		conn.Close()
	}
}

func (t *WebSocketTransport) setConn(conn *websocket.Conn) {
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	t.connected.Store(conn != nil)
}

// writePump writes queued messages until the connection fails or the
// transport closes. It returns the message whose write failed, if any.
func (t *WebSocketTransport) writePump(conn *websocket.Conn, retry []byte) []byte {
	readDone := make(chan struct{})
	go t.readPump(conn, readDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(msg []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			t.failed.Add(1)
			t.logger.Warn("WebSocket write failed, reconnecting", slog.String("error", err.Error()))
			return false
		}
		t.delivered.Add(1)
		return true
	}

	if retry != nil && !write(retry) {
		return retry
	}

	for {
		select {
		case <-t.done:
			return nil
		case <-readDone:
			return nil
		case msg := <-t.queue:
			if !write(msg) {
				return msg
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// readPump discards inbound messages so control frames are processed
func (t *WebSocketTransport) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("WebSocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (t *WebSocketTransport) GetStats() TransportStats {
	return TransportStats{
		Kind:      "websocket",
		Connected: t.connected.Load(),
		Queued:    int64(len(t.queue)),
		Delivered: t.delivered.Load(),
		Failed:    t.failed.Load(),
		Rejected:  t.rejected.Load(),
	}
}
