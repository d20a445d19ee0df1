package publish

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig contains broker connection settings
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	KeepAlive   time.Duration
	MaxInflight int
	BufferSize  int
	QoS         byte
}

// MQTTTransport publishes through a persistent paho session. While the
// connection is down paho keeps QoS 1 messages in its store; the transport
// bounds that backlog to BufferSize.
type MQTTTransport struct {
	client mqtt.Client
	config MQTTConfig
	logger *slog.Logger

	pending   atomic.Int64
	delivered atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	connected atomic.Bool
}

// NewMQTTTransport creates the client and starts connecting in the
// background. Connection failures are retried by paho.
func NewMQTTTransport(config MQTTConfig, logger *slog.Logger) (*MQTTTransport, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("mqtt broker cannot be empty")
	}
	if config.BufferSize <= 0 {
		return nil, fmt.Errorf("mqtt buffer size must be positive, got %d", config.BufferSize)
	}

	t := &MQTTTransport{config: config, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetMaxResumePubInFlight(config.MaxInflight)

	opts.OnConnect = func(c mqtt.Client) {
		t.connected.Store(true)
		logger.Info("MQTT connection established",
			slog.String("broker", config.Broker),
			slog.String("client_id", config.ClientID),
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		t.connected.Store(false)
		logger.Warn("MQTT connection lost, will auto-reconnect",
			slog.String("broker", config.Broker),
			slog.String("error", err.Error()),
		)
	}

	t.client = mqtt.NewClient(opts)

	logger.Info("Connecting to MQTT broker", slog.String("broker", config.Broker))
	token := t.client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			logger.Error("MQTT connect failed", slog.String("error", err.Error()))
		}
	}()

	return t, nil
}

// Publish hands payload to paho with the configured QoS. Delivery is
// confirmed asynchronously.
func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	if !t.client.IsConnectionOpen() && t.pending.Load() >= int64(t.config.BufferSize) {
		t.rejected.Add(1)
		return ErrBufferFull
	}

	t.pending.Add(1)
	token := t.client.Publish(topic, t.config.QoS, false, payload)

	go func() {
		<-token.Done()
		t.pending.Add(-1)
		if err := token.Error(); err != nil {
			t.failed.Add(1)
			t.logger.Warn("MQTT delivery failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			return
		}
		t.delivered.Add(1)
	}()

	return nil
}

// Close disconnects with a short grace period for in-flight messages
func (t *MQTTTransport) Close() error {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
		t.logger.Info("MQTT disconnected")
	}
	t.connected.Store(false)
	return nil
}

func (t *MQTTTransport) GetStats() TransportStats {
	return TransportStats{
		Kind:      "mqtt",
		Connected: t.client.IsConnectionOpen(),
		Queued:    t.pending.Load(),
		Delivered: t.delivered.Load(),
		Failed:    t.failed.Load(),
		Rejected:  t.rejected.Load(),
	}
}
