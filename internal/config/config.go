package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	Audio     AudioConfig     `yaml:"audio"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Meter     MeterConfig     `yaml:"meter"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Publish   PublishConfig   `yaml:"publish"`
	Archive   ArchiveConfig   `yaml:"archive"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AudioConfig contains capture and framing parameters
type AudioConfig struct {
	Source     string  `yaml:"source"` // device, tone or wav
	Mode       string  `yaml:"mode"`   // pump or notify
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
	BitDepth   int     `yaml:"bit_depth"`
	FrameMs    int     `yaml:"frame_ms"`
	ChunkMs    int     `yaml:"chunk_ms"`
	BufferMs   int     `yaml:"buffer_ms"`
	ToneHz     float64 `yaml:"tone_hz"`
	WAVPath    string  `yaml:"wav_path"`
	Loop       bool    `yaml:"loop"`
}

// EncoderConfig selects the codec, the container and the codec buffer geometry
type EncoderConfig struct {
	Container      string `yaml:"container"` // ogg or wav
	Codec          string `yaml:"codec"`     // opus or pcm
	BitRate        int    `yaml:"bit_rate"`
	InputSlots     int    `yaml:"input_slots"`
	InputSlotBytes int    `yaml:"input_slot_bytes"`
}

// MeterConfig controls the per-frame level meter
type MeterConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ThresholdDBFS float64 `yaml:"threshold_dbfs"`
	WindowMs      int     `yaml:"window_ms"`
}

// StorageConfig describes the artifact store
type StorageConfig struct {
	Root       string `yaml:"root"`
	FilePrefix string `yaml:"file_prefix"`
}

// RetentionConfig controls the retention sweep
type RetentionConfig struct {
	KeepCount   int `yaml:"keep_count"`
	IntervalSec int `yaml:"interval_sec"`
}

// PublishConfig controls the publish throttle and its transport
type PublishConfig struct {
	Enabled       bool            `yaml:"enabled"`
	Transport     string          `yaml:"transport"` // mqtt, websocket or log
	MinIntervalMs int64           `yaml:"min_interval_ms"`
	Principal     string          `yaml:"principal"`
	Device        string          `yaml:"device"`
	Application   string          `yaml:"application"`
	Component     string          `yaml:"component"`
	MQTT          MQTTConfig      `yaml:"mqtt"`
	WebSocket     WebSocketConfig `yaml:"websocket"`
}

// MQTTConfig contains broker connection parameters
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
	MaxInflight  int    `yaml:"max_inflight"`
	BufferSize   int    `yaml:"buffer_size"`
	QoS          int    `yaml:"qos"`
}

// WebSocketConfig contains the websocket endpoint parameters
type WebSocketConfig struct {
	URL        string `yaml:"url"`
	BufferSize int    `yaml:"buffer_size"`
}

// ArchiveConfig controls uploading finalized artifacts to S3
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

// HTTPConfig contains HTTP status server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that records 10 second WAV frames from a test tone.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Source:     "tone",
			Mode:       "pump",
			SampleRate: 44100,
			Channels:   1,
			BitDepth:   16,
			FrameMs:    10000,
			ChunkMs:    100,
			BufferMs:   1000,
			ToneHz:     440,
		},
		Encoder: EncoderConfig{
			Container:      "wav",
			Codec:          "pcm",
			BitRate:        64000,
			InputSlots:     2,
			InputSlotBytes: 8192,
		},
		Meter: MeterConfig{
			Enabled:       true,
			ThresholdDBFS: -45,
			WindowMs:      32,
		},
		Storage: StorageConfig{
			Root:       "./recordings",
			FilePrefix: "audio",
		},
		Retention: RetentionConfig{
			KeepCount:   360,
			IntervalSec: 60,
		},
		Publish: PublishConfig{
			Transport:     "log",
			MinIntervalMs: 60000,
			Principal:     "aim",
			Device:        "default",
			Application:   "recorder",
			Component:     "audio",
			MQTT: MQTTConfig{
				KeepAliveSec: 60,
				MaxInflight:  10,
				BufferSize:   100,
				QoS:          1,
			},
			WebSocket: WebSocketConfig{
				BufferSize: 100,
			},
		},
		Archive: ArchiveConfig{
			Workers:   2,
			QueueSize: 64,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return config, nil
}

// Parse unmarshals YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Encoder.Validate(&c.Audio); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}

	if err := c.Meter.Validate(); err != nil {
		return fmt.Errorf("meter config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention config: %w", err)
	}

	if err := c.Publish.Validate(); err != nil {
		return fmt.Errorf("publish config: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validSources := map[string]bool{"device": true, "tone": true, "wav": true}
	if !validSources[a.Source] {
		return fmt.Errorf("source must be one of [device, tone, wav], got '%s'", a.Source)
	}

	if a.Mode != "pump" && a.Mode != "notify" {
		return fmt.Errorf("mode must be 'pump' or 'notify', got '%s'", a.Mode)
	}

	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.FrameMs < 10 {
		return fmt.Errorf("frame_ms must be at least 10, got %d", a.FrameMs)
	}

	if a.ChunkMs < 1 || a.ChunkMs > a.FrameMs {
		return fmt.Errorf("chunk_ms must be between 1 and frame_ms (%d), got %d", a.FrameMs, a.ChunkMs)
	}

	if a.BufferMs < a.ChunkMs {
		return fmt.Errorf("buffer_ms (%d) must be at least chunk_ms (%d)", a.BufferMs, a.ChunkMs)
	}

	if a.SamplesPerFrame() == 0 || a.ChunkSizeInSamples() == 0 {
		return fmt.Errorf("frame_ms and chunk_ms must cover at least one sample at %d Hz", a.SampleRate)
	}

	if a.Source == "tone" && (a.ToneHz <= 0 || a.ToneHz >= float64(a.SampleRate)/2) {
		return fmt.Errorf("tone_hz must be between 0 and the Nyquist frequency, got %f", a.ToneHz)
	}

	if a.Source == "wav" && a.WAVPath == "" {
		return fmt.Errorf("wav_path cannot be empty when source is 'wav'")
	}

	return nil
}

var opusSampleRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// Validate validates encoder configuration against the audio format it will receive
func (e *EncoderConfig) Validate(audio *AudioConfig) error {
	switch e.Container {
	case "ogg":
		if e.Codec != "opus" {
			return fmt.Errorf("container 'ogg' requires codec 'opus', got '%s'", e.Codec)
		}
	case "wav":
		if e.Codec != "pcm" {
			return fmt.Errorf("container 'wav' requires codec 'pcm', got '%s'", e.Codec)
		}
	default:
		return fmt.Errorf("container must be 'ogg' or 'wav', got '%s'", e.Container)
	}

	if e.Codec == "opus" {
		if !opusSampleRates[audio.SampleRate] {
			return fmt.Errorf("codec 'opus' does not support sample_rate %d", audio.SampleRate)
		}
		if e.BitRate < 6000 || e.BitRate > 510000 {
			return fmt.Errorf("bit_rate must be between 6000 and 510000 for opus, got %d", e.BitRate)
		}
	}

	if e.InputSlots < 1 {
		return fmt.Errorf("input_slots must be at least 1, got %d", e.InputSlots)
	}

	if e.InputSlotBytes < 2 || e.InputSlotBytes%2 != 0 {
		return fmt.Errorf("input_slot_bytes must be a positive even number, got %d", e.InputSlotBytes)
	}

	return nil
}

// Extension returns the artifact file extension for the configured container
func (e *EncoderConfig) Extension() string {
	return e.Container
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Root == "" {
		return fmt.Errorf("root cannot be empty")
	}

	if s.FilePrefix == "" {
		return fmt.Errorf("file_prefix cannot be empty")
	}

	if strings.ContainsAny(s.FilePrefix, `/\:*?"<>| `) {
		return fmt.Errorf("file_prefix contains characters that are not filename-safe: '%s'", s.FilePrefix)
	}

	return nil
}

// Validate validates retention configuration
func (r *RetentionConfig) Validate() error {
	if r.KeepCount < 0 {
		return fmt.Errorf("keep_count cannot be negative, got %d", r.KeepCount)
	}

	if r.IntervalSec < 1 {
		return fmt.Errorf("interval_sec must be at least 1 second, got %d", r.IntervalSec)
	}

	return nil
}

// Validate validates publish configuration
func (p *PublishConfig) Validate() error {
	if p.MinIntervalMs < 0 {
		return fmt.Errorf("min_interval_ms cannot be negative, got %d", p.MinIntervalMs)
	}

	if !p.Enabled {
		return nil
	}

	for name, part := range map[string]string{
		"principal":   p.Principal,
		"device":      p.Device,
		"application": p.Application,
		"component":   p.Component,
	} {
		if part == "" || strings.ContainsAny(part, "/+#") {
			return fmt.Errorf("%s must be a non-empty topic level without '/', '+' or '#', got '%s'", name, part)
		}
	}

	switch p.Transport {
	case "mqtt":
		if p.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker cannot be empty")
		}
		if p.MQTT.QoS < 0 || p.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", p.MQTT.QoS)
		}
		if p.MQTT.BufferSize < 1 {
			return fmt.Errorf("mqtt buffer_size must be at least 1, got %d", p.MQTT.BufferSize)
		}
	case "websocket":
		if p.WebSocket.URL == "" {
			return fmt.Errorf("websocket url cannot be empty")
		}
		if p.WebSocket.BufferSize < 1 {
			return fmt.Errorf("websocket buffer_size must be at least 1, got %d", p.WebSocket.BufferSize)
		}
	case "log":
	default:
		return fmt.Errorf("transport must be one of [mqtt, websocket, log], got '%s'", p.Transport)
	}

	return nil
}

// Topic returns the publish topic principal/device/application/component
func (p *PublishConfig) Topic() string {
	return strings.Join([]string{p.Principal, p.Device, p.Application, p.Component}, "/")
}

// Validate validates archive configuration
func (a *ArchiveConfig) Validate() error {
	if !a.Enabled {
		return nil
	}

	if a.Bucket == "" {
		return fmt.Errorf("bucket cannot be empty when archive is enabled")
	}

	if a.Region == "" {
		return fmt.Errorf("region cannot be empty when archive is enabled")
	}

	if a.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", a.Workers)
	}

	if a.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", a.QueueSize)
	}

	return nil
}

// Validate validates level meter configuration
func (m *MeterConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.ThresholdDBFS > 0 {
		return fmt.Errorf("threshold_dbfs must not be above 0, got %.1f", m.ThresholdDBFS)
	}
	if m.WindowMs < 1 {
		return fmt.Errorf("window_ms must be at least 1, got %d", m.WindowMs)
	}
	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path.
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// SamplesPerFrame returns sampleRate × frameMs / 1000
func (a *AudioConfig) SamplesPerFrame() int {
	return a.SampleRate * a.FrameMs / 1000
}

// ChunkSizeInSamples returns the maximum number of samples requested per read
func (a *AudioConfig) ChunkSizeInSamples() int {
	return a.SampleRate * a.ChunkMs / 1000
}

// BufferSizeInSamples returns the capacity of the capture ring buffer
func (a *AudioConfig) BufferSizeInSamples() int {
	return a.SampleRate * a.BufferMs / 1000
}

// GetFrameDuration returns the frame length as a time.Duration
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameMs) * time.Millisecond
}

// GetIntervalDuration returns the sweep period as a time.Duration
func (r *RetentionConfig) GetIntervalDuration() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

// GetMinIntervalDuration returns the minimum publish interval as a time.Duration
func (p *PublishConfig) GetMinIntervalDuration() time.Duration {
	return time.Duration(p.MinIntervalMs) * time.Millisecond
}

// GetKeepAliveDuration returns the MQTT keepalive as a time.Duration
func (m *MQTTConfig) GetKeepAliveDuration() time.Duration {
	return time.Duration(m.KeepAliveSec) * time.Second
}

// Redacted returns a copy safe for display with credentials removed
func (c *Config) Redacted() Config {
	out := *c
	if out.Publish.MQTT.Password != "" {
		out.Publish.MQTT.Password = "***"
	}
	return out
}
