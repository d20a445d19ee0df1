// Package device captures microphone audio through miniaudio.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/simplelife2010/AIM/internal/audio"
)

// Config describes the capture format
type Config struct {
	SampleRate    int
	BufferSamples int // ring buffer capacity for pull mode
	PeriodMs      int // device callback period
}

// NotifyFunc receives the samples of one device callback and the time the
// callback ran. The slice is not retained by the device.
type NotifyFunc func(samples []int16, now time.Time)

// Device is a mono S16 capture device. In pull mode it fills a ring buffer
// and is read as an audio.Source; in push mode every callback is forwarded
// to a NotifyFunc.
type Device struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	buffer   *audio.Buffer
	notify   NotifyFunc
	logger   *slog.Logger

	closeOnce sync.Once
}

// Open starts a pull-mode capture device
func Open(cfg Config, logger *slog.Logger) (*Device, error) {
	if cfg.BufferSamples < 1 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", cfg.BufferSamples)
	}
	d := &Device{buffer: audio.NewBuffer(cfg.BufferSamples), logger: logger}
	if err := d.start(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// OpenNotify starts a push-mode capture device that calls fn from the device thread
func OpenNotify(cfg Config, fn NotifyFunc, logger *slog.Logger) (*Device, error) {
	if fn == nil {
		return nil, fmt.Errorf("notify func cannot be nil")
	}
	d := &Device{notify: fn, logger: logger}
	if err := d.start(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) start(cfg Config) error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if cfg.PeriodMs > 0 {
		deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			d.onData(pInput, frameCount)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	d.malgoCtx = ctx
	d.device = device

	d.logger.Info("Capture device started",
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("period_ms", cfg.PeriodMs),
		slog.Bool("push_mode", d.notify != nil),
	)
	return nil
}

func (d *Device) onData(input []byte, frameCount uint32) {
	n := min(int(frameCount)*2, len(input))
	samples := audio.BytesToSamples(input[:n])

	if d.notify != nil {
		d.notify(samples, time.Now())
		return
	}
	d.buffer.Write(samples)
}

// Read implements audio.Source in pull mode
func (d *Device) Read(buf []int16) (int, error) {
	if d.buffer == nil {
		return 0, fmt.Errorf("device opened in push mode cannot be read")
	}
	return d.buffer.Read(buf)
}

// Drain discards samples captured before the reader started
func (d *Device) Drain() int {
	if d.buffer == nil {
		return 0
	}
	return d.buffer.Drain()
}

// Stats returns ring buffer statistics; zero in push mode
func (d *Device) Stats() audio.BufferStats {
	if d.buffer == nil {
		return audio.BufferStats{}
	}
	return d.buffer.GetStats()
}

// Close stops the device and releases the miniaudio context
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if d.device != nil {
			if err := d.device.Stop(); err != nil {
				d.logger.Warn("Failed to stop capture device", slog.String("error", err.Error()))
			}
			d.device.Uninit()
		}
		if d.malgoCtx != nil {
			_ = d.malgoCtx.Uninit()
			d.malgoCtx.Free()
		}
		if d.buffer != nil {
			d.buffer.Close()
		}
		d.logger.Info("Capture device closed")
	})
	return nil
}
