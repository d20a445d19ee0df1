package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/audio/device"
	"github.com/simplelife2010/AIM/internal/config"
)

const overrunPollInterval = 5 * time.Second

// openPullSource opens the configured source for the pump loop
func openPullSource(cfg config.AudioConfig, logger *slog.Logger) (audio.Source, error) {
	switch cfg.Source {
	case "device":
		d, err := device.Open(device.Config{
			SampleRate:    cfg.SampleRate,
			BufferSamples: cfg.BufferSizeInSamples(),
			PeriodMs:      cfg.ChunkMs,
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "tone":
		return audio.NewToneSource(cfg.SampleRate, cfg.ToneHz, true), nil
	case "wav":
		return openWAV(cfg)
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
}

// openPushSource opens a source that calls deliver as samples arrive. The
// device calls it from its own thread; file and tone sources are paced by a
// ticker goroutine started by the returned run func.
func openPushSource(cfg config.AudioConfig, deliver device.NotifyFunc, logger *slog.Logger) (audio.Source, func(ctx context.Context) error, error) {
	if cfg.Source == "device" {
		d, err := device.OpenNotify(device.Config{
			SampleRate: cfg.SampleRate,
			PeriodMs:   cfg.ChunkMs,
		}, deliver, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, nil, nil
	}

	var source audio.Source
	switch cfg.Source {
	case "tone":
		source = audio.NewToneSource(cfg.SampleRate, cfg.ToneHz, false)
	case "wav":
		wav, err := openWAV(cfg)
		if err != nil {
			return nil, nil, err
		}
		source = wav
	default:
		return nil, nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}

	run := func(ctx context.Context) error {
		return pushLoop(ctx, source, cfg.ChunkSizeInSamples(), cfg.SampleRate, deliver)
	}
	return source, run, nil
}

func openWAV(cfg config.AudioConfig) (audio.Source, error) {
	source, err := audio.OpenWAVSource(cfg.WAVPath, cfg.Loop)
	if err != nil {
		return nil, err
	}
	if source.SampleRate() != cfg.SampleRate {
		source.Close()
		return nil, fmt.Errorf("wav file sample rate %d does not match configured %d", source.SampleRate(), cfg.SampleRate)
	}
	return source, nil
}

// pushLoop reads one chunk per chunk period and delivers it with the tick time
func pushLoop(ctx context.Context, source audio.Source, chunkSize, sampleRate int, deliver device.NotifyFunc) error {
	ticker := time.NewTicker(audio.SamplesDuration(chunkSize, sampleRate))
	defer ticker.Stop()

	buf := make([]int16, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := source.Read(buf)
			if n > 0 {
				deliver(buf[:n], now)
			}
			if err != nil {
				return err
			}
		}
	}
}
