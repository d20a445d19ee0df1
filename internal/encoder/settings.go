package encoder

import (
	"errors"
	"fmt"
	"slices"
)

const (
	ContainerOgg = "ogg"
	ContainerWAV = "wav"

	CodecOpus = "opus"
	CodecPCM  = "pcm"
)

// ErrInvalidConfig is returned for unsupported codec, container and rate combinations
var ErrInvalidConfig = errors.New("invalid encoder configuration")

// OpusSampleRates lists the input rates libopus accepts
var OpusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// Settings selects the encoding of every new session
type Settings struct {
	Container      string `json:"container"`
	Codec          string `json:"codec"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	BitDepth       int    `json:"bit_depth"`
	BitRate        int    `json:"bit_rate"`
	InputSlots     int    `json:"input_slots"`
	InputSlotBytes int    `json:"input_slot_bytes"`
}

// Validate checks that the combination can be encoded
func (s Settings) Validate() error {
	if s.Channels != 1 {
		return fmt.Errorf("%w: only mono is supported, got %d channels", ErrInvalidConfig, s.Channels)
	}
	if s.BitDepth != 16 {
		return fmt.Errorf("%w: only 16-bit PCM input is supported, got %d", ErrInvalidConfig, s.BitDepth)
	}
	if s.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidConfig, s.SampleRate)
	}
	if s.InputSlots <= 0 || s.InputSlotBytes < 2 || s.InputSlotBytes%2 != 0 {
		return fmt.Errorf("%w: invalid input slots %d x %d bytes", ErrInvalidConfig, s.InputSlots, s.InputSlotBytes)
	}

	switch s.Container {
	case ContainerOgg:
		if s.Codec != CodecOpus {
			return fmt.Errorf("%w: container 'ogg' requires codec 'opus', got '%s'", ErrInvalidConfig, s.Codec)
		}
	case ContainerWAV:
		if s.Codec != CodecPCM {
			return fmt.Errorf("%w: container 'wav' requires codec 'pcm', got '%s'", ErrInvalidConfig, s.Codec)
		}
	default:
		return fmt.Errorf("%w: unknown container '%s'", ErrInvalidConfig, s.Container)
	}

	if s.Codec == CodecOpus {
		if !slices.Contains(OpusSampleRates, s.SampleRate) {
			return fmt.Errorf("%w: codec 'opus' does not support sample rate %d", ErrInvalidConfig, s.SampleRate)
		}
		if s.BitRate < 6000 || s.BitRate > 510000 {
			return fmt.Errorf("%w: opus bit rate must be between 6000 and 510000, got %d", ErrInvalidConfig, s.BitRate)
		}
	}

	return nil
}

// Extension returns the file extension of the container
func (s Settings) Extension() string {
	return s.Container
}

// BytesPerSecond returns the PCM input rate of a session
func (s Settings) BytesPerSecond() int {
	return s.SampleRate * s.Channels * s.BitDepth / 8
}
