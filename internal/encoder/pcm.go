package encoder

import (
	"fmt"

	"github.com/simplelife2010/AIM/internal/audio"
)

// pcmEncoder passes PCM16 through unchanged, one 20 ms block at a time
type pcmEncoder struct {
	sampleRate int
	frameSize  int
}

// NewPCMEncoder creates a raw PCM passthrough encoder
func NewPCMEncoder(sampleRate int) (SampleEncoder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return &pcmEncoder{
		sampleRate: sampleRate,
		frameSize:  max(sampleRate/50, 1),
	}, nil
}

func (e *pcmEncoder) Format() Format {
	return Format{
		MimeType:   MimeRaw,
		SampleRate: e.sampleRate,
		Channels:   1,
		BitRate:    e.sampleRate * 16,
	}
}

func (e *pcmEncoder) FrameSize() int       { return e.frameSize }
func (e *pcmEncoder) FixedFrameSize() bool { return false }

func (e *pcmEncoder) Encode(pcm []int16) ([]byte, error) {
	return audio.SamplesToBytes(pcm), nil
}

// NewSampleEncoder builds the encoders available without cgo. Opus is
// provided by the opus subpackage.
func NewSampleEncoder(settings Settings) (SampleEncoder, error) {
	switch settings.Codec {
	case CodecPCM:
		return NewPCMEncoder(settings.SampleRate)
	default:
		return nil, fmt.Errorf("%w: codec '%s' is not available", ErrInvalidConfig, settings.Codec)
	}
}
