// Package opus provides the libopus sample encoder used for Ogg/Opus artifacts.
package opus

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/simplelife2010/AIM/internal/encoder"
)

// maxPacketBytes is the largest packet libopus is asked to produce
const maxPacketBytes = 4000

// Encoder encodes mono PCM16 into 20 ms Opus packets
type Encoder struct {
	enc        *opus.Encoder
	sampleRate int
	bitRate    int
	frameSize  int
	out        []byte
}

// New creates an Opus encoder. sampleRate must be one libopus accepts.
func New(sampleRate, bitRate int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(bitRate); err != nil {
		return nil, fmt.Errorf("failed to set opus bit rate %d: %w", bitRate, err)
	}

	return &Encoder{
		enc:        enc,
		sampleRate: sampleRate,
		bitRate:    bitRate,
		frameSize:  sampleRate / 50,
		out:        make([]byte, maxPacketBytes),
	}, nil
}

func (e *Encoder) Format() encoder.Format {
	return encoder.Format{
		MimeType:   encoder.MimeOpus,
		SampleRate: e.sampleRate,
		Channels:   1,
		BitRate:    e.bitRate,
	}
}

func (e *Encoder) FrameSize() int       { return e.frameSize }
func (e *Encoder) FixedFrameSize() bool { return true }

// Encode encodes exactly one frame. The returned packet is a fresh slice.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSize {
		return nil, fmt.Errorf("opus frame must be %d samples, got %d", e.frameSize, len(pcm))
	}
	n, err := e.enc.Encode(pcm, e.out)
	if err != nil {
		return nil, err
	}
	packet := make([]byte, n)
	copy(packet, e.out[:n])
	return packet, nil
}

// Factory builds an Opus encoder for the opus codec and defers to the
// built-in encoders otherwise.
func Factory(settings encoder.Settings) (encoder.SampleEncoder, error) {
	if settings.Codec != encoder.CodecOpus {
		return encoder.NewSampleEncoder(settings)
	}
	enc, err := New(settings.SampleRate, settings.BitRate)
	if err != nil {
		return nil, err
	}
	return enc, nil
}
