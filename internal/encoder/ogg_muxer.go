package encoder

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	opusPayloadType = 111
	opusClockRate   = 48000
)

// OggMuxer writes Opus packets into an Ogg container. Packets are wrapped in
// RTP so oggwriter can derive granule positions from 48 kHz timestamps.
type OggMuxer struct {
	writer  *oggwriter.OggWriter
	ssrc    uint32
	seq     uint16
	tracks  int
	started bool
}

// NewOggMuxer creates the output file at path and writes the Opus headers
func NewOggMuxer(path string, sampleRate, channels int) (*OggMuxer, error) {
	writer, err := oggwriter.New(path, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, err
	}
	return &OggMuxer{
		writer: writer,
		ssrc:   uuid.New().ID(),
	}, nil
}

func (m *OggMuxer) AddTrack(format Format) (int, error) {
	if m.started {
		return -1, fmt.Errorf("cannot add track after start")
	}
	if m.tracks > 0 {
		return -1, fmt.Errorf("ogg muxer supports a single track")
	}
	if format.MimeType != MimeOpus {
		return -1, fmt.Errorf("ogg muxer cannot carry %s", format.MimeType)
	}
	m.tracks++
	return 0, nil
}

func (m *OggMuxer) Start() error {
	if m.tracks == 0 {
		return fmt.Errorf("no track added")
	}
	m.started = true
	return nil
}

func (m *OggMuxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if !m.started {
		return fmt.Errorf("muxer not started")
	}
	if track != 0 {
		return fmt.Errorf("unknown track %d", track)
	}

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: m.seq,
			Timestamp:      uint32(info.PresentationTimeUs * opusClockRate / 1_000_000),
			SSRC:           m.ssrc,
		},
		Payload: data,
	}
	m.seq++

	if err := m.writer.WriteRTP(packet); err != nil {
		return fmt.Errorf("failed to write ogg page: %w", err)
	}
	return nil
}

func (m *OggMuxer) Stop() error {
	if err := m.writer.Close(); err != nil {
		return fmt.Errorf("failed to close ogg file: %w", err)
	}
	if !m.started {
		return fmt.Errorf("muxer not started")
	}
	return nil
}

func (m *OggMuxer) Abort() error {
	return m.writer.Close()
}
