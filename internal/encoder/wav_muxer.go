package encoder

import (
	"fmt"
	"io"
	"os"

	"github.com/simplelife2010/AIM/internal/audio"
)

// WAVMuxer writes a single raw PCM track into a RIFF/WAVE file. The header
// is written with zero sizes on Start and patched on Stop.
type WAVMuxer struct {
	file     *os.File
	format   Format
	tracks   int
	started  bool
	dataSize uint32
}

// NewWAVMuxer creates the output file at path
func NewWAVMuxer(path string) (*WAVMuxer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &WAVMuxer{file: file}, nil
}

func (m *WAVMuxer) AddTrack(format Format) (int, error) {
	if m.started {
		return -1, fmt.Errorf("cannot add track after start")
	}
	if m.tracks > 0 {
		return -1, fmt.Errorf("wav supports a single track")
	}
	if format.MimeType != MimeRaw {
		return -1, fmt.Errorf("wav cannot carry %s", format.MimeType)
	}
	m.format = format
	m.tracks++
	return 0, nil
}

func (m *WAVMuxer) Start() error {
	if m.tracks == 0 {
		return fmt.Errorf("no track added")
	}
	header := audio.NewWAVHeader(m.format.SampleRate, m.format.Channels, 16, 0)
	if _, err := header.WriteTo(m.file); err != nil {
		return err
	}
	m.started = true
	return nil
}

func (m *WAVMuxer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if !m.started {
		return fmt.Errorf("muxer not started")
	}
	if track != 0 {
		return fmt.Errorf("unknown track %d", track)
	}
	n, err := m.file.Write(data)
	m.dataSize += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write sample data: %w", err)
	}
	return nil
}

func (m *WAVMuxer) Stop() error {
	if !m.started {
		m.file.Close()
		return fmt.Errorf("muxer not started")
	}
	if _, err := m.file.Seek(0, io.SeekStart); err != nil {
		m.file.Close()
		return fmt.Errorf("failed to seek to header: %w", err)
	}
	header := audio.NewWAVHeader(m.format.SampleRate, m.format.Channels, 16, m.dataSize)
	if _, err := header.WriteTo(m.file); err != nil {
		m.file.Close()
		return err
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("failed to close wav file: %w", err)
	}
	return nil
}

func (m *WAVMuxer) Abort() error {
	return m.file.Close()
}
