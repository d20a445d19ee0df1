package encoder

import "fmt"

// Muxer writes encoded packets into a container file
type Muxer interface {
	AddTrack(format Format) (int, error)
	Start() error
	WriteSampleData(track int, data []byte, info BufferInfo) error
	// Stop completes and closes the file
	Stop() error
	// Abort closes the file without completing it
	Abort() error
}

// MuxerFactory creates the muxer for a session writing to path
type MuxerFactory func(settings Settings, path string) (Muxer, error)

// NewMuxer creates the muxer matching the container in settings
func NewMuxer(settings Settings, path string) (Muxer, error) {
	switch settings.Container {
	case ContainerWAV:
		m, err := NewWAVMuxer(path)
		if err != nil {
			return nil, err
		}
		return m, nil
	case ContainerOgg:
		m, err := NewOggMuxer(path, settings.SampleRate, settings.Channels)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown container '%s'", ErrInvalidConfig, settings.Container)
	}
}
