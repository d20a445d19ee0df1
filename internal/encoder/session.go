package encoder

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/store"
)

// SessionState is the lifecycle position of an encoder session
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionEncoding
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionEncoding:
		return "encoding"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrOutputBeforeFormat = errors.New("output received before format")
	ErrFormatChanged      = errors.New("output format changed mid-stream")
	ErrSessionAborted     = errors.New("session aborted")
)

const bytesPerSample = 2

// DoneFunc is called exactly once when a session closes, with either the
// finalized artifact or the error that aborted it.
type DoneFunc func(s *Session, artifact *store.Artifact, err error)

// SessionConfig contains what one session needs to encode a frame
type SessionConfig struct {
	Frame    *audio.Frame
	Settings Settings
	Layout   store.Layout
	Codec    Codec
	NewMuxer MuxerFactory
	OnDone   DoneFunc
	Logger   *slog.Logger
}

// Session encodes one frame into one artifact. It is the Callback of its
// codec and serializes every signal under its own mutex.
type Session struct {
	id        string
	timestamp time.Time
	settings  Settings
	finalPath string
	partPath  string
	codec     Codec
	newMuxer  MuxerFactory
	onDone    DoneFunc
	logger    *slog.Logger
	started   time.Time

	mu          sync.Mutex
	captureBuf  []byte
	pos         int
	ptsUs       int64
	eosSignaled bool
	state       SessionState
	muxer       Muxer
	track       int
	formatSeen  bool
	closeErr    error
}

// NewSession prepares a session. Nothing is written until Start.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Frame == nil || len(config.Frame.Samples) == 0 {
		return nil, fmt.Errorf("session needs a non-empty frame")
	}
	if config.Codec == nil {
		return nil, fmt.Errorf("session needs a codec")
	}
	if config.NewMuxer == nil {
		config.NewMuxer = NewMuxer
	}
	if config.OnDone == nil {
		config.OnDone = func(*Session, *store.Artifact, error) {}
	}

	id := uuid.NewString()
	final := config.Layout.Path(config.Frame.Timestamp)
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		id:         id,
		timestamp:  config.Frame.Timestamp,
		settings:   config.Settings,
		finalPath:  final,
		partPath:   final + store.PartSuffix,
		codec:      config.Codec,
		newMuxer:   config.NewMuxer,
		onDone:     config.OnDone,
		logger:     logger.With(slog.String("session_id", id)),
		captureBuf: config.Frame.Bytes(),
		state:      SessionIdle,
	}, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Path returns the final artifact path
func (s *Session) Path() string {
	return s.finalPath
}

// State returns the current session state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start creates the in-progress file and starts the codec
func (s *Session) Start() error {
	s.started = time.Now()

	muxer, err := s.openMuxer()
	if err != nil {
		err = fmt.Errorf("failed to create %s: %w", s.partPath, err)
		s.Abort(err)
		return err
	}

	s.mu.Lock()
	s.muxer = muxer
	s.state = SessionEncoding
	s.mu.Unlock()

	s.logger.Debug("Encoder session started",
		slog.String("path", s.partPath),
		slog.Int("bytes", len(s.captureBuf)),
	)

	if err := s.codec.Start(s); err != nil {
		err = fmt.Errorf("failed to start codec: %w", err)
		s.Abort(err)
		return err
	}
	return nil
}

// openMuxer creates the in-progress file. The directory is created again if a
// retention sweep removed it between MkdirAll and the file creation.
func (s *Session) openMuxer() (Muxer, error) {
	create := func() (Muxer, error) {
		if err := os.MkdirAll(filepath.Dir(s.partPath), 0755); err != nil {
			return nil, err
		}
		return s.newMuxer(s.settings, s.partPath)
	}

	muxer, err := create()
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("Artifact directory vanished, retrying", slog.String("path", s.partPath))
		muxer, err = create()
	}
	return muxer, err
}

// OnInputAvailable fills the offered slot with the next unread bytes of the
// frame, or signals end of stream once when the frame is exhausted.
func (s *Session) OnInputAvailable(c Codec, index int) {
	s.mu.Lock()
	if s.state == SessionClosed || s.eosSignaled {
		s.mu.Unlock()
		return
	}

	err := s.feedLocked(c, index)
	if err != nil {
		_, err = s.failLocked(err)
	}
	s.mu.Unlock()

	if err != nil {
		s.onDone(s, nil, err)
	}
}

func (s *Session) feedLocked(c Codec, index int) error {
	if s.pos < len(s.captureBuf) {
		buf, err := c.InputBuffer(index)
		if err != nil {
			return err
		}

		n := copy(buf, s.captureBuf[s.pos:])
		if err := c.QueueInputBuffer(index, n, s.ptsUs, 0); err != nil {
			return fmt.Errorf("failed to queue input: %w", err)
		}
		s.pos += n
		s.ptsUs += 1_000_000 * int64(n) / int64(bytesPerSample*s.settings.SampleRate)
		return nil
	}

	if err := c.QueueInputBuffer(index, 0, s.ptsUs, FlagEndOfStream); err != nil {
		return fmt.Errorf("failed to queue end of stream: %w", err)
	}
	s.eosSignaled = true
	s.state = SessionDraining
	return nil
}

// OnFormatChanged adds the single track and starts the muxer
func (s *Session) OnFormatChanged(c Codec, format Format) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	if s.formatSeen {
		artifact, err := s.failLocked(ErrFormatChanged)
		s.mu.Unlock()
		s.onDone(s, artifact, err)
		return
	}

	track, err := s.muxer.AddTrack(format)
	if err == nil {
		err = s.muxer.Start()
	}
	if err != nil {
		artifact, err := s.failLocked(fmt.Errorf("failed to start muxer: %w", err))
		s.mu.Unlock()
		s.onDone(s, artifact, err)
		return
	}

	s.track = track
	s.formatSeen = true
	s.mu.Unlock()
}

// OnOutputAvailable writes one encoded packet and finalizes the artifact on
// end of stream
func (s *Session) OnOutputAvailable(c Codec, index int, info BufferInfo) {
	s.mu.Lock()
	artifact, done, err := s.handleOutputLocked(c, index, info)
	s.mu.Unlock()

	if done {
		s.onDone(s, artifact, err)
	}
}

func (s *Session) handleOutputLocked(c Codec, index int, info BufferInfo) (*store.Artifact, bool, error) {
	if s.state == SessionClosed {
		return nil, false, nil
	}
	if !s.formatSeen {
		artifact, err := s.failLocked(ErrOutputBeforeFormat)
		return artifact, true, err
	}

	if info.Size > 0 {
		data, err := c.OutputBuffer(index)
		if err != nil {
			artifact, err := s.failLocked(err)
			return artifact, true, err
		}
		if info.Offset < 0 || info.Offset+info.Size > len(data) {
			artifact, err := s.failLocked(fmt.Errorf("output region %d+%d exceeds buffer of %d bytes", info.Offset, info.Size, len(data)))
			return artifact, true, err
		}
		if err := s.muxer.WriteSampleData(s.track, data[info.Offset:info.Offset+info.Size], info); err != nil {
			artifact, err := s.failLocked(err)
			return artifact, true, err
		}
	}

	if err := c.ReleaseOutputBuffer(index); err != nil {
		artifact, err := s.failLocked(fmt.Errorf("failed to release output: %w", err))
		return artifact, true, err
	}

	if !info.EndOfStream() {
		return nil, false, nil
	}

	artifact, err := s.finalizeLocked()
	return artifact, true, err
}

// OnError aborts this session only
func (s *Session) OnError(c Codec, err error) {
	s.Abort(fmt.Errorf("codec error: %w", err))
}

// Abort closes the session with err unless it already closed
func (s *Session) Abort(err error) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	artifact, err := s.failLocked(err)
	s.mu.Unlock()
	s.onDone(s, artifact, err)
}

func (s *Session) finalizeLocked() (*store.Artifact, error) {
	if err := s.muxer.Stop(); err != nil {
		s.muxer = nil
		return s.failLocked(fmt.Errorf("failed to finalize container: %w", err))
	}
	s.muxer = nil

	if err := os.Rename(s.partPath, s.finalPath); err != nil {
		return s.failLocked(fmt.Errorf("failed to rename artifact: %w", err))
	}

	info, err := os.Stat(s.finalPath)
	if err != nil {
		return s.failLocked(fmt.Errorf("failed to stat artifact: %w", err))
	}

	s.codec.Release()
	s.state = SessionClosed

	return &store.Artifact{
		Timestamp: s.timestamp,
		Dir:       filepath.Dir(s.finalPath),
		Filename:  filepath.Base(s.finalPath),
		Path:      s.finalPath,
		SizeBytes: info.Size(),
		Container: s.settings.Container,
		Codec:     s.settings.Codec,
	}, nil
}

// failLocked releases everything the session holds and removes the
// in-progress file
func (s *Session) failLocked(cause error) (*store.Artifact, error) {
	if s.muxer != nil {
		if err := s.muxer.Abort(); err != nil {
			s.logger.Debug("Failed to close aborted container", slog.String("error", err.Error()))
		}
		s.muxer = nil
	}
	if err := os.Remove(s.partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to remove aborted artifact",
			slog.String("path", s.partPath),
			slog.String("error", err.Error()),
		)
	}
	s.codec.Release()
	s.state = SessionClosed
	s.closeErr = fmt.Errorf("%w: %w", ErrSessionAborted, cause)
	return nil, s.closeErr
}

// Elapsed returns the time since Start
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.started)
}
