package encoder

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/simplelife2010/AIM/internal/audio"
	"github.com/simplelife2010/AIM/internal/store"
)

type queuedInput struct {
	index int
	size  int
	ptsUs int64
	flags BufferFlags
}

// manualCodec lets a test drive session callbacks directly
type manualCodec struct {
	slot     []byte
	queued   []queuedInput
	outputs  map[int][]byte
	released int
}

func newManualCodec(slotBytes int) *manualCodec {
	return &manualCodec{slot: make([]byte, slotBytes), outputs: make(map[int][]byte)}
}

func (c *manualCodec) Start(cb Callback) error { return nil }

func (c *manualCodec) InputBuffer(index int) ([]byte, error) { return c.slot, nil }

func (c *manualCodec) QueueInputBuffer(index, size int, ptsUs int64, flags BufferFlags) error {
	c.queued = append(c.queued, queuedInput{index: index, size: size, ptsUs: ptsUs, flags: flags})
	return nil
}

func (c *manualCodec) OutputBuffer(index int) ([]byte, error) {
	data, ok := c.outputs[index]
	if !ok {
		return nil, ErrInvalidBuffer
	}
	return data, nil
}

func (c *manualCodec) ReleaseOutputBuffer(index int) error {
	delete(c.outputs, index)
	return nil
}

func (c *manualCodec) Release() { c.released++ }

type doneRecorder struct {
	calls    int
	artifact *store.Artifact
	err      error
}

func (d *doneRecorder) onDone(s *Session, a *store.Artifact, err error) {
	d.calls++
	d.artifact = a
	d.err = err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func wavSettings(sampleRate int) Settings {
	return Settings{
		Container:      ContainerWAV,
		Codec:          CodecPCM,
		SampleRate:     sampleRate,
		Channels:       1,
		BitDepth:       16,
		InputSlots:     2,
		InputSlotBytes: 8,
	}
}

func newTestSession(t *testing.T, codec Codec, samples []int16, done *doneRecorder) (*Session, store.Layout) {
	t.Helper()
	layout := store.Layout{Root: t.TempDir(), Prefix: "audio", Ext: "wav"}
	frame := &audio.Frame{
		Timestamp:  time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		SampleRate: 1000,
		Samples:    samples,
	}
	s, err := NewSession(SessionConfig{
		Frame:    frame,
		Settings: wavSettings(1000),
		Layout:   layout,
		Codec:    codec,
		OnDone:   done.onDone,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s, layout
}

func TestSessionInputSlicingAndSingleEndOfStream(t *testing.T) {
	codec := newManualCodec(8)
	done := &doneRecorder{}
	s, _ := newTestSession(t, codec, make([]int16, 10), done)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Input-ready keeps firing after the frame is exhausted.
	for i := 0; i < 6; i++ {
		s.OnInputAvailable(codec, i%2)
	}

	expected := []queuedInput{
		{index: 0, size: 8, ptsUs: 0},
		{index: 1, size: 8, ptsUs: 4000},
		{index: 0, size: 4, ptsUs: 8000},
		{index: 1, size: 0, ptsUs: 10000, flags: FlagEndOfStream},
	}
	if len(codec.queued) != len(expected) {
		t.Fatalf("Expected %d queued inputs, got %d: %+v", len(expected), len(codec.queued), codec.queued)
	}
	for i := range expected {
		if codec.queued[i] != expected[i] {
			t.Errorf("Input %d: expected %+v, got %+v", i, expected[i], codec.queued[i])
		}
	}
	if s.State() != SessionDraining {
		t.Errorf("Expected state draining, got %s", s.State())
	}
}

func TestSessionFinalizesArtifact(t *testing.T) {
	codec := newManualCodec(8)
	done := &doneRecorder{}
	samples := []int16{1, -2, 3, -4}
	s, layout := newTestSession(t, codec, samples, done)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := os.Stat(s.Path() + store.PartSuffix); err != nil {
		t.Fatalf("Expected in-progress file: %v", err)
	}

	s.OnFormatChanged(codec, Format{MimeType: MimeRaw, SampleRate: 1000, Channels: 1})
	codec.outputs[0] = audio.SamplesToBytes(samples)
	s.OnOutputAvailable(codec, 0, BufferInfo{Size: 8})
	codec.outputs[1] = nil
	s.OnOutputAvailable(codec, 1, BufferInfo{PresentationTimeUs: 4000, Flags: FlagEndOfStream})

	if done.calls != 1 || done.err != nil {
		t.Fatalf("Expected one successful completion, got %d calls, err %v", done.calls, done.err)
	}
	if codec.released != 1 {
		t.Errorf("Expected codec released once, got %d", codec.released)
	}
	if len(codec.outputs) != 0 {
		t.Errorf("Expected all outputs released, %d left", len(codec.outputs))
	}

	a := done.artifact
	expectedPath := layout.Path(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	if a.Path != expectedPath {
		t.Errorf("Expected path %s, got %s", expectedPath, a.Path)
	}
	if a.SizeBytes != int64(audio.WAVHeaderSize+8) {
		t.Errorf("Expected size %d, got %d", audio.WAVHeaderSize+8, a.SizeBytes)
	}
	if _, err := os.Stat(a.Path + store.PartSuffix); !os.IsNotExist(err) {
		t.Error("Expected in-progress file to be renamed")
	}

	data, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	decoded, rate, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if rate != 1000 || len(decoded) != len(samples) {
		t.Fatalf("Expected 4 samples at 1000 Hz, got %d at %d", len(decoded), rate)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}

	// Late signals after close are ignored.
	s.OnInputAvailable(codec, 0)
	s.OnError(codec, errors.New("late"))
	if done.calls != 1 {
		t.Errorf("Expected completion exactly once, got %d", done.calls)
	}
}

func TestSessionOutputBeforeFormatAborts(t *testing.T) {
	codec := newManualCodec(8)
	done := &doneRecorder{}
	s, _ := newTestSession(t, codec, make([]int16, 4), done)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	codec.outputs[0] = []byte{0, 0}
	s.OnOutputAvailable(codec, 0, BufferInfo{Size: 2})

	if !errors.Is(done.err, ErrOutputBeforeFormat) {
		t.Errorf("Expected ErrOutputBeforeFormat, got %v", done.err)
	}
	if _, err := os.Stat(s.Path() + store.PartSuffix); !os.IsNotExist(err) {
		t.Error("Expected in-progress file removed after abort")
	}
	if s.State() != SessionClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
}

func TestSessionSecondFormatChangeAborts(t *testing.T) {
	codec := newManualCodec(8)
	done := &doneRecorder{}
	s, _ := newTestSession(t, codec, make([]int16, 4), done)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	format := Format{MimeType: MimeRaw, SampleRate: 1000, Channels: 1}
	s.OnFormatChanged(codec, format)
	s.OnFormatChanged(codec, format)

	if !errors.Is(done.err, ErrFormatChanged) {
		t.Errorf("Expected ErrFormatChanged, got %v", done.err)
	}
}

func TestSessionCodecErrorAborts(t *testing.T) {
	codec := newManualCodec(8)
	done := &doneRecorder{}
	s, layout := newTestSession(t, codec, make([]int16, 4), done)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.OnError(codec, errors.New("encoder exploded"))

	if !errors.Is(done.err, ErrSessionAborted) {
		t.Errorf("Expected ErrSessionAborted, got %v", done.err)
	}
	if codec.released != 1 {
		t.Errorf("Expected codec released, got %d", codec.released)
	}

	artifacts, err := layout.Recent(0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(artifacts) != 0 {
		t.Errorf("Expected no artifacts, got %d", len(artifacts))
	}
}

func TestSessionRecreatesVanishedDirectory(t *testing.T) {
	codec := newManualCodec(8)
	done := &doneRecorder{}
	s, _ := newTestSession(t, codec, make([]int16, 4), done)

	calls := 0
	s.newMuxer = func(settings Settings, path string) (Muxer, error) {
		calls++
		if calls == 1 {
			// A retention sweep removed the fresh empty directory.
			os.RemoveAll(filepath.Dir(path))
		}
		m, err := NewWAVMuxer(path)
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 creation attempts, got %d", calls)
	}
	if _, err := os.Stat(s.Path() + store.PartSuffix); err != nil {
		t.Errorf("Expected in-progress file after retry: %v", err)
	}
}
