package encoder

import "errors"

// BufferFlags annotate queued input and produced output buffers
type BufferFlags uint32

const (
	// FlagEndOfStream marks the last buffer of a stream
	FlagEndOfStream BufferFlags = 1 << iota
)

// Mime types reported through OnFormatChanged
const (
	MimeOpus = "audio/opus"
	MimeRaw  = "audio/raw"
)

var (
	ErrCodecReleased = errors.New("codec released")
	ErrInvalidBuffer = errors.New("invalid buffer index")
	ErrEndOfStream   = errors.New("input already at end of stream")
	ErrNotStarted    = errors.New("codec not started")
)

// BufferInfo describes the valid region of an output buffer
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}

// EndOfStream reports whether this is the final output
func (i BufferInfo) EndOfStream() bool {
	return i.Flags&FlagEndOfStream != 0
}

// Format describes the encoded stream
type Format struct {
	MimeType   string `json:"mime_type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitRate    int    `json:"bit_rate"`
}

// Callback receives codec signals. Input signals arrive on one goroutine,
// output, format and error signals on another.
type Callback interface {
	OnInputAvailable(c Codec, index int)
	OnOutputAvailable(c Codec, index int, info BufferInfo)
	OnFormatChanged(c Codec, format Format)
	OnError(c Codec, err error)
}

// Codec is an asynchronous buffer-exchange encoder. The client fills input
// slots it is offered, queues them back, and drains output buffers as they
// are signalled.
type Codec interface {
	Start(cb Callback) error
	InputBuffer(index int) ([]byte, error)
	QueueInputBuffer(index, size int, ptsUs int64, flags BufferFlags) error
	OutputBuffer(index int) ([]byte, error)
	ReleaseOutputBuffer(index int) error
	// Release stops signalling and frees buffers. It is safe to call from a callback.
	Release()
}

// SampleEncoder turns fixed-size blocks of PCM16 samples into packets
type SampleEncoder interface {
	Format() Format
	// FrameSize is the number of samples per packet
	FrameSize() int
	// FixedFrameSize reports whether a short final block must be padded
	FixedFrameSize() bool
	Encode(pcm []int16) ([]byte, error)
}

// EncoderFactory builds the sample encoder for one session
type EncoderFactory func(settings Settings) (SampleEncoder, error)
