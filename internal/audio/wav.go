package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WAVHeaderSize is the size of the canonical 44 byte PCM header
const WAVHeaderSize = 44

// WAVHeader represents the header structure of a canonical PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// NewWAVHeader builds a PCM header for dataSize bytes of audio
func NewWAVHeader(sampleRate, channels, bitsPerSample int, dataSize uint32) WAVHeader {
	blockAlign := uint16(channels * bitsPerSample / 8)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: uint16(bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WriteTo writes the header in little-endian byte order
func (h WAVHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return WAVHeaderSize, nil
}

// ReadWAVHeader reads and checks a canonical mono PCM-16 header
func ReadWAVHeader(r io.Reader) (*WAVHeader, error) {
	var header WAVHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(header.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(header.Subchunk1ID[:]) != "fmt " {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(header.Subchunk2ID[:]) != "data" {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if header.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}
	if header.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}
	if header.NumChannels != 1 {
		return nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}
	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	return &header, nil
}

// EncodeWAV encodes mono PCM-16 samples into a complete WAV file
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	header := NewWAVHeader(sampleRate, 1, 16, uint32(len(samples)*2))

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(samples)*2))
	if _, err := header.WriteTo(buf); err != nil {
		return nil, err
	}
	buf.Write(SamplesToBytes(samples))

	return buf.Bytes(), nil
}

// DecodeWAV decodes a mono PCM-16 WAV file back to samples
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < WAVHeaderSize {
		return nil, 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	header, err := ReadWAVHeader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}

	payload := data[WAVHeaderSize:]
	if int(header.Subchunk2Size) < len(payload) {
		payload = payload[:header.Subchunk2Size]
	}
	if len(payload) < 2 {
		return nil, 0, fmt.Errorf("no audio data found")
	}

	return BytesToSamples(payload), int(header.SampleRate), nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if len(data) < WAVHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	header, err := ReadWAVHeader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	numSamples := header.Subchunk2Size / uint32(header.BlockAlign)
	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}

// SamplesToBytes returns the little-endian byte view of PCM-16 samples
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples converts little-endian PCM-16 bytes to samples. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
