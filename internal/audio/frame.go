package audio

import "time"

// Frame is one fixed-length block of mono PCM-16 samples. A frame handed to
// the fan-out is shared read-only by every consumer.
type Frame struct {
	Timestamp  time.Time // capture time of the first sample
	SampleRate int
	Samples    []int16
}

// Duration returns the playback length of the frame
func (f *Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns a little-endian copy of the samples
func (f *Frame) Bytes() []byte {
	return SamplesToBytes(f.Samples)
}

// SamplesDuration converts a sample count at sampleRate to a duration
// without going through milliseconds.
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}
