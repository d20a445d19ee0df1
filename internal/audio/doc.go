// Package audio holds the capture side of the recorder: sample sources, the
// capture ring buffer, the chunker that reassembles fixed-length frames from
// short reads, and PCM/WAV conversion helpers.
package audio
