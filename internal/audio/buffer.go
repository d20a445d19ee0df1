package audio

import (
	"sync"
	"time"
)

// Buffer is a bounded circular buffer of capture samples. The capture
// callback writes into it and the assembler reads from it as a Source.
// When the reader falls behind, the oldest samples are overwritten.
type Buffer struct {
	samples  []int16
	readPos  int
	writePos int
	count    int

	closed     bool
	lastUpdate time.Time

	// Statistics
	totalWritten uint64
	totalRead    uint64
	overruns     uint64 // samples dropped because the buffer was full

	cond *sync.Cond
	mu   sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Capacity     int       `json:"capacity_samples"`
	Buffered     int       `json:"buffered_samples"`
	TotalWritten uint64    `json:"total_written"`
	TotalRead    uint64    `json:"total_read"`
	Overruns     uint64    `json:"overrun_samples"`
	LastUpdate   time.Time `json:"last_update"`
}

// NewBuffer creates a buffer holding up to capacity samples
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{samples: make([]int16, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends samples, overwriting the oldest ones when full. Writes after
// Close are discarded.
func (b *Buffer) Write(samples []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	size := len(b.samples)
	for _, s := range samples {
		if b.count == size {
			b.readPos = (b.readPos + 1) % size
			b.count--
			b.overruns++
		}
		b.samples[b.writePos] = s
		b.writePos = (b.writePos + 1) % size
		b.count++
	}

	b.totalWritten += uint64(len(samples))
	b.lastUpdate = time.Now()
	b.cond.Broadcast()
}

// Read blocks until at least one sample is buffered, then copies as many as
// fit into buf. It returns ErrSourceClosed once closed and drained.
func (b *Buffer) Read(buf []int16) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		return 0, ErrSourceClosed
	}

	n := b.drainLocked(buf)
	return n, nil
}

// TryRead copies whatever is buffered without blocking
func (b *Buffer) TryRead(buf []int16) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked(buf)
}

func (b *Buffer) drainLocked(buf []int16) int {
	size := len(b.samples)
	n := 0
	for n < len(buf) && b.count > 0 {
		buf[n] = b.samples[b.readPos]
		b.readPos = (b.readPos + 1) % size
		b.count--
		n++
	}
	b.totalRead += uint64(n)
	return n
}

// Drain discards everything buffered so far and returns the number of
// samples dropped.
func (b *Buffer) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	b.readPos = b.writePos
	b.count = 0
	return n
}

// Available returns the number of buffered samples
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Close wakes blocked readers. Buffered samples can still be read.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		Capacity:     len(b.samples),
		Buffered:     b.count,
		TotalWritten: b.totalWritten,
		TotalRead:    b.totalRead,
		Overruns:     b.overruns,
		LastUpdate:   b.lastUpdate,
	}
}
