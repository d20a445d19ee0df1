package encoder

import (
	"fmt"
	"sync"

	"github.com/simplelife2010/AIM/internal/audio"
)

type eventKind int

const (
	eventFormat eventKind = iota
	eventOutput
	eventError
)

type outputEvent struct {
	kind   eventKind
	index  int
	info   BufferInfo
	format Format
	err    error
}

// asyncCodec runs a synchronous SampleEncoder behind the Codec contract.
// Input slots are offered from one goroutine and outputs are delivered from
// another, in the order they were produced.
type asyncCodec struct {
	enc       SampleEncoder
	slots     [][]byte
	inputFree chan int
	notify    chan struct{}
	done      chan struct{}

	mu             sync.Mutex
	cb             Callback
	started        bool
	released       bool
	eos            bool
	pending        []int16
	samplesEncoded int64
	outputs        map[int][]byte
	nextOutput     int
	queue          []outputEvent

	releaseOnce sync.Once
}

// NewAsyncCodec wraps enc with slots input buffers of slotBytes each
func NewAsyncCodec(enc SampleEncoder, slots, slotBytes int) (Codec, error) {
	if enc == nil {
		return nil, fmt.Errorf("sample encoder cannot be nil")
	}
	if slots <= 0 {
		return nil, fmt.Errorf("input slots must be positive, got %d", slots)
	}
	if slotBytes < 2 || slotBytes%2 != 0 {
		return nil, fmt.Errorf("input slot size must be a positive even number of bytes, got %d", slotBytes)
	}

	c := &asyncCodec{
		enc:       enc,
		slots:     make([][]byte, slots),
		inputFree: make(chan int, slots),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		outputs:   make(map[int][]byte),
	}
	for i := range c.slots {
		c.slots[i] = make([]byte, slotBytes)
	}
	return c, nil
}

func (c *asyncCodec) Start(cb Callback) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrCodecReleased
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("codec already started")
	}
	c.cb = cb
	c.started = true
	c.queue = append(c.queue, outputEvent{kind: eventFormat, format: c.enc.Format()})
	c.mu.Unlock()

	for i := range c.slots {
		c.inputFree <- i
	}

	go c.inputLoop()
	go c.outputLoop()
	c.signal()
	return nil
}

func (c *asyncCodec) InputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, ErrCodecReleased
	}
	if index < 0 || index >= len(c.slots) {
		return nil, fmt.Errorf("%w: input %d", ErrInvalidBuffer, index)
	}
	return c.slots[index], nil
}

// QueueInputBuffer takes size bytes of PCM16 from slot index and encodes
// every complete packet. Packets are timestamped from the number of samples
// encoded so far.
func (c *asyncCodec) QueueInputBuffer(index, size int, ptsUs int64, flags BufferFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return ErrCodecReleased
	}
	if !c.started {
		return ErrNotStarted
	}
	if c.eos {
		return ErrEndOfStream
	}
	if index < 0 || index >= len(c.slots) {
		return fmt.Errorf("%w: input %d", ErrInvalidBuffer, index)
	}
	if size < 0 || size > len(c.slots[index]) {
		return fmt.Errorf("input size %d out of range for slot of %d bytes", size, len(c.slots[index]))
	}

	c.pending = append(c.pending, audio.BytesToSamples(c.slots[index][:size])...)

	frameSize := c.enc.FrameSize()
	for len(c.pending) >= frameSize {
		if !c.encodeLocked(c.pending[:frameSize]) {
			return nil
		}
		c.pending = c.pending[frameSize:]
	}

	if flags&FlagEndOfStream != 0 {
		c.eos = true
		if len(c.pending) > 0 {
			last := c.pending
			if c.enc.FixedFrameSize() {
				last = make([]int16, frameSize)
				copy(last, c.pending)
			}
			if !c.encodeLocked(last) {
				return nil
			}
			c.pending = nil
		}
		c.pushOutputLocked(nil, BufferInfo{PresentationTimeUs: c.ptsLocked(), Flags: FlagEndOfStream})
		c.signal()
		return nil
	}

	c.inputFree <- index
	c.signal()
	return nil
}

func (c *asyncCodec) encodeLocked(pcm []int16) bool {
	packet, err := c.enc.Encode(pcm)
	if err != nil {
		c.eos = true
		c.queue = append(c.queue, outputEvent{kind: eventError, err: fmt.Errorf("failed to encode packet: %w", err)})
		c.signal()
		return false
	}

	c.pushOutputLocked(packet, BufferInfo{Size: len(packet), PresentationTimeUs: c.ptsLocked()})
	c.samplesEncoded += int64(len(pcm))
	return true
}

func (c *asyncCodec) pushOutputLocked(data []byte, info BufferInfo) {
	index := c.nextOutput
	c.nextOutput++
	c.outputs[index] = data
	c.queue = append(c.queue, outputEvent{kind: eventOutput, index: index, info: info})
}

func (c *asyncCodec) ptsLocked() int64 {
	rate := int64(c.enc.Format().SampleRate)
	if rate <= 0 {
		return 0
	}
	return c.samplesEncoded * 1_000_000 / rate
}

func (c *asyncCodec) OutputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, ErrCodecReleased
	}
	data, ok := c.outputs[index]
	if !ok {
		return nil, fmt.Errorf("%w: output %d", ErrInvalidBuffer, index)
	}
	return data, nil
}

func (c *asyncCodec) ReleaseOutputBuffer(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return ErrCodecReleased
	}
	if _, ok := c.outputs[index]; !ok {
		return fmt.Errorf("%w: output %d", ErrInvalidBuffer, index)
	}
	delete(c.outputs, index)
	return nil
}

func (c *asyncCodec) Release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		c.released = true
		c.outputs = nil
		c.queue = nil
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *asyncCodec) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *asyncCodec) inputLoop() {
	for {
		select {
		case <-c.done:
			return
		case index := <-c.inputFree:
			if c.isReleased() {
				return
			}
			c.cb.OnInputAvailable(c, index)
		}
	}
}

func (c *asyncCodec) outputLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		for {
			ev, ok := c.nextEvent()
			if !ok {
				break
			}
			switch ev.kind {
			case eventFormat:
				c.cb.OnFormatChanged(c, ev.format)
			case eventOutput:
				c.cb.OnOutputAvailable(c, ev.index, ev.info)
			case eventError:
				c.cb.OnError(c, ev.err)
			}
		}
	}
}

func (c *asyncCodec) nextEvent() (outputEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released || len(c.queue) == 0 {
		return outputEvent{}, false
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, true
}

func (c *asyncCodec) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
