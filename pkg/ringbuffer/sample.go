package ringbuffer

import "encoding/binary"

// Sample is one stereo audio frame, signed 16-bit per channel — the
// common PCM frame size for the audio backends this core expects to sit
// in front of.
type Sample struct {
	Left, Right int16
}

const sampleStride = 2 + 2

// SampleRing is an SPSC ring of Sample frames: pushed by the CPU thread
// as the guest's audio device produces them, popped by the audio thread
// at its own pace.
type SampleRing struct {
	ring *Ring
}

// NewSampleRing creates a SampleRing with room for capacity frames.
// capacity must be a power of two.
func NewSampleRing(capacity int) *SampleRing {
	return &SampleRing{ring: New(capacity, sampleStride)}
}

// Push enqueues one frame, reporting false if the ring is full — the
// expected behavior is to drop the frame rather than stall the CPU
// thread, the same policy AddressSpace uses for unmapped accesses.
func (s *SampleRing) Push(sample Sample) bool {
	var buf [sampleStride]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(sample.Left))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(sample.Right))
	return s.ring.Push(buf[:])
}

// PushBatch enqueues as many of samples as fit, returning the count
// actually pushed. The audio device is expected to call this once per
// tick with however many frames it produced that tick.
func (s *SampleRing) PushBatch(samples []Sample) int {
	n := 0
	for _, sm := range samples {
		if !s.Push(sm) {
			break
		}
		n++
	}
	return n
}

// Pop dequeues the oldest frame, reporting false if the ring is empty.
func (s *SampleRing) Pop() (Sample, bool) {
	var buf [sampleStride]byte
	if !s.ring.Pop(buf[:]) {
		return Sample{}, false
	}
	return Sample{
		Left:  int16(binary.LittleEndian.Uint16(buf[0:2])),
		Right: int16(binary.LittleEndian.Uint16(buf[2:4])),
	}, true
}

// Len and Cap report the ring's current occupancy and fixed capacity.
func (s *SampleRing) Len() int { return s.ring.Len() }
func (s *SampleRing) Cap() int { return s.ring.Cap() }
