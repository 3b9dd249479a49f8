package ringbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingPushPopFIFOOrder(t *testing.T) {
	r := New(4, 1)
	require.True(t, r.Push([]byte{1}))
	require.True(t, r.Push([]byte{2}))
	require.True(t, r.Push([]byte{3}))

	var got byte
	buf := []byte{0}
	require.True(t, r.Pop(buf))
	got = buf[0]
	require.Equal(t, byte(1), got)

	require.True(t, r.Pop(buf))
	require.Equal(t, byte(2), buf[0])
}

func TestRingReportsFullAndEmpty(t *testing.T) {
	r := New(2, 1)
	require.True(t, r.Push([]byte{1}))
	require.True(t, r.Push([]byte{2}))
	require.False(t, r.Push([]byte{3}), "ring at capacity must reject further pushes")

	buf := []byte{0}
	require.True(t, r.Pop(buf))
	require.True(t, r.Pop(buf))
	require.False(t, r.Pop(buf), "drained ring must report empty")
}

func TestNewRejectsNonPowerOfTwoCapacity(t *testing.T) {
	require.Panics(t, func() { New(3, 1) })
}

func TestRingLenAndCap(t *testing.T) {
	r := New(8, 2)
	require.Equal(t, 8, r.Cap())
	require.Equal(t, 0, r.Len())
	require.True(t, r.Push([]byte{1, 2}))
	require.Equal(t, 1, r.Len())
}

func TestRingConcurrentProducerConsumerPreservesOrderAndCount(t *testing.T) {
	r := New(64, 1)
	const n = 20000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			v := byte(i)
			for !r.Push([]byte{v}) {
				// full: spin, mirroring the CPU thread's non-blocking
				// retry policy under backpressure in this test only.
			}
		}
	}()

	var received []byte
	go func() {
		defer wg.Done()
		buf := []byte{0}
		for len(received) < n {
			if r.Pop(buf) {
				received = append(received, buf[0])
			}
		}
	}()
	wg.Wait()

	require.Len(t, received, n)
	for i, v := range received {
		require.Equal(t, byte(i), v, "SPSC ring must preserve FIFO order under concurrency")
	}
}

func TestCommandRingRoundTrips(t *testing.T) {
	c := NewCommandRing(4)
	cmd := RenderCommand{Op: 7, Args: [4]uint32{1, 2, 3, 4}}
	require.True(t, c.Push(cmd))

	got, ok := c.Pop()
	require.True(t, ok)
	require.Equal(t, cmd, got)

	_, ok = c.Pop()
	require.False(t, ok)
}

func TestSampleRingRoundTripsAndBatches(t *testing.T) {
	s := NewSampleRing(4)
	samples := []Sample{{Left: 100, Right: -100}, {Left: -32768, Right: 32767}, {Left: 0, Right: 0}}
	n := s.PushBatch(samples)
	require.Equal(t, 3, n)

	for _, want := range samples {
		got, ok := s.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := s.Pop()
	require.False(t, ok)
}

func TestSampleRingPushBatchStopsWhenFull(t *testing.T) {
	s := NewSampleRing(2)
	n := s.PushBatch([]Sample{{Left: 1}, {Left: 2}, {Left: 3}})
	require.Equal(t, 2, n, "PushBatch must report only the frames it actually enqueued")
}
