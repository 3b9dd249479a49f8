package ringbuffer

import "encoding/binary"

// RenderCommand is the transport payload the CPU thread enqueues for the
// render thread. What Op/Args mean is the renderer's business — out of
// scope here, per the core's own external-interfaces note that the render
// pipeline is included for completeness and not specified by this
// package.
type RenderCommand struct {
	Op   uint32
	Args [4]uint32
}

const commandStride = 4 + 4*4 // Op + 4 Args, 4 bytes each

// CommandRing is an SPSC ring of RenderCommand values: pushed by the CPU
// thread at block boundaries, popped by the render thread at frame
// boundaries.
type CommandRing struct {
	ring *Ring
}

// NewCommandRing creates a CommandRing with room for capacity commands.
// capacity must be a power of two.
func NewCommandRing(capacity int) *CommandRing {
	return &CommandRing{ring: New(capacity, commandStride)}
}

// Push enqueues cmd, reporting false if the ring is full.
func (c *CommandRing) Push(cmd RenderCommand) bool {
	var buf [commandStride]byte
	binary.LittleEndian.PutUint32(buf[0:4], cmd.Op)
	for i, a := range cmd.Args {
		binary.LittleEndian.PutUint32(buf[4+i*4:8+i*4], a)
	}
	return c.ring.Push(buf[:])
}

// Pop dequeues the oldest command, reporting false if the ring is empty.
func (c *CommandRing) Pop() (RenderCommand, bool) {
	var buf [commandStride]byte
	if !c.ring.Pop(buf[:]) {
		return RenderCommand{}, false
	}
	var cmd RenderCommand
	cmd.Op = binary.LittleEndian.Uint32(buf[0:4])
	for i := range cmd.Args {
		cmd.Args[i] = binary.LittleEndian.Uint32(buf[4+i*4 : 8+i*4])
	}
	return cmd, true
}

// Len and Cap report the ring's current occupancy and fixed capacity.
func (c *CommandRing) Len() int { return c.ring.Len() }
func (c *CommandRing) Cap() int { return c.ring.Cap() }
