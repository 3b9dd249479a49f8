//go:build linux || darwin

package blockcache

import (
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// segment is one W^X-disciplined slab of the executable arena. It is
// opened RW (mmap-go's anonymous single-shot allocation), appended to
// with emitted code until full, then sealed RX via unix.Mprotect and
// never written to again. Only one segment is ever open for writing at
// a time, matching spec.md 4.3/5's "temporarily make writable, patch,
// make executable" discipline, applied here at whole-segment
// granularity instead of per-patch.
type segment struct {
	mem    mmap.MMap
	used   int
	sealed bool
	keys   []uint64 // entry keys resident in this segment, for eviction bookkeeping
}

func newSegment(size int) (*segment, error) {
	mem, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("blockcache: mmap executable segment (%d bytes): %w", size, err)
	}
	return &segment{mem: mem}, nil
}

func (s *segment) base() uintptr { return uintptr(unsafe.Pointer(&s.mem[0])) }

// seal flips the segment from writable to executable. Past this point
// the segment's bytes are immutable; a fault handler that wants to
// patch a fastmem site back to slowmem form must unseal first (see
// unseal), matching the FaultHandler's documented "temporarily make the
// page writable, patch, flush, make executable" cycle (spec.md 5).
func (s *segment) seal() error {
	if s.sealed {
		return nil
	}
	if err := unix.Mprotect(s.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("blockcache: mprotect segment RX: %w", err)
	}
	s.sealed = true
	return nil
}

// unseal reopens a sealed segment for writing, for the FaultHandler's
// in-place patch of a fastmem site to its slowmem form. Callers must
// reseal before resuming guest execution on this segment.
func (s *segment) unseal() error {
	if err := unix.Mprotect(s.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("blockcache: mprotect segment RW: %w", err)
	}
	s.sealed = false
	return nil
}

func (s *segment) close() error { return s.mem.Unmap() }
