//go:build linux || darwin

package addrspace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arena is a single unix.Mmap reservation spanning the full 32-bit guest
// address width, reserved at PROT_NONE so every byte faults until a
// region installs it. map_ram/map_rom flip their sub-range to
// PROT_READ[|WRITE]; map_mmio deliberately leaves its range at
// PROT_NONE so fastmem accesses into it raise a real host fault
// (spec.md 4.1, 4.6).
type arena struct {
	mem []byte
}

func newArena(size uint64) (arena, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return arena{}, fmt.Errorf("mmap fastmem arena (%d bytes): %w", size, err)
	}
	return arena{mem: mem}, nil
}

func (a arena) base() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

func (a arena) close() error {
	if a.mem == nil {
		return nil
	}
	return unix.Munmap(a.mem)
}

// mapRAM always installs the range read-write first so copyIn can
// populate it; finalizeProtect then drops write permission for
// non-writable (Rom) regions.
func (a arena) mapRAM(lo, hi uint32, writable bool) error {
	return unix.Mprotect(a.mem[lo:hi], unix.PROT_READ|unix.PROT_WRITE)
}

func (a arena) finalizeProtect(lo, hi uint32, writable bool) error {
	if writable {
		return nil
	}
	return unix.Mprotect(a.mem[lo:hi], unix.PROT_READ)
}

func (a arena) copyIn(addr uint32, data []byte) {
	copy(a.mem[addr:int(addr)+len(data)], data)
}
