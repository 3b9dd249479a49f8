//go:build !linux && !darwin

package addrspace

import "unsafe"

// arena is the portable fallback for platforms without a real mmap/mprotect
// syscall path: a plain heap allocation standing in for the fastmem
// reservation. Region protection is not enforced at the host level here, so
// MMIO windows are merely left uncopied rather than made to fault; real
// fault-based MMIO interception is a Linux-only property of pkg/faulthandler
// (SPEC_FULL.md 13) and this build tag never claims otherwise.
type arena struct {
	mem []byte
}

func newArena(size uint64) (arena, error) {
	return arena{mem: make([]byte, size)}, nil
}

func (a arena) base() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

func (a arena) close() error { return nil }

func (a arena) mapRAM(lo, hi uint32, writable bool) error { return nil }

func (a arena) finalizeProtect(lo, hi uint32, writable bool) error { return nil }

func (a arena) copyIn(addr uint32, data []byte) {
	copy(a.mem[addr:int(addr)+len(data)], data)
}
