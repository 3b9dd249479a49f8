// Package addrspace implements the guest address-space model: a fixed
// 32-bit guest address space partitioned into Ram/Rom/Mmio/Unmapped
// regions, a page-table cache over those regions, and a fastmem arena
// that mirrors every Ram/Rom range so emitted JIT code can address guest
// memory with a single host load/store.
package addrspace

import (
	"errors"
	"fmt"
	"log"
)

const (
	// pageIndexBits is the width of the page-table index (the upper bits
	// of a guest address); pageOffsetBits is the width of the in-page
	// offset (spec.md 4.1: "20-bit index -> 12-bit page").
	pageIndexBits  = 20
	pageOffsetBits = 12
	pageSize       = 1 << pageOffsetBits
	pageCount      = 1 << pageIndexBits
	pageIndexMask  = pageCount - 1
)

// ErrOverlap indicates a map_ram/map_mmio call whose range intersects an
// already-installed region. This is a caller bug and is propagated, not
// swallowed (spec.md 7).
var ErrOverlap = errors.New("addrspace: region overlaps an existing mapping")

// AddressSpace is a fixed-size 32-bit guest address space with a
// mirrored fastmem arena. Not safe for concurrent use from more than one
// goroutine without external synchronization (spec.md 5: CPU-thread
// owned).
type AddressSpace struct {
	regions []*Region
	pages   [pageCount]*Region // page-table cache: index -> owning region, nil if unmapped

	arena arena // platform fastmem reservation

	unmappedReads  uint64
	unmappedWrites uint64
}

// New reserves a fastmem arena covering the full 32-bit guest address
// space and returns an empty AddressSpace.
func New() (*AddressSpace, error) {
	a, err := newArena(1 << 32)
	if err != nil {
		return nil, fmt.Errorf("addrspace: reserving fastmem arena: %w", err)
	}
	return &AddressSpace{arena: a}, nil
}

// Close releases the fastmem arena's backing reservation.
func (a *AddressSpace) Close() error { return a.arena.close() }

// FastmemBase returns the host pointer to the arena base; the backend
// encodes direct [base+guest] loads/stores against it (spec.md 4.1).
func (a *AddressSpace) FastmemBase() uintptr { return a.arena.base() }

func pageIndex(addr uint32) uint32 { return addr >> pageOffsetBits }

func (a *AddressSpace) checkOverlap(lo, hi uint32) error {
	for _, r := range a.regions {
		if r.overlaps(lo, hi) {
			return fmt.Errorf("%w: [%#x,%#x) intersects existing [%#x,%#x)", ErrOverlap, lo, hi, r.Lo, r.Hi)
		}
	}
	return nil
}

func (a *AddressSpace) installPages(r *Region) {
	lo, hi := pageIndex(r.Lo), pageIndex(r.Hi-1)
	for p := lo; p <= hi; p++ {
		a.pages[p&pageIndexMask] = r
	}
}

// MapRAM installs a Ram region spanning [lo, hi) and mirrors it into the
// fastmem arena at arena_base+guest_addr. hostBytes must have length
// hi-lo; its contents are copied into the arena as the region's initial
// value, and the arena is the canonical backing store from this point
// on: slow-path reads come from the arena, so they see stores made by
// compiled code, and slow-path writes update both the arena and
// hostBytes. Stores made by compiled code land only in the arena, so
// hostBytes does not reflect them.
func (a *AddressSpace) MapRAM(lo, hi uint32, hostBytes []byte, writable bool) error {
	return a.mapBacked(KindRam, lo, hi, hostBytes, writable)
}

// MapROM installs a read-only Rom region, identical to MapRAM except
// writes to it are rejected the way a writable=false Ram region would be.
func (a *AddressSpace) MapROM(lo, hi uint32, hostBytes []byte) error {
	return a.mapBacked(KindRom, lo, hi, hostBytes, false)
}

func (a *AddressSpace) mapBacked(kind RegionKind, lo, hi uint32, hostBytes []byte, writable bool) error {
	if hi <= lo {
		return fmt.Errorf("addrspace: empty or inverted range [%#x,%#x)", lo, hi)
	}
	if uint32(len(hostBytes)) != hi-lo {
		return fmt.Errorf("addrspace: host buffer length %d does not match range size %d", len(hostBytes), hi-lo)
	}
	if err := a.checkOverlap(lo, hi); err != nil {
		return err
	}
	if err := a.arena.mapRAM(lo, hi, writable); err != nil {
		return fmt.Errorf("addrspace: mirroring into fastmem arena: %w", err)
	}
	a.arena.copyIn(lo, hostBytes)
	if err := a.arena.finalizeProtect(lo, hi, writable); err != nil {
		return fmt.Errorf("addrspace: finalizing fastmem arena protection: %w", err)
	}
	r := &Region{Kind: kind, Lo: lo, Hi: hi, HostBase: hostBytes, Writable: writable}
	a.regions = append(a.regions, r)
	a.installPages(r)
	return nil
}

// MapMMIO installs an Mmio region; the fastmem arena for this range is
// left unmapped so fastmem accesses to it fault (spec.md 4.1).
func (a *AddressSpace) MapMMIO(lo, hi uint32, readFn ReadFunc, writeFn WriteFunc, userdata interface{}) error {
	if hi <= lo {
		return fmt.Errorf("addrspace: empty or inverted range [%#x,%#x)", lo, hi)
	}
	if err := a.checkOverlap(lo, hi); err != nil {
		return err
	}
	r := &Region{Kind: KindMmio, Lo: lo, Hi: hi, ReadFn: readFn, WriteFn: writeFn, UserData: userdata}
	a.regions = append(a.regions, r)
	a.installPages(r)
	return nil
}

func (a *AddressSpace) lookup(addr uint32) *Region {
	return a.pages[pageIndex(addr)&pageIndexMask]
}

// Read8/16/32/64 and Write8/16/32/64 form the slow path used by the
// interpreter, debuggers, and JIT slowmem thunks. Unmapped accesses
// return a sentinel value (0) on read and are logged, never aborted, on
// write (spec.md 4.1, 7).

func (a *AddressSpace) Read8(addr uint32) uint8   { return uint8(a.readWidth(addr, 1)) }
func (a *AddressSpace) Read16(addr uint32) uint16 { return uint16(a.readWidth(addr, 2)) }
func (a *AddressSpace) Read32(addr uint32) uint32 { return uint32(a.readWidth(addr, 4)) }
func (a *AddressSpace) Read64(addr uint32) uint64 { return a.readWidth64(addr) }

func (a *AddressSpace) Write8(addr uint32, v uint8)   { a.writeWidth(addr, 1, uint32(v)) }
func (a *AddressSpace) Write16(addr uint32, v uint16) { a.writeWidth(addr, 2, uint32(v)) }
func (a *AddressSpace) Write32(addr uint32, v uint32) { a.writeWidth(addr, 4, v) }
func (a *AddressSpace) Write64(addr uint32, v uint64) { a.writeWidth64(addr, v) }

func (a *AddressSpace) readWidth(addr uint32, width int) uint32 {
	r := a.lookup(addr)
	if r == nil {
		a.unmappedReads++
		log.Printf("addrspace: unmapped read%d at %#08x", width*8, addr)
		return 0
	}
	switch r.Kind {
	case KindRam, KindRom:
		return readLE(a.arena.mem[addr:addr+uint32(width)], width)
	case KindMmio:
		return r.ReadFn(r.UserData, addr, width)
	default:
		return 0
	}
}

func (a *AddressSpace) readWidth64(addr uint32) uint64 {
	r := a.lookup(addr)
	if r == nil {
		a.unmappedReads++
		log.Printf("addrspace: unmapped read64 at %#08x", addr)
		return 0
	}
	switch r.Kind {
	case KindRam, KindRom:
		lo := readLE(a.arena.mem[addr:addr+4], 4)
		hi := readLE(a.arena.mem[addr+4:addr+8], 4)
		return uint64(lo) | uint64(hi)<<32
	case KindMmio:
		lo := r.ReadFn(r.UserData, addr, 4)
		hi := r.ReadFn(r.UserData, addr+4, 4)
		return uint64(lo) | uint64(hi)<<32
	default:
		return 0
	}
}

func (a *AddressSpace) writeWidth(addr uint32, width int, v uint32) {
	r := a.lookup(addr)
	if r == nil {
		a.unmappedWrites++
		log.Printf("addrspace: unmapped write%d at %#08x (discarded)", width*8, addr)
		return
	}
	switch r.Kind {
	case KindRam:
		if !r.Writable {
			log.Printf("addrspace: write to read-only region at %#08x (discarded)", addr)
			return
		}
		off := addr - r.Lo
		writeLE(r.HostBase[off:off+uint32(width)], width, v)
		a.arena.copyIn(addr, r.HostBase[off:off+uint32(width)])
	case KindRom:
		log.Printf("addrspace: write to ROM at %#08x (discarded)", addr)
	case KindMmio:
		r.WriteFn(r.UserData, addr, width, v)
	}
}

func (a *AddressSpace) writeWidth64(addr uint32, v uint64) {
	a.writeWidth(addr, 4, uint32(v))
	a.writeWidth(addr+4, 4, uint32(v>>32))
}

func readLE(b []byte, width int) uint32 {
	var v uint32
	for i := 0; i < width; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

func writeLE(b []byte, width int, v uint32) {
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// RegionAt returns the region containing addr, or nil if unmapped —
// used by diagnostics and the fault handler's site classification.
func (a *AddressSpace) RegionAt(addr uint32) *Region { return a.lookup(addr) }

// Regions returns a snapshot of every installed region, in installation
// order. pkg/faulthandler uses this to find the Mmio windows it must
// register with the kernel's fault-delivery mechanism.
func (a *AddressSpace) Regions() []Region {
	out := make([]Region, len(a.regions))
	for i, r := range a.regions {
		out[i] = *r
	}
	return out
}

// Stats reports the address space's unmapped-access counters and its
// installed-region count.
type Stats struct {
	UnmappedReads  uint64
	UnmappedWrites uint64
	Regions        int
}

func (a *AddressSpace) Stats() Stats {
	return Stats{UnmappedReads: a.unmappedReads, UnmappedWrites: a.unmappedWrites, Regions: len(a.regions)}
}
