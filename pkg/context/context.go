// Package context defines the guest CPU context: the single value owned
// by the emulator and referenced by a stable host pointer for the
// lifetime of a run. The backend emits code that assumes the context
// lives at a known host register, chosen once at backend construction
// and never reassigned (see pkg/backend).
package context

import "sync/atomic"

// Flag bits for Context.Flags. These are the guest-mode bits that change
// instruction semantics and therefore key the BlockCache (spec.md 4.3,
// Open Question resolved in DESIGN.md).
const (
	FlagFPUPrecision uint32 = 1 << iota // SR.FPU: single (0) vs double (1) precision
	FlagPrivileged                      // SR.MD: kernel (1) vs user (0) mode
)

// NumGPR is the number of general-purpose guest registers.
const NumGPR = 16

// NumFPR is the number of floating-point guest registers.
const NumFPR = 16

// ScratchWords is the size, in 64-bit words, of the spill area the
// backend's register allocator uses for values that do not fit in host
// registers (spec.md 4.4: "Spills are to fixed offsets within the
// guest-context struct's scratch area").
const ScratchWords = 32

// The IR's OpLoadGuestReg/OpStoreGuestReg instructions address a single
// flat register-id space rather than separate GPR/FPR arrays, so the
// frontend, interpreter, and backend all need the same mapping from that
// id back onto Context's fields: GPR occupies [GPRBase, GPRBase+NumGPR),
// FPR occupies [FPRBase, FPRBase+NumFPR), and the guest status register
// (SR.FPU/SR.MD, mirrored in Flags) is the single id StatusRegID.
const (
	GPRBase     = 0
	FPRBase     = NumGPR
	StatusRegID = FPRBase + NumFPR
)

// AddressSpace is the minimal interface the JIT core needs from the
// guest memory subsystem; pkg/addrspace.AddressSpace satisfies it. Kept
// as an interface here (rather than importing pkg/addrspace directly) to
// avoid a dependency cycle, since pkg/addrspace does not need to know
// about Context.
type AddressSpace interface {
	Read8(addr uint32) uint8
	Read16(addr uint32) uint16
	Read32(addr uint32) uint32
	Read64(addr uint32) uint64
	Write8(addr uint32, v uint8)
	Write16(addr uint32, v uint16)
	Write32(addr uint32, v uint32)
	Write64(addr uint32, v uint64)
	FastmemBase() uintptr
}

// Context is the guest CPU context: registers, PC, status, and the
// pointer to guest memory. A *Context is pinned in a host register by
// the backend for the entire duration of a block's execution, so its
// field layout (and therefore its size) must never change once the
// backend has been constructed against it.
type Context struct {
	GPR [NumGPR]uint32
	FPR [NumFPR]uint64 // holds float32 bit patterns in the low 32 bits when FlagFPUPrecision is clear
	PC  uint32

	// Flags mirrors the guest status register bits that key the
	// BlockCache; kept in sync with the real guest SR by the interpreter
	// and by StoreGuestReg-equivalent writes in compiled code.
	Flags uint32

	// Scratch is the register allocator's fixed spill area.
	Scratch [ScratchWords]uint64

	// Stop is the shared atomic stop flag (spec.md 5): the CPU thread
	// polls it only at block exits; any thread may request a stop.
	Stop atomic.Uint32

	Mem AddressSpace
}

// New constructs a zeroed Context bound to the given address space.
func New(mem AddressSpace) *Context {
	return &Context{Mem: mem}
}

// FPUDouble reports whether SR.FPU selects double precision.
func (c *Context) FPUDouble() bool { return c.Flags&FlagFPUPrecision != 0 }

// Privileged reports whether SR.MD selects kernel mode.
func (c *Context) Privileged() bool { return c.Flags&FlagPrivileged != 0 }

// RequestStop sets the shared stop flag; safe to call from any thread,
// the CPU thread observes it only at block exits (spec.md 5).
func (c *Context) RequestStop() { c.Stop.Store(1) }

// ShouldStop reports whether a stop has been requested.
func (c *Context) ShouldStop() bool { return c.Stop.Load() != 0 }
