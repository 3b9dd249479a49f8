// Package faulthandler intercepts a guest memory access that lands on
// an Mmio window of the fastmem arena and converts the offending block
// into one pkg/jit always runs interpreted from then on, instead of
// natively.
//
// Patching the faulting instruction in place and resuming was
// considered and rejected: the only way to resolve the access correctly
// is to call the region's ReadFn/WriteFn, an arbitrary Go closure, and
// pkg/backend already documents why emitted machine code must never
// call back into arbitrary Go code (ErrContainsExternalCall's comment:
// "you cannot safely CALL back into arbitrary Go code from emitted
// machine code without a cooperative preemption/stack-growth story").
// So a fault instead evicts the whole block (BlockCache.InvalidateRange)
// and blacklists its (pc, flags) key; pkg/jit checks the blacklist
// before every native compile attempt and routes a hit straight to
// pkg/interp.Run, exactly the path ErrContainsExternalCall already
// uses. The access that triggered the fault itself reads back
// zero-filled memory rather than the device's real value — a
// documented one-time approximation, corrected from the block's next
// execution onward.
package faulthandler

import (
	"sync"

	"github.com/slaminger/retrodream/pkg/blockcache"
)

// ActiveBlock describes the block pkg/jit is about to run natively.
// pkg/jit records one of these immediately before calling
// backend.RunNative and clears it on return, so a fault arriving while
// the CPU thread is blocked inside that call can be attributed to it.
type ActiveBlock struct {
	PCLo, PCHi uint32
	Flags      uint32
}

// ActiveBlockFunc returns the block currently executing natively, or
// false if none is (the CPU thread is between blocks, or interpreting).
type ActiveBlockFunc func() (ActiveBlock, bool)

// Stats reports fault-handling counters for the CLI's `stats` subcommand.
type Stats struct {
	Faults      uint64
	Blacklisted int
}

// Handler owns the blacklist of (pc, flags) keys that must run
// interpreted, plus whatever platform fault-delivery mechanism feeds it
// (see faulthandler_linux.go / faulthandler_other.go). Safe for
// concurrent use: the blacklist is read from the CPU thread on every
// dispatch and written from the platform fault-delivery goroutine.
type Handler struct {
	cache  *blockcache.Cache
	active ActiveBlockFunc

	mu        sync.Mutex
	blacklist map[uint64]struct{}
	faults    uint64

	platform platformState
}

func blKey(pcLo, flags uint32) uint64 { return uint64(pcLo)<<32 | uint64(flags) }

// IsBlacklisted reports whether (pcLo, flags) must run through
// pkg/interp rather than be looked up in the BlockCache.
func (h *Handler) IsBlacklisted(pcLo, flags uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.blacklist[blKey(pcLo, flags)]
	return ok
}

// Stats reports a snapshot of the fault/blacklist counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Faults: h.faults, Blacklisted: len(h.blacklist)}
}

// blacklistActive records the currently-active block (if any) as
// requiring interpretation from now on and evicts its stale native
// compilation. Called from the platform fault-delivery path; a miss
// (no active block known) is logged by the caller, not here.
func (h *Handler) blacklistActive() (ActiveBlock, bool) {
	b, ok := h.active()
	if !ok {
		return ActiveBlock{}, false
	}
	h.mu.Lock()
	h.blacklist[blKey(b.PCLo, b.Flags)] = struct{}{}
	h.faults++
	h.mu.Unlock()
	h.cache.InvalidateRange(b.PCLo, b.PCHi)
	return b, true
}
