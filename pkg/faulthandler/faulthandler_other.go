//go:build !linux

package faulthandler

import (
	"github.com/slaminger/retrodream/pkg/addrspace"
	"github.com/slaminger/retrodream/pkg/blockcache"
)

// platformState is empty on platforms without userfaultfd: Mmio windows
// stay at whatever protection pkg/addrspace gave them, and a guest
// access to one raises an ordinary, unrecoverable fault exactly as it
// would without this package. Building on these platforms still lets
// pkg/jit call IsBlacklisted unconditionally.
type platformState struct{}

// New returns a Handler whose blacklist is never populated, since there
// is no portable way to intercept the fault and fall back gracefully.
// MMIO-heavy guest code is therefore only supported on the Linux
// backend; spec.md's degrade path for this target is "never populate
// the blacklist, let the access fault like any other bad pointer
// dereference."
func New(cache *blockcache.Cache, space *addrspace.AddressSpace, active ActiveBlockFunc) (*Handler, error) {
	return &Handler{cache: cache, active: active, blacklist: make(map[uint64]struct{})}, nil
}

// Close is a no-op: there is no monitor goroutine or descriptor to release.
func (h *Handler) Close() error { return nil }
