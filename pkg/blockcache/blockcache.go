// Package blockcache implements the compiled-block cache: a keyed store
// mapping (guest PC, context flags) to emitted native code, backed by a
// growable W^X executable arena. Baseline eviction is a wholesale reset
// (spec.md 4.3); a bounded "recently chained" recency cache gives the
// arena a chance to free a single cold segment first.
//
// Not safe for concurrent use: the CPU thread owns the cache exclusively
// (spec.md 5), the same way it owns the fastmem arena in pkg/addrspace.
package blockcache

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/google/uuid"

	"github.com/slaminger/retrodream/pkg/backend"
)

// ErrCodeCacheFull is returned when the arena cannot fit a block even
// after a reset (spec.md 7's CodeCacheFull: "handled by BlockCache reset
// + retry; a second failure is fatal").
var ErrCodeCacheFull = errors.New("blockcache: code cache full after reset retry")

// AbsoluteSite is a backend.FastmemSite translated to an absolute host
// address, for pkg/faulthandler to look up a faulting instruction
// pointer against.
type AbsoluteSite struct {
	backend.FastmemSite
	Addr uintptr
}

// CodePtr is a transient pointer into the executable arena. Valid until
// the next InvalidateRange or Reset touching its key (spec.md 3's
// BlockCache entry ownership note).
type CodePtr struct {
	Addr   uintptr
	Len    int
	Relocs []backend.Reloc
}

type entry struct {
	pcLo, pcHi uint32
	flags      uint32
	seg        *segment
	off        int
	length     int
	relocs     []backend.Reloc
}

type pendingReloc struct {
	from  *entry
	reloc backend.Reloc
}

// Cache is the compiled-block cache.
type Cache struct {
	segSize     int
	maxSegments int

	segs []*segment
	open *segment

	entries   map[uint64]*entry
	pending   map[uint64][]pendingReloc // keyed by the unresolved target's mix key
	siteIndex map[uintptr]AbsoluteSite

	chained *lru.ARCCache // recently-chained entry keys; a hint, not an index

	resetID uuid.UUID
	resets  uint64
}

// New builds a Cache with a given segment size and maximum segment
// count (segSize*maxSegments bounds the arena's total footprint).
func New(segSize, maxSegments int) (*Cache, error) {
	chained, err := lru.NewARC(256)
	if err != nil {
		return nil, fmt.Errorf("blockcache: allocating chain-recency cache: %w", err)
	}
	c := &Cache{
		segSize:     segSize,
		maxSegments: maxSegments,
		entries:     make(map[uint64]*entry),
		pending:     make(map[uint64][]pendingReloc),
		siteIndex:   make(map[uintptr]AbsoluteSite),
		chained:     chained,
		resetID:     uuid.New(),
	}
	if err := c.rotateSegment(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases every mapped segment.
func (c *Cache) Close() error {
	var firstErr error
	for _, seg := range c.segs {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResetID is the uuid tagging the current arena generation; it changes
// on every Reset so a crash dump can correlate a stale CodePtr to the
// run that produced it (SPEC_FULL.md 11).
func (c *Cache) ResetID() uuid.UUID { return c.resetID }

// Resets is the lifetime count of Reset calls (used in diagnostics and
// the "observe exactly one reset event" test scenario).
func (c *Cache) Resets() uint64 { return c.resets }

// Len is the number of compiled blocks currently resident, for the
// diagnostics CLI's occupancy table.
func (c *Cache) Len() int { return len(c.entries) }

// Segments is the number of executable-arena segments currently mapped.
func (c *Cache) Segments() int { return len(c.segs) }

// mixKey combines a guest PC and context-flags word into a single cache
// key (spec.md 4.3: "Key hash: mix(pc, flags)"). A 64-bit murmur3-style
// finalizer is used to spread the low-entropy flags word across the
// whole key instead of leaving it confined to the high bits.
func mixKey(pc, flags uint32) uint64 {
	x := uint64(pc)<<32 | uint64(flags)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Lookup returns the resident code for (pc, flags), or false on a miss.
// A hash collision against a different (pc, flags) pair is also treated
// as a plain miss, never an eviction (spec.md 4.3).
func (c *Cache) Lookup(pc, flags uint32) (CodePtr, bool) {
	e, ok := c.entries[mixKey(pc, flags)]
	if !ok || e.pcLo != pc || e.flags != flags {
		return CodePtr{}, false
	}
	return CodePtr{Addr: e.seg.base() + uintptr(e.off), Len: e.length, Relocs: e.relocs}, true
}

// Insert installs cb's emitted code under (pcLo, flags), covering guest
// range [pcLo, pcHi). On arena overflow it resets once and retries;
// failing again is ErrCodeCacheFull (spec.md 4.4's fatal-condition
// clause, spec.md 7's CodeCacheFull).
func (c *Cache) Insert(pcLo, pcHi, flags uint32, cb *backend.CompiledBlock) (CodePtr, error) {
	ptr, err := c.tryInsert(pcLo, pcHi, flags, cb)
	if err == nil {
		return ptr, nil
	}
	if !errors.Is(err, errArenaOverflow) {
		return CodePtr{}, err
	}
	c.Reset()
	ptr, err = c.tryInsert(pcLo, pcHi, flags, cb)
	if err != nil {
		return CodePtr{}, fmt.Errorf("%w: %v", ErrCodeCacheFull, err)
	}
	return ptr, nil
}

var errArenaOverflow = errors.New("blockcache: arena segment budget exhausted")

func (c *Cache) tryInsert(pcLo, pcHi, flags uint32, cb *backend.CompiledBlock) (CodePtr, error) {
	size := len(cb.Code)
	if size == 0 {
		return CodePtr{}, errors.New("blockcache: cannot insert empty code")
	}
	if size > c.segSize {
		return CodePtr{}, fmt.Errorf("blockcache: block of %d bytes exceeds segment size %d", size, c.segSize)
	}
	if c.open == nil || c.open.used+size > len(c.open.mem) {
		if err := c.rotateSegment(); err != nil {
			return CodePtr{}, err
		}
	}

	seg := c.open
	off := seg.used
	copy(seg.mem[off:], cb.Code)
	seg.used += size

	key := mixKey(pcLo, flags)
	e := &entry{pcLo: pcLo, pcHi: pcHi, flags: flags, seg: seg, off: off, length: size, relocs: cb.Relocs}
	c.entries[key] = e
	seg.keys = append(seg.keys, key)

	base := seg.base()
	for _, s := range cb.Sites {
		addr := base + uintptr(off+s.Offset)
		c.siteIndex[addr] = AbsoluteSite{FastmemSite: s, Addr: addr}
	}

	c.resolveAfterInsert(key, e)

	return CodePtr{Addr: base + uintptr(off), Len: size, Relocs: cb.Relocs}, nil
}

// rotateSegment seals whatever segment is currently open (if any), then
// opens a fresh one, evicting a cold sealed segment first if the
// configured segment budget is already spent.
func (c *Cache) rotateSegment() error {
	if c.open != nil {
		if err := c.open.seal(); err != nil {
			return err
		}
	}
	if len(c.segs) >= c.maxSegments {
		if !c.evictColdSegment() {
			return errArenaOverflow
		}
	}
	seg, err := newSegment(c.segSize)
	if err != nil {
		return err
	}
	c.segs = append(c.segs, seg)
	c.open = seg
	return nil
}

// evictColdSegment frees the first sealed segment none of whose
// resident keys have ever been chained to (the second-chance hint
// spec.md 4.3 allows ahead of a full reset). Returns false if every
// segment holds at least one chained, hence "hot", key.
func (c *Cache) evictColdSegment() bool {
	for i, seg := range c.segs {
		if seg == c.open {
			continue
		}
		hot := false
		for _, k := range seg.keys {
			if c.chained.Contains(k) {
				hot = true
				break
			}
		}
		if hot {
			continue
		}
		for _, k := range seg.keys {
			delete(c.entries, k)
			delete(c.pending, k)
			c.chained.Remove(k)
		}
		c.purgeSitesInRange(seg.base(), seg.base()+uintptr(seg.used))
		seg.close()
		c.segs = append(c.segs[:i], c.segs[i+1:]...)
		return true
	}
	return false
}

func (c *Cache) purgeSitesInRange(lo, hi uintptr) {
	for addr := range c.siteIndex {
		if addr >= lo && addr < hi {
			delete(c.siteIndex, addr)
		}
	}
}

// resolveAfterInsert performs block-chaining (spec.md 4.4: "when both
// successor blocks are later resident, the patcher overwrites the
// immediate in place") in both directions: e's own exits are chained to
// any target already resident, and any earlier block still waiting to
// chain to e's key is chained now.
func (c *Cache) resolveAfterInsert(key uint64, e *entry) {
	for _, r := range e.relocs {
		tkey := mixKey(r.TargetPC, e.flags)
		if target, ok := c.entries[tkey]; ok {
			c.chainOne(e, r, target)
		} else {
			c.pending[tkey] = append(c.pending[tkey], pendingReloc{from: e, reloc: r})
		}
	}
	if waiting, ok := c.pending[key]; ok {
		for _, pr := range waiting {
			c.chainOne(pr.from, pr.reloc, e)
		}
		delete(c.pending, key)
	}
}

// chainOne patches a single exit stub into a direct jump to target's
// resident code, unsealing and resealing the owning segment around the
// write if it was already sealed — the same "make writable, patch, make
// executable" cycle spec.md 5 describes for the FaultHandler, reused
// here for chaining. Best-effort: a failed patch just leaves the
// original dispatcher-return stub in place.
func (c *Cache) chainOne(e *entry, r backend.Reloc, target *entry) {
	wasSealed := e.seg.sealed
	if wasSealed {
		if err := e.seg.unseal(); err != nil {
			return
		}
	}
	fromAddr := e.seg.base() + uintptr(e.off+r.Offset)
	toAddr := target.seg.base() + uintptr(target.off)
	region := e.seg.mem[e.off+r.Offset : e.off+r.Offset+r.PatchLen]
	patchJump(region, r.PatchLen, fromAddr, toAddr)
	if wasSealed {
		_ = e.seg.seal()
	}
	c.chained.Add(mixKey(target.pcLo, target.flags), struct{}{})
}

// patchJump overwrites region (an exit stub of patchLen bytes) with a
// relative near jump to toAddr, NOP-padding the remainder so the stub's
// byte length — and hence every later relocation offset — never moves
// (spec.md 4.4/4.6's "same number of bytes or a padded slot").
func patchJump(region []byte, patchLen int, fromAddr, toAddr uintptr) {
	rel := int32(int64(toAddr) - int64(fromAddr) - 5)
	region[0] = 0xE9
	region[1] = byte(rel)
	region[2] = byte(rel >> 8)
	region[3] = byte(rel >> 16)
	region[4] = byte(rel >> 24)
	for i := 5; i < patchLen; i++ {
		region[i] = 0x90
	}
}

// InvalidateRange drops every entry whose guest range intersects
// [lo, hi) — self-modifying guest code support (spec.md 4.3). The
// underlying code bytes stay in their segment until that segment is
// evicted or the whole arena is reset; only the key, so future lookups
// miss and recompile.
func (c *Cache) InvalidateRange(lo, hi uint32) {
	for key, e := range c.entries {
		if e.pcLo < hi && lo < e.pcHi {
			delete(c.entries, key)
			delete(c.pending, key)
			c.chained.Remove(key)
			c.purgeSitesInRange(e.seg.base()+uintptr(e.off), e.seg.base()+uintptr(e.off+e.length))
		}
	}
}

// Reset drops every entry and every segment, starting the arena over
// from a single fresh segment. This is the baseline CodeCacheFull
// recovery path and the "wholesale reset" spec.md 4.3 names as the
// default eviction policy.
func (c *Cache) Reset() {
	for _, seg := range c.segs {
		seg.close()
	}
	c.segs = nil
	c.open = nil
	c.entries = make(map[uint64]*entry)
	c.pending = make(map[uint64][]pendingReloc)
	c.siteIndex = make(map[uintptr]AbsoluteSite)
	c.chained.Purge()
	c.resetID = uuid.New()
	c.resets++
	// rotateSegment on a freshly-zeroed Cache cannot fail for arena-budget
	// reasons (segs is empty), only for the underlying mmap call itself;
	// that failure is rare enough, and fatal enough, to surface via panic
	// rather than growing Reset an error return nothing else needs.
	if err := c.rotateSegment(); err != nil {
		panic(fmt.Sprintf("blockcache: reset failed to open a fresh segment: %v", err))
	}
}

// FindSite looks up the fastmem site (if any) whose emitted instruction
// starts at hostAddr, for pkg/faulthandler to consult on a guest memory
// fault (spec.md 4.6: "look up the faulting host instruction address in
// the union of all blocks' fastmem site tables").
func (c *Cache) FindSite(hostAddr uintptr) (AbsoluteSite, bool) {
	s, ok := c.siteIndex[hostAddr]
	return s, ok
}

// PatchSite hands patch the live bytes at hostAddr for an in-place
// rewrite, handling the W^X unseal/reseal cycle around the call so
// pkg/faulthandler never needs a raw segment handle (spec.md 4.6:
// "temporarily make the page writable, patch, flush, make executable").
func (c *Cache) PatchSite(hostAddr uintptr, length int, patch func(buf []byte)) error {
	for _, seg := range c.segs {
		lo, hi := seg.base(), seg.base()+uintptr(seg.used)
		if hostAddr < lo || hostAddr+uintptr(length) > hi {
			continue
		}
		off := int(hostAddr - lo)
		if err := seg.unseal(); err != nil {
			return err
		}
		patch(seg.mem[off : off+length])
		return seg.seal()
	}
	return fmt.Errorf("blockcache: no resident segment contains host address %#x", hostAddr)
}
