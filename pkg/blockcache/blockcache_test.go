//go:build amd64 && linux

package blockcache

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/slaminger/retrodream/pkg/backend"
	"github.com/slaminger/retrodream/pkg/context"
	"github.com/slaminger/retrodream/pkg/ir"
)

type fakeMem struct{ buf []byte }

func newFakeMem() *fakeMem { return &fakeMem{buf: make([]byte, 1<<16)} }

func (m *fakeMem) Read8(addr uint32) uint8   { return m.buf[addr] }
func (m *fakeMem) Read16(addr uint32) uint16 { return uint16(m.buf[addr]) | uint16(m.buf[addr+1])<<8 }
func (m *fakeMem) Read32(addr uint32) uint32 {
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}
func (m *fakeMem) Read64(addr uint32) uint64 {
	return uint64(m.Read32(addr)) | uint64(m.Read32(addr+4))<<32
}
func (m *fakeMem) Write8(addr uint32, v uint8) { m.buf[addr] = v }
func (m *fakeMem) Write16(addr uint32, v uint16) {
	m.buf[addr], m.buf[addr+1] = byte(v), byte(v>>8)
}
func (m *fakeMem) Write32(addr uint32, v uint32) {
	m.Write16(addr, uint16(v))
	m.Write16(addr+2, uint16(v>>16))
}
func (m *fakeMem) Write64(addr uint32, v uint64) {
	m.Write32(addr, uint32(v))
	m.Write32(addr+4, uint32(v>>32))
}
func (m *fakeMem) FastmemBase() uintptr { return uintptr(unsafe.Pointer(&m.buf[0])) }

func compileAdd(t *testing.T, pcLo, pcHi uint32) *backend.CompiledBlock {
	t.Helper()
	b := ir.New(pcLo, 0)
	lhs := b.LoadGuestReg(1, ir.I32)
	rhs := b.LoadGuestReg(2, ir.I32)
	sum, err := b.BinOp(ir.OpAdd, lhs, rhs)
	require.NoError(t, err)
	b.StoreGuestReg(3, sum)
	b.ReturnToDispatcher()
	blk, err := b.Finish(pcHi)
	require.NoError(t, err)
	cb, err := backend.Compile(blk)
	require.NoError(t, err)
	return cb
}

func TestInsertLookupRoundTrip(t *testing.T) {
	c, err := New(1<<16, 4)
	require.NoError(t, err)
	defer c.Close()

	cb := compileAdd(t, 0x1000, 0x1010)
	ptr, err := c.Insert(0x1000, 0x1010, 0, cb)
	require.NoError(t, err)
	require.NotZero(t, ptr.Addr)

	got, ok := c.Lookup(0x1000, 0)
	require.True(t, ok)
	require.Equal(t, ptr.Addr, got.Addr)

	_, ok = c.Lookup(0x1000, 1)
	require.False(t, ok, "flag mismatch must be a miss, not a hit")

	_, ok = c.Lookup(0x2000, 0)
	require.False(t, ok)
}

func TestInvalidateRangeDropsOverlappingEntries(t *testing.T) {
	c, err := New(1<<16, 4)
	require.NoError(t, err)
	defer c.Close()

	cb := compileAdd(t, 0x1000, 0x1010)
	_, err = c.Insert(0x1000, 0x1010, 0, cb)
	require.NoError(t, err)

	c.InvalidateRange(0x1008, 0x1020)

	_, ok := c.Lookup(0x1000, 0)
	require.False(t, ok)
}

func TestInvalidateRangeLeavesDisjointEntries(t *testing.T) {
	c, err := New(1<<16, 4)
	require.NoError(t, err)
	defer c.Close()

	cb := compileAdd(t, 0x1000, 0x1010)
	_, err = c.Insert(0x1000, 0x1010, 0, cb)
	require.NoError(t, err)

	c.InvalidateRange(0x2000, 0x2010)

	_, ok := c.Lookup(0x1000, 0)
	require.True(t, ok)
}

func TestResetClearsEverythingAndBumpsResetID(t *testing.T) {
	c, err := New(1<<16, 4)
	require.NoError(t, err)
	defer c.Close()

	cb := compileAdd(t, 0x1000, 0x1010)
	_, err = c.Insert(0x1000, 0x1010, 0, cb)
	require.NoError(t, err)

	before := c.ResetID()
	c.Reset()
	after := c.ResetID()
	require.NotEqual(t, before, after)
	require.EqualValues(t, 1, c.Resets())

	_, ok := c.Lookup(0x1000, 0)
	require.False(t, ok)
}

func TestSecondChanceEvictsColdSegmentBeforeReset(t *testing.T) {
	// Tiny arena: one block per segment, two segments total. Neither
	// resident block has ever been chained to, so the third distinct
	// insert should free the oldest cold segment instead of paying for
	// a full reset.
	cb := compileAdd(t, 0, 0x10)
	segSize := len(cb.Code)
	c, err := New(segSize, 2)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Insert(0x1000, 0x1010, 0, compileAdd(t, 0x1000, 0x1010))
	require.NoError(t, err)
	_, err = c.Insert(0x2000, 0x2010, 0, compileAdd(t, 0x2000, 0x2010))
	require.NoError(t, err)

	_, err = c.Insert(0x3000, 0x3010, 0, compileAdd(t, 0x3000, 0x3010))
	require.NoError(t, err)
	require.EqualValues(t, 0, c.Resets(), "a cold segment should be reclaimed before a full reset")

	_, ok := c.Lookup(0x1000, 0)
	require.False(t, ok, "the evicted segment's key must now miss")
	_, ok = c.Lookup(0x2000, 0)
	require.True(t, ok)
	_, ok = c.Lookup(0x3000, 0)
	require.True(t, ok)
}

func TestArenaOverflowResetsOnceWhenEverySegmentIsHot(t *testing.T) {
	cb := compileAdd(t, 0, 0x10)
	segSize := len(cb.Code)
	c, err := New(segSize, 2)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Insert(0x1000, 0x1010, 0, compileAdd(t, 0x1000, 0x1010))
	require.NoError(t, err)
	_, err = c.Insert(0x2000, 0x2010, 0, compileAdd(t, 0x2000, 0x2010))
	require.NoError(t, err)

	// Mark both resident keys as chained so neither segment qualifies as
	// a cold second-chance candidate, forcing a genuine overflow.
	c.chained.Add(mixKey(0x1000, 0), struct{}{})
	c.chained.Add(mixKey(0x2000, 0), struct{}{})

	_, err = c.Insert(0x3000, 0x3010, 0, compileAdd(t, 0x3000, 0x3010))
	require.NoError(t, err)
	require.EqualValues(t, 1, c.Resets())

	_, ok := c.Lookup(0x1000, 0)
	require.False(t, ok)
	_, ok = c.Lookup(0x2000, 0)
	require.False(t, ok)
	_, ok = c.Lookup(0x3000, 0)
	require.True(t, ok)
}

func TestChainingPatchesDirectJump(t *testing.T) {
	c, err := New(1<<16, 4)
	require.NoError(t, err)
	defer c.Close()

	// Block A ends with an indirect-looking exit (via BranchCond) to
	// 0x2000; insert A first (target not yet resident, pending chain),
	// then insert the 0x2000 block and confirm A's exit stub was patched
	// in place from "store+ret" to a direct jmp.
	ba := ir.New(0x1000, 0)
	lhs := ba.LoadGuestReg(1, ir.I32)
	rhs := ba.LoadGuestReg(2, ir.I32)
	cond, err := ba.BinOp(ir.OpCmpEq, lhs, rhs)
	require.NoError(t, err)
	ba.BranchCond(cond, 0x2000, 0x2000)
	blkA, err := ba.Finish(0x1010)
	require.NoError(t, err)
	cbA, err := backend.Compile(blkA)
	require.NoError(t, err)

	ptrA, err := c.Insert(0x1000, 0x1010, 0, cbA)
	require.NoError(t, err)
	require.Len(t, ptrA.Relocs, 2)

	cbB := compileAdd(t, 0x2000, 0x2010)
	ptrB, err := c.Insert(0x2000, 0x2010, 0, cbB)
	require.NoError(t, err)

	// The first byte of the (now-patched) exit stub should be a near jmp
	// opcode, not the original mov-immediate encoding.
	code := unsafe.Slice((*byte)(unsafe.Pointer(ptrA.Addr)), ptrA.Len)
	require.Equal(t, byte(0xE9), code[ptrA.Relocs[0].Offset])

	// Executing A should now fall straight into B's native code without
	// ever returning to a dispatcher loop: B's add runs and leaves its
	// result in GPR[3], while ctx.PC is never written by A's patched
	// stub (only the unpatched form would have set it to 0x2000).
	ctx := context.New(newFakeMem())
	ctx.GPR[1], ctx.GPR[2] = 7, 35 // B's add operands; A's own condition is now unreachable
	backend.RunNative(ptrA.Addr, ctx)
	require.EqualValues(t, 42, ctx.GPR[3])
	_ = ptrB
}
