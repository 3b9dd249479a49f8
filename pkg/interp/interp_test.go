package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slaminger/retrodream/pkg/context"
	"github.com/slaminger/retrodream/pkg/ir"
)

type fakeMem struct {
	b [1 << 16]byte
}

func (m *fakeMem) Read8(addr uint32) uint8   { return m.b[addr] }
func (m *fakeMem) Read16(addr uint32) uint16 { return uint16(m.b[addr]) | uint16(m.b[addr+1])<<8 }
func (m *fakeMem) Read32(addr uint32) uint32 {
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}
func (m *fakeMem) Read64(addr uint32) uint64 {
	return uint64(m.Read32(addr)) | uint64(m.Read32(addr+4))<<32
}
func (m *fakeMem) Write8(addr uint32, v uint8) { m.b[addr] = v }
func (m *fakeMem) Write16(addr uint32, v uint16) {
	m.b[addr], m.b[addr+1] = byte(v), byte(v>>8)
}
func (m *fakeMem) Write32(addr uint32, v uint32) {
	m.Write16(addr, uint16(v))
	m.Write16(addr+2, uint16(v>>16))
}
func (m *fakeMem) Write64(addr uint32, v uint64) {
	m.Write32(addr, uint32(v))
	m.Write32(addr+4, uint32(v>>32))
}
func (m *fakeMem) FastmemBase() uintptr { return 0 }

func TestRunArithmeticAndGuestRegRoundTrip(t *testing.T) {
	b := ir.New(0, 0)
	lhs := b.LoadGuestReg(1, ir.I32)
	rhs := b.LoadGuestReg(2, ir.I32)
	sum, err := b.BinOp(ir.OpAdd, lhs, rhs)
	require.NoError(t, err)
	b.StoreGuestReg(3, sum)
	b.ReturnToDispatcher()
	blk, err := b.Finish(2)
	require.NoError(t, err)

	ctx := context.New(&fakeMem{})
	ctx.GPR[1] = 10
	ctx.GPR[2] = 32
	require.NoError(t, Run(blk, ctx))
	require.EqualValues(t, 42, ctx.GPR[3])
}

func TestRunLoadStoreMemory(t *testing.T) {
	mem := &fakeMem{}
	b := ir.New(0, 0)
	base := b.LoadGuestReg(0, ir.I32)
	val := b.Const(ir.I32, 0xDEADBEEF)
	require.NoError(t, b.Store(base, val, 4))
	loaded, err := b.Load(base, 4, false, ir.I32)
	require.NoError(t, err)
	b.StoreGuestReg(1, loaded)
	b.ReturnToDispatcher()
	blk, err := b.Finish(2)
	require.NoError(t, err)

	ctx := context.New(mem)
	ctx.GPR[0] = 0x100
	require.NoError(t, Run(blk, ctx))
	require.EqualValues(t, 0xDEADBEEF, ctx.GPR[1])
}

func TestRunBranchIfSelectsTarget(t *testing.T) {
	b := ir.New(0, 0)
	lhs := b.LoadGuestReg(1, ir.I32)
	rhs := b.LoadGuestReg(2, ir.I32)
	cond, err := b.BinOp(ir.OpCmpEq, lhs, rhs)
	require.NoError(t, err)
	b.BranchCond(cond, 0x100, 0x200)
	blk, err := b.Finish(2)
	require.NoError(t, err)

	ctx := context.New(&fakeMem{})
	ctx.GPR[1], ctx.GPR[2] = 7, 7
	require.NoError(t, Run(blk, ctx))
	require.EqualValues(t, 0x100, ctx.PC)

	ctx2 := context.New(&fakeMem{})
	ctx2.GPR[1], ctx2.GPR[2] = 7, 8
	require.NoError(t, Run(blk, ctx2))
	require.EqualValues(t, 0x200, ctx2.PC)
}

func TestRunStatusRegisterRoundTrip(t *testing.T) {
	b := ir.New(0, 0)
	v := b.LoadGuestReg(context.GPRBase+4, ir.I32)
	b.StoreGuestReg(context.StatusRegID, v)
	b.ReturnToDispatcher()
	blk, err := b.Finish(2)
	require.NoError(t, err)

	ctx := context.New(&fakeMem{})
	ctx.GPR[4] = context.FlagFPUPrecision
	require.NoError(t, Run(blk, ctx))
	require.True(t, ctx.FPUDouble())
}
