package addrspace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T) *AddressSpace {
	t.Helper()
	a, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestMapRAMWriteReadLittleEndian(t *testing.T) {
	a := newTestSpace(t)
	ram := make([]byte, 0x0100_0000)
	require.NoError(t, a.MapRAM(0x0000_0000, 0x0100_0000, ram, true))

	a.Write32(0x40, 0xDEADBEEF)
	require.Equal(t, uint8(0xEF), a.Read8(0x40))
	require.Equal(t, uint8(0xDE), a.Read8(0x43))
	require.Equal(t, uint32(0xDEADBEEF), a.Read32(0x40))
}

func TestMapROMRejectsWrites(t *testing.T) {
	a := newTestSpace(t)
	rom := []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, a.MapROM(0x1000, 0x1004, rom))

	a.Write8(0x1000, 0xFF)
	require.Equal(t, uint8(0x01), a.Read8(0x1000))
}

func TestMapOverlapRejected(t *testing.T) {
	a := newTestSpace(t)
	require.NoError(t, a.MapRAM(0x0, 0x1000, make([]byte, 0x1000), true))

	err := a.MapRAM(0x0800, 0x1800, make([]byte, 0x1000), true)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOverlap))
}

func TestUnmappedReadReturnsZeroAndCounts(t *testing.T) {
	a := newTestSpace(t)
	require.Equal(t, uint32(0), a.Read32(0xDEAD0000))
	require.Equal(t, uint64(1), a.Stats().UnmappedReads)
}

func TestUnmappedWriteDiscardedAndCounts(t *testing.T) {
	a := newTestSpace(t)
	a.Write32(0xDEAD0000, 0x1)
	require.Equal(t, uint64(1), a.Stats().UnmappedWrites)
}

func TestMapMMIODispatchesCallbacks(t *testing.T) {
	a := newTestSpace(t)
	var reads, writes int
	var lastWrite uint32
	readFn := func(userdata interface{}, addr uint32, width int) uint32 {
		reads++
		return 0x2A
	}
	writeFn := func(userdata interface{}, addr uint32, width int, value uint32) {
		writes++
		lastWrite = value
	}
	require.NoError(t, a.MapMMIO(0x8000_0000, 0x8000_1000, readFn, writeFn, nil))

	addr := uint32(0x8000_0000)
	require.Equal(t, uint32(0x2A), a.Read32(addr))
	require.Equal(t, 1, reads)

	a.Write32(addr, 0x77)
	require.Equal(t, 1, writes)
	require.Equal(t, uint32(0x77), lastWrite)
}

func TestRegionAtReportsKind(t *testing.T) {
	a := newTestSpace(t)
	require.NoError(t, a.MapRAM(0x0, 0x1000, make([]byte, 0x1000), true))

	r := a.RegionAt(0x10)
	require.NotNil(t, r)
	require.Equal(t, KindRam, r.Kind)
	require.Nil(t, a.RegionAt(0xFFFF_0000))
}

func TestFastmemBaseNonZeroAfterNew(t *testing.T) {
	a := newTestSpace(t)
	require.NotZero(t, a.FastmemBase())
}

func TestWrite64SpansTwoWords(t *testing.T) {
	a := newTestSpace(t)
	require.NoError(t, a.MapRAM(0x0, 0x1000, make([]byte, 0x1000), true))

	a.Write64(0x100, 0x1122334455667788)
	require.Equal(t, uint64(0x1122334455667788), a.Read64(0x100))
}
