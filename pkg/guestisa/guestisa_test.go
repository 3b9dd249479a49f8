package guestisa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeALURR(funct, rn, rm uint8) uint16 {
	return uint16(OpALURR)<<12 | uint16(funct)<<8 | uint16(rn)<<4 | uint16(rm)
}

func TestDecodeALURR(t *testing.T) {
	i := Decode(encodeALURR(uint8(FnADD), 3, 5))
	require.Equal(t, OpALURR, i.Op)
	require.Equal(t, uint8(FnADD), i.Funct)
	require.Equal(t, uint8(3), i.Rn)
	require.Equal(t, uint8(5), i.Rm)
}

func TestDecodeALURINegativeImmediate(t *testing.T) {
	// funct=ADDI, rn=1, imm6 = -1 (0b111111)
	word := uint16(OpALURI)<<12 | uint16(1)<<8 | uint16(uint8(FnADDI))<<6 | 0x3F
	i := Decode(word)
	require.Equal(t, OpALURI, i.Op)
	require.Equal(t, uint8(1), i.Rn)
	require.EqualValues(t, -1, i.Imm)
}

func TestDecodeLoadStoreWidthSigned(t *testing.T) {
	funct := uint8(WidthLong) | 0x4 // signed long
	word := uint16(OpLoad)<<12 | uint16(funct)<<8 | uint16(2)<<4 | uint16(7)
	i := Decode(word)
	require.Equal(t, OpLoad, i.Op)
	require.Equal(t, WidthLong, i.Width)
	require.True(t, i.Signed)
	require.Equal(t, uint8(2), i.Rn)
	require.Equal(t, uint8(7), i.Rm)
}

func TestDecodeBranchConditionalDisplacement(t *testing.T) {
	word := uint16(OpBranch)<<12 | uint16(CondEQ)<<8 | 0xFE // disp = -2
	i := Decode(word)
	require.Equal(t, OpBranch, i.Op)
	require.Equal(t, CondEQ, i.Cond)
	require.EqualValues(t, -2, i.Imm)
	require.True(t, i.IsBranch())
	require.False(t, i.IsUnconditional())
}

func TestDecodeJumpUnconditional(t *testing.T) {
	word := uint16(OpJump)<<12 | 0x10
	i := Decode(word)
	require.True(t, i.IsBranch())
	require.True(t, i.IsUnconditional())
}

func TestDecodeTRAPA(t *testing.T) {
	word := uint16(OpTRAPA)<<12 | 0x0AB
	i := Decode(word)
	require.Equal(t, OpTRAPA, i.Op)
	require.EqualValues(t, 0x0AB, i.Imm)
}

func TestDisassembleRoundTrip(t *testing.T) {
	require.Equal(t, "nop", Disassemble(Decode(uint16(OpNOP)<<12)))
	require.Equal(t, "add r3, r5", Disassemble(Decode(encodeALURR(uint8(FnADD), 3, 5))))
}
