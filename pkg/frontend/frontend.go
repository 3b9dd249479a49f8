// Package frontend translates one run of guest instructions into an IR
// block, applying the block-termination policy spec.md 4.5 describes:
// stop at any branch (direct or indirect, conditional or not), at the
// configured maximum block length, or at a guest page boundary (the
// Open Question spec.md leaves open; resolved conservatively here, see
// DESIGN.md). Its opcode-switch-to-IR-emission shape is grounded in
// tinyrange-rtg/std/compiler/frontend.go and the wazero JIT compiler
// loop's "one case per opcode family" structure.
package frontend

import (
	"errors"
	"fmt"

	"github.com/slaminger/retrodream/pkg/context"
	"github.com/slaminger/retrodream/pkg/guestisa"
	"github.com/slaminger/retrodream/pkg/ir"
)

// ErrUnsupportedOpcode signals a guest opcode the frontend cannot lower
// to IR at all (as opposed to TRAPA, which is a designated, always-valid
// interpreter-fallback instruction). Translate returns it, wrapped, for
// decodable words with no IR lowering (ALU-register function codes 10-15,
// ALU-immediate function codes past CMPI, branch conditions past GE), and
// the whole translation fails; no single-instruction interpreter call is
// emitted in their place.
var ErrUnsupportedOpcode = errors.New("frontend: unsupported guest opcode")

// Register id space the emitted OpLoadGuestReg/OpStoreGuestReg
// instructions address: see pkg/context's GPRBase/FPRBase/StatusRegID.
const (
	gprBase     = context.GPRBase
	fprBase     = context.FPRBase
	statusRegID = context.StatusRegID
)

const pageOffsetBits = 12

func pageOf(pc uint32) uint32 { return pc >> pageOffsetBits }

// Fetcher is the minimal interface the frontend needs to read guest
// instruction words; pkg/addrspace.AddressSpace satisfies it.
type Fetcher interface {
	Read16(addr uint32) uint16
}

// Config bounds one Translate call.
type Config struct {
	MaxBlockInsts int
}

// DefaultConfig matches the teacher-style small, deliberately low
// default so translation and chaining behaviour stays easy to observe
// in tests and the CLI's disasm output.
var DefaultConfig = Config{MaxBlockInsts: 64}

// state tracks the decoder's one piece of persistent context across
// instructions within a block: the operands of the most recent compare,
// which the next conditional branch (if any) consumes. Guest code that
// branches without a preceding compare is a malformed-program condition
// this frontend does not try to detect (spec.md scopes cycle-accurate
// hardware faithfulness out); it falls back to comparing the constant 0
// against itself, which makes CondEQ always taken and CondNE never taken.
type state struct {
	cmpLHS, cmpRHS *ir.Value
}

// Translate decodes guest instructions starting at pcLo under the given
// builder (already specialised on context flags) until it hits a
// terminating instruction, the configured instruction cap, or a page
// boundary, then closes the block.
func Translate(b *ir.Builder, mem Fetcher, pcLo uint32, cfg Config) (*ir.Block, error) {
	if cfg.MaxBlockInsts <= 0 {
		cfg = DefaultConfig
	}
	st := &state{}
	pc := pcLo
	page := pageOf(pcLo)

	for n := 0; n < cfg.MaxBlockInsts; n++ {
		if n > 0 && pageOf(pc) != page {
			// Page-boundary crossing: terminate conservatively by
			// chaining to the next block (spec.md 9 Open Question,
			// resolved in DESIGN.md).
			b.Jump(pc)
			return b.Finish(pc)
		}

		word := mem.Read16(pc)
		inst := guestisa.Decode(word)
		next := pc + 2

		terminated, err := emit(b, st, inst, pc, next)
		if err != nil {
			return nil, err
		}
		pc = next
		if terminated {
			return b.Finish(pc)
		}
	}

	// Hit the instruction cap without a terminator: chain to the next
	// block the same way a page-boundary split does.
	b.Jump(pc)
	return b.Finish(pc)
}

// emit lowers one decoded instruction into b, returning true if it
// closed the block with a terminator.
func emit(b *ir.Builder, st *state, inst guestisa.Inst, pc, next uint32) (bool, error) {
	switch inst.Op {
	case guestisa.OpNOP:
		return false, nil

	case guestisa.OpALURR:
		return false, emitALURR(b, st, inst)

	case guestisa.OpALURI:
		return false, emitALURI(b, st, inst)

	case guestisa.OpLoad:
		return false, emitLoad(b, inst)

	case guestisa.OpStore:
		return false, emitStore(b, inst)

	case guestisa.OpLDS:
		sr := b.LoadGuestReg(statusRegID, ir.I32)
		b.StoreGuestReg(gprBase+int(inst.Rn), sr)
		return false, nil

	case guestisa.OpSTS:
		v := b.LoadGuestReg(gprBase+int(inst.Rn), ir.I32)
		b.StoreGuestReg(statusRegID, v)
		return false, nil

	case guestisa.OpTRAPA:
		b.CallExternal("trapa", []*ir.Value{b.Const(ir.I32, int64(inst.Imm))})
		b.Barrier()
		return false, nil

	case guestisa.OpBranch:
		target := branchTarget(pc, inst.Imm)
		if inst.Cond == guestisa.CondAlways {
			b.Jump(target)
			return true, nil
		}
		cond, err := buildCond(b, st, inst.Cond)
		if err != nil {
			return false, err
		}
		b.BranchCond(cond, target, next)
		return true, nil

	case guestisa.OpJump:
		b.Jump(branchTarget(pc, inst.Imm))
		return true, nil

	case guestisa.OpJumpR:
		target := b.LoadGuestReg(gprBase+int(inst.Rm), ir.I32)
		b.JumpIndirect(target)
		return true, nil

	case guestisa.OpBranchR:
		regTarget := b.LoadGuestReg(gprBase+int(inst.Rm), ir.I32)
		if inst.Cond == guestisa.CondAlways {
			b.JumpIndirect(regTarget)
			return true, nil
		}
		cond, err := buildCond(b, st, inst.Cond)
		if err != nil {
			return false, err
		}
		fall := b.Const(ir.I32, int64(next))
		selected, err := selectValue(b, cond, regTarget, fall)
		if err != nil {
			return false, err
		}
		b.JumpIndirect(selected)
		return true, nil

	default:
		return false, fmt.Errorf("%w: %#x", ErrUnsupportedOpcode, uint8(inst.Op))
	}
}

func branchTarget(pc uint32, disp int32) uint32 {
	return uint32(int64(pc) + 2 + int64(disp)*2)
}

func emitALURR(b *ir.Builder, st *state, inst guestisa.Inst) error {
	lhs := b.LoadGuestReg(gprBase+int(inst.Rn), ir.I32)
	rhs := b.LoadGuestReg(gprBase+int(inst.Rm), ir.I32)

	switch guestisa.ALURRFunct(inst.Funct) {
	case guestisa.FnADD:
		return storeBin(b, ir.OpAdd, inst.Rn, lhs, rhs)
	case guestisa.FnSUB:
		return storeBin(b, ir.OpSub, inst.Rn, lhs, rhs)
	case guestisa.FnAND:
		return storeBin(b, ir.OpAnd, inst.Rn, lhs, rhs)
	case guestisa.FnOR:
		return storeBin(b, ir.OpOr, inst.Rn, lhs, rhs)
	case guestisa.FnXOR:
		return storeBin(b, ir.OpXor, inst.Rn, lhs, rhs)
	case guestisa.FnSHL:
		return storeBin(b, ir.OpShl, inst.Rn, lhs, rhs)
	case guestisa.FnSHR:
		return storeBin(b, ir.OpShr, inst.Rn, lhs, rhs)
	case guestisa.FnNOT:
		return storeUn(b, ir.OpNot, inst.Rn, lhs)
	case guestisa.FnNEG:
		return storeUn(b, ir.OpNeg, inst.Rn, lhs)
	case guestisa.FnCMP:
		st.cmpLHS, st.cmpRHS = lhs, rhs
		return nil
	default:
		return fmt.Errorf("%w: alurr funct %d", ErrUnsupportedOpcode, inst.Funct)
	}
}

func emitALURI(b *ir.Builder, st *state, inst guestisa.Inst) error {
	lhs := b.LoadGuestReg(gprBase+int(inst.Rn), ir.I32)
	imm := b.Const(ir.I32, int64(inst.Imm))

	switch guestisa.ALURIFunct(inst.Funct) {
	case guestisa.FnADDI:
		return storeBin(b, ir.OpAdd, inst.Rn, lhs, imm)
	case guestisa.FnSUBI:
		return storeBin(b, ir.OpSub, inst.Rn, lhs, imm)
	case guestisa.FnANDI:
		return storeBin(b, ir.OpAnd, inst.Rn, lhs, imm)
	case guestisa.FnCMPI:
		st.cmpLHS, st.cmpRHS = lhs, imm
		return nil
	default:
		return fmt.Errorf("%w: aluri funct %d", ErrUnsupportedOpcode, inst.Funct)
	}
}

func storeBin(b *ir.Builder, op ir.Opcode, rn uint8, lhs, rhs *ir.Value) error {
	res, err := b.BinOp(op, lhs, rhs)
	if err != nil {
		return err
	}
	b.StoreGuestReg(gprBase+int(rn), res)
	return nil
}

func storeUn(b *ir.Builder, op ir.Opcode, rn uint8, v *ir.Value) error {
	res, err := b.UnOp(op, v.Type, v)
	if err != nil {
		return err
	}
	b.StoreGuestReg(gprBase+int(rn), res)
	return nil
}

// regType reports the IR destination type and register file a typed
// memory access of the given width targets: byte/word/long accesses are
// 32-bit GPR values, quad accesses are 64-bit FPR values (there is no
// 64-bit GPR in this reduced ISA, matching the SH-4's FMOV.D pairing
// doubles with the FPU register file rather than general registers).
func regType(w guestisa.Width) (t ir.Type, fpr bool) {
	if w == guestisa.WidthQuad {
		return ir.F64, true
	}
	return ir.I32, false
}

func emitLoad(b *ir.Builder, inst guestisa.Inst) error {
	base := b.LoadGuestReg(gprBase+int(inst.Rm), ir.I32)
	destType, fpr := regType(inst.Width)
	val, err := b.Load(base, inst.Width.Bytes(), inst.Signed, destType)
	if err != nil {
		return err
	}
	if fpr {
		b.StoreGuestReg(fprBase+int(inst.Rn), val)
	} else {
		b.StoreGuestReg(gprBase+int(inst.Rn), val)
	}
	return nil
}

func emitStore(b *ir.Builder, inst guestisa.Inst) error {
	base := b.LoadGuestReg(gprBase+int(inst.Rm), ir.I32)
	_, fpr := regType(inst.Width)
	var val *ir.Value
	if fpr {
		val = b.LoadGuestReg(fprBase+int(inst.Rn), ir.F64)
	} else {
		val = b.LoadGuestReg(gprBase+int(inst.Rn), ir.I32)
	}
	return b.Store(base, val, inst.Width.Bytes())
}

// buildCond materialises the I8 boolean the most recent compare implies
// for the given branch condition.
func buildCond(b *ir.Builder, st *state, cond guestisa.Cond) (*ir.Value, error) {
	lhs, rhs := st.cmpLHS, st.cmpRHS
	if lhs == nil || rhs == nil {
		zero := b.Const(ir.I32, 0)
		lhs, rhs = zero, zero
	}
	switch cond {
	case guestisa.CondEQ:
		return b.BinOp(ir.OpCmpEq, lhs, rhs)
	case guestisa.CondNE:
		return b.BinOp(ir.OpCmpNe, lhs, rhs)
	case guestisa.CondLT:
		return b.BinOp(ir.OpCmpLt, lhs, rhs)
	case guestisa.CondGE:
		return b.BinOp(ir.OpCmpGe, lhs, rhs)
	default:
		return nil, fmt.Errorf("%w: branch cond %d", ErrUnsupportedOpcode, cond)
	}
}

// selectValue computes (cond ? whenTrue : whenFalse) branchlessly via
// integer masking, since the IR has no select opcode: this is the only
// way to land a compile-time-unknown (register) target behind a runtime
// condition within a single terminator instruction.
func selectValue(b *ir.Builder, cond, whenTrue, whenFalse *ir.Value) (*ir.Value, error) {
	mask, err := b.UnOp(ir.OpZExt, ir.I32, cond)
	if err != nil {
		return nil, err
	}
	one := b.Const(ir.I32, 1)
	invMask, err := b.BinOp(ir.OpSub, one, mask)
	if err != nil {
		return nil, err
	}
	a, err := b.BinOp(ir.OpMul, whenTrue, mask)
	if err != nil {
		return nil, err
	}
	bb, err := b.BinOp(ir.OpMul, whenFalse, invMask)
	if err != nil {
		return nil, err
	}
	return b.BinOp(ir.OpAdd, a, bb)
}
