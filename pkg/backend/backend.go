//go:build amd64

// Package backend is the amd64 JIT backend: it lowers one IR block into
// position-independent x86-64 machine code plus a relocation list for
// the block cache to patch once neighboring blocks are known (spec.md
// 4.4's block-chaining). Grounded on tinyrange-rtg/std/compiler's
// CodeGen (the same Inst-walking, byte-slice-accumulating shape) and on
// the wazero jit_amd64 reference file's call-trampoline idiom (the
// asm_amd64.s/trampoline_amd64.go pair), but limited to integer
// operations: the teacher's own x64.go never touches an XMM register
// either, so float arithmetic here takes the same fallback-to-interp
// path CallExternal does.
package backend

import (
	"errors"
	"fmt"

	"github.com/slaminger/retrodream/pkg/context"
	"github.com/slaminger/retrodream/pkg/ir"
)

// ErrContainsExternalCall is returned by Compile when the block
// contains an OpCallExternal instruction. Rather than build a
// resumable mid-block call mechanism (the teacher's own Go-JIT
// grounding file notes this is a recognized limitation of pure-Go JIT
// engines: you cannot safely CALL back into arbitrary Go code from
// emitted machine code without a cooperative preemption/stack-growth
// story), any block touching a slowmem thunk or MMIO callback runs
// through pkg/interp instead. Only TRAPA and the bus's slowmem window
// produce OpCallExternal, so this only interpreter-falls-back the
// blocks that actually need it.
var ErrContainsExternalCall = errors.New("backend: block contains an external call, must run interpreted")

// ErrUnsupportedOperand is returned for IR shapes this integer-only
// backend does not lower (float arithmetic, int/float conversion); the
// reduced guest ISA this repo targets never produces these through
// normal decode, so this is a defensive bailout, not an expected path.
var ErrUnsupportedOperand = errors.New("backend: operand type not supported by the native backend")

// RelocKind distinguishes the two kinds of exit stub a Reloc marks.
type RelocKind int

const (
	RelocDirect RelocKind = iota
	RelocCondTrue
	RelocCondFalse
)

// Reloc marks one block-exit stub within CompiledBlock.Code: a run of
// PatchLen bytes, starting at Offset, that currently stores TargetPC
// into the context and returns. The block cache may overwrite the
// first 5 bytes of that run with a direct `jmp rel32` into the target
// block's installed code once that block exists, padding the remainder
// with NOPs — this is the patchable link spec.md 4.4 calls block
// chaining. Until patched, the stub is itself valid code: it simply
// hands control back to the dispatcher with PC already set.
type Reloc struct {
	Offset   int
	PatchLen int
	TargetPC uint32
	Kind     RelocKind
}

// FastmemSite marks one load/store instruction in Code that currently
// addresses the fastmem arena directly. blockcache.Cache indexes these
// by absolute host address (FindSite/PatchSite) for a possible future
// per-site patch; the fault path actually wired up today
// (pkg/faulthandler) instead evicts and blacklists the whole block on a
// fault, since uffd only ever reports a faulting data address, never
// the instruction pointer a per-site patch would need — see
// pkg/faulthandler's package doc. Len is the byte length of the
// instruction at Offset, the room any such patch would have to fit
// within.
type FastmemSite struct {
	Offset  int
	Len     int
	Width   int
	Signed  bool
	IsStore bool
}

// CompiledBlock is one block's emitted machine code, position
// independent except for the relocations listed in Relocs.
type CompiledBlock struct {
	Code   []byte
	Relocs []Reloc
	Sites  []FastmemSite
}

// Compile lowers blk into amd64 machine code. The returned code
// expects R13 to hold the guest Context pointer and R12 the fastmem
// arena base on entry (see trampoline_amd64.go), and always exits via
// RET with no callee-saved registers left dirty beyond what the
// trampoline itself preserves.
func Compile(blk *ir.Block) (*CompiledBlock, error) {
	for _, inst := range blk.Insts {
		if inst.Op == ir.OpCallExternal {
			return nil, ErrContainsExternalCall
		}
	}

	locs := Allocate(blk)
	g := &codegen{asm: &asm{}, locs: locs}
	for _, inst := range blk.Insts {
		if err := g.emit(inst); err != nil {
			return nil, err
		}
	}
	return &CompiledBlock{Code: g.code, Relocs: g.relocs, Sites: g.sites}, nil
}

type codegen struct {
	*asm
	locs   map[int]Loc
	relocs []Reloc
	sites  []FastmemSite
}

func (g *codegen) recordSite(start, width int, signed, isStore bool) {
	g.sites = append(g.sites, FastmemSite{
		Offset: start, Len: g.pos() - start, Width: width, Signed: signed, IsStore: isStore,
	})
}

// loc looks up a Value's assigned register or spill slot; Void and nil
// (instructions with no destination) never get a location so they're
// never looked up.
func (g *codegen) loc(v *ir.Value) Loc { return g.locs[v.ID] }

// materialize copies v's current bits into the fixed register into,
// loading from its spill slot if it was not allocated a register.
// Operands are always staged through fixed scratch registers this way
// rather than computed in place on the allocator's assigned register,
// trading a few redundant moves for an encoder with no operand-aliasing
// special cases.
func (g *codegen) materialize(v *ir.Value, into int) {
	l := g.loc(v)
	if l.Reg >= 0 {
		g.movRR(into, l.Reg)
		return
	}
	g.loadMemW(into, ctxReg, scratchOffset(l.Spill), 8, false)
}

func (g *codegen) store(dest *ir.Value, from int) {
	l := g.loc(dest)
	if l.Reg >= 0 {
		g.movRR(l.Reg, from)
		return
	}
	g.storeMemW(ctxReg, scratchOffset(l.Spill), from, 8)
}

// clearHigh32 zero-extends the low 32 bits of reg into the full
// 64-bit register (the standard `mov e_reg, e_reg` idiom: any 32-bit
// write on amd64 clears the upper half automatically).
func (g *codegen) clearHigh32(reg int) {
	rex := byte(0)
	if reg >= 8 {
		rex = 0x45
	}
	if rex != 0 {
		g.emitByte(rex)
	}
	g.emitBytes(0x89, modrmRR(reg, reg))
}

func (g *codegen) signExtendReg(reg int, t ir.Type) {
	switch t {
	case ir.I8:
		g.movsxB(reg)
	case ir.I16:
		g.movsxW(reg)
	case ir.I32:
		g.movsxD(reg)
	}
}

func isFloat(t ir.Type) bool { return t == ir.F32 || t == ir.F64 }

func (g *codegen) emit(inst *ir.Inst) error {
	switch inst.Op {
	case ir.OpConst:
		g.movRI64(regAX, uint64(inst.Imm))
		g.store(inst.Dest, regAX)
		return nil

	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpUDiv, ir.OpMod, ir.OpUMod,
		ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpShr, ir.OpSar:
		return g.emitBinArith(inst)

	case ir.OpCmpEq, ir.OpCmpNe, ir.OpCmpLt, ir.OpCmpLe, ir.OpCmpGt, ir.OpCmpGe,
		ir.OpCmpULt, ir.OpCmpULe, ir.OpCmpUGt, ir.OpCmpUGe:
		return g.emitCompare(inst)

	case ir.OpNot:
		g.materialize(inst.Args[0], regAX)
		g.notR(regAX)
		g.maskTo(regAX, inst.Dest.Type)
		g.store(inst.Dest, regAX)
		return nil

	case ir.OpNeg:
		if isFloat(inst.Dest.Type) {
			return ErrUnsupportedOperand
		}
		g.materialize(inst.Args[0], regAX)
		g.negR(regAX)
		g.maskTo(regAX, inst.Dest.Type)
		g.store(inst.Dest, regAX)
		return nil

	case ir.OpSExt, ir.OpZExt, ir.OpTrunc, ir.OpBitcast:
		if isFloat(inst.Dest.Type) || isFloat(inst.Args[0].Type) {
			return ErrUnsupportedOperand
		}
		g.materialize(inst.Args[0], regAX)
		if inst.Op == ir.OpSExt {
			g.signExtendReg(regAX, inst.Args[0].Type)
		}
		g.maskTo(regAX, inst.Dest.Type)
		g.store(inst.Dest, regAX)
		return nil

	case ir.OpIntToFloat, ir.OpFloatToInt:
		return ErrUnsupportedOperand

	case ir.OpLoad:
		g.materialize(inst.Args[0], regAX)
		g.clearHigh32(regAX) // guest addresses are 32-bit
		siteStart := g.pos()
		g.loadFastmem(regDX, regAX, inst.Width, inst.Signed)
		g.recordSite(siteStart, inst.Width, inst.Signed, false)
		g.maskTo(regDX, inst.Dest.Type)
		g.store(inst.Dest, regDX)
		return nil

	case ir.OpStore:
		g.materialize(inst.Args[0], regAX)
		g.clearHigh32(regAX)
		g.materialize(inst.Args[1], regDX)
		siteStart := g.pos()
		g.storeFastmem(regAX, regDX, inst.Width)
		g.recordSite(siteStart, inst.Width, false, true)
		return nil

	case ir.OpLoadGuestReg:
		id := int(inst.Imm)
		if id == context.StatusRegID {
			g.loadMemW(regAX, ctxReg, ctxFlagsOffset, 4, false)
		} else if id >= context.FPRBase {
			g.loadMemW(regAX, ctxReg, fprOffset(id), 8, false)
		} else {
			g.loadMemW(regAX, ctxReg, gprOffset(id), 4, false)
		}
		g.store(inst.Dest, regAX)
		return nil

	case ir.OpStoreGuestReg:
		id := int(inst.Imm)
		g.materialize(inst.Args[0], regAX)
		switch {
		case id == context.StatusRegID:
			g.storeMemW(ctxReg, ctxFlagsOffset, regAX, 4)
		case id >= context.FPRBase:
			g.storeMemW(ctxReg, fprOffset(id), regAX, 8)
		default:
			g.storeMemW(ctxReg, gprOffset(id), regAX, 4)
		}
		return nil

	case ir.OpBarrier:
		return nil

	case ir.OpJump:
		if inst.NArgs == 0 {
			g.emitExitStub(uint32(inst.Imm), RelocDirect)
		} else {
			g.materialize(inst.Args[0], regAX)
			g.storeMemW(ctxReg, ctxPCOffset, regAX, 4)
			g.ret()
		}
		return nil

	case ir.OpBranchIf:
		return g.emitBranchIf(inst)

	case ir.OpReturnDispatcher:
		g.ret()
		return nil

	default:
		return fmt.Errorf("backend: unhandled opcode %s", inst.Op)
	}
}

// maskTo truncates the zero-extended bit pattern in reg down to t's
// width, preserving the interpreter's invariant that a register always
// holds the value's type-width pattern with the rest zeroed.
func (g *codegen) maskTo(reg int, t ir.Type) {
	switch t {
	case ir.I8:
		g.andRI8(reg, 0xFF)
	case ir.I16:
		g.andRI16(reg, 0xFFFF)
	case ir.I32, ir.F32:
		g.clearHigh32(reg)
	}
}

func (g *codegen) emitBinArith(inst *ir.Inst) error {
	t := inst.Dest.Type
	if isFloat(t) {
		return ErrUnsupportedOperand
	}
	a, b := inst.Args[0], inst.Args[1]

	switch inst.Op {
	case ir.OpDiv, ir.OpMod:
		g.materialize(a, regAX)
		g.signExtendReg(regAX, a.Type)
		g.materialize(b, regCX)
		g.signExtendReg(regCX, b.Type)
		g.cqo()
		g.idivR(regCX)
		if inst.Op == ir.OpDiv {
			g.maskTo(regAX, t)
			g.store(inst.Dest, regAX)
		} else {
			g.maskTo(regDX, t)
			g.store(inst.Dest, regDX)
		}
		return nil

	case ir.OpUDiv, ir.OpUMod:
		g.materialize(a, regAX)
		g.maskTo(regAX, a.Type)
		g.materialize(b, regCX)
		g.maskTo(regCX, b.Type)
		g.xorRR(regDX, regDX)
		g.divR(regCX)
		if inst.Op == ir.OpUDiv {
			g.maskTo(regAX, t)
			g.store(inst.Dest, regAX)
		} else {
			g.maskTo(regDX, t)
			g.store(inst.Dest, regDX)
		}
		return nil

	case ir.OpShl, ir.OpShr, ir.OpSar:
		g.materialize(a, regAX)
		g.materialize(b, regCX)
		switch inst.Op {
		case ir.OpShl:
			g.shlCl(regAX)
		case ir.OpShr:
			g.maskTo(regAX, a.Type)
			g.shrCl(regAX)
		case ir.OpSar:
			g.signExtendReg(regAX, a.Type)
			g.sarCl(regAX)
		}
		g.maskTo(regAX, t)
		g.store(inst.Dest, regAX)
		return nil

	case ir.OpMul:
		g.materialize(a, regAX)
		g.materialize(b, regDX)
		g.imulRR(regAX, regDX)
		g.maskTo(regAX, t)
		g.store(inst.Dest, regAX)
		return nil
	}

	g.materialize(a, regAX)
	g.materialize(b, regDX)
	switch inst.Op {
	case ir.OpAdd:
		g.addRR(regAX, regDX)
	case ir.OpSub:
		g.subRR(regAX, regDX)
	case ir.OpAnd:
		g.andRR(regAX, regDX)
	case ir.OpOr:
		g.orRR(regAX, regDX)
	case ir.OpXor:
		g.xorRR(regAX, regDX)
	}
	g.maskTo(regAX, t)
	g.store(inst.Dest, regAX)
	return nil
}

func (g *codegen) emitCompare(inst *ir.Inst) error {
	a, b := inst.Args[0], inst.Args[1]
	signed := false
	var cc byte
	switch inst.Op {
	case ir.OpCmpEq:
		cc = ccE
	case ir.OpCmpNe:
		cc = ccNE
	case ir.OpCmpLt:
		cc, signed = ccL, true
	case ir.OpCmpLe:
		cc, signed = ccLE, true
	case ir.OpCmpGt:
		cc, signed = ccG, true
	case ir.OpCmpGe:
		cc, signed = ccGE, true
	case ir.OpCmpULt:
		cc = ccB
	case ir.OpCmpULe:
		cc = ccBE
	case ir.OpCmpUGt:
		cc = ccA
	case ir.OpCmpUGe:
		cc = ccAE
	}

	g.materialize(a, regAX)
	g.materialize(b, regDX)
	if signed {
		g.signExtendReg(regAX, a.Type)
		g.signExtendReg(regDX, b.Type)
	} else {
		g.maskTo(regAX, a.Type)
		g.maskTo(regDX, b.Type)
	}
	g.cmpRR(regAX, regDX)
	g.setcc(cc, regAX)
	g.store(inst.Dest, regAX)
	return nil
}

// emitBranchIf lowers a conditional branch into a compare against zero
// followed by two exit stubs, one per outcome, each individually
// relocatable once its target block is compiled.
func (g *codegen) emitBranchIf(inst *ir.Inst) error {
	truePC, falsePC := ir.BranchTargets(inst)
	g.materialize(inst.Args[0], regAX)
	g.cmpRI(regAX, 0)
	jccOff := g.jccRel32(ccE)

	trueStart := g.pos()
	g.emitExitStub(truePC, RelocCondTrue)

	falseTarget := g.pos()
	patchRel32(g.code, jccOff, int32(falseTarget-(jccOff+4)))
	g.emitExitStub(falsePC, RelocCondFalse)

	_ = trueStart
	return nil
}

// emitExitStub writes `mov dword [ctxReg+pcOff], target; ret` and
// records a Reloc describing it for the block cache to patch later.
func (g *codegen) emitExitStub(target uint32, kind RelocKind) {
	start := g.pos()
	g.storeImmMem32(ctxReg, ctxPCOffset, target)
	g.ret()
	g.relocs = append(g.relocs, Reloc{
		Offset:   start,
		PatchLen: g.pos() - start,
		TargetPC: target,
		Kind:     kind,
	})
}
