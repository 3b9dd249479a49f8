package ir

// Simplify runs the mandatory baseline optimisation pass over a finished
// block: constant folding, identity/zero simplifications, dead-store
// elimination for guest-register writes killed within the block, and a
// per-block GVN over pure opcodes. It rewrites b.Insts in place.
func Simplify(b *Block) {
	foldConstants(b)
	eliminateIdentities(b)
	gvn(b)
	eliminateDeadGuestStores(b)
}

// foldConstants replaces binary/unary ops over two OpConst operands with
// a single OpConst carrying the computed value.
func foldConstants(b *Block) {
	for _, inst := range b.Insts {
		if inst.Op.isTerminator() {
			continue
		}
		switch inst.NArgs {
		case 1:
			a := inst.Args[0]
			if a.Def == nil || a.Def.Op != OpConst {
				continue
			}
			if v, ok := foldUnary(inst.Op, a.Type, a.Def.Imm); ok {
				rewriteToConst(inst, v)
			}
		case 2:
			a, bArg := inst.Args[0], inst.Args[1]
			if a.Def == nil || bArg.Def == nil || a.Def.Op != OpConst || bArg.Def.Op != OpConst {
				continue
			}
			if v, ok := foldBinary(inst.Op, a.Type, a.Def.Imm, bArg.Def.Imm); ok {
				rewriteToConst(inst, v)
			}
		}
	}
}

func rewriteToConst(inst *Inst, v int64) {
	inst.Op = OpConst
	inst.Imm = v
	inst.HasImm = true
	inst.NArgs = 0
	inst.Args[0], inst.Args[1], inst.Args[2] = nil, nil, nil
}

func maskTo(t Type, v int64) int64 {
	switch t {
	case I8:
		return int64(int8(v))
	case I16:
		return int64(int16(v))
	case I32:
		return int64(int32(v))
	default:
		return v
	}
}

func foldBinary(op Opcode, t Type, a, bv int64) (int64, bool) {
	switch op {
	case OpAdd:
		return maskTo(t, a+bv), true
	case OpSub:
		return maskTo(t, a-bv), true
	case OpMul:
		return maskTo(t, a*bv), true
	case OpAnd:
		return maskTo(t, a&bv), true
	case OpOr:
		return maskTo(t, a|bv), true
	case OpXor:
		return maskTo(t, a^bv), true
	case OpShl:
		return maskTo(t, a<<uint(bv)), true
	case OpShr:
		return maskTo(t, int64(uint64(a)>>uint(bv))), true
	case OpSar:
		return maskTo(t, a>>uint(bv)), true
	case OpDiv:
		if bv == 0 {
			return 0, false
		}
		return maskTo(t, a/bv), true
	case OpUDiv:
		if bv == 0 {
			return 0, false
		}
		return maskTo(t, int64(uint64(a)/uint64(bv))), true
	case OpMod:
		if bv == 0 {
			return 0, false
		}
		return maskTo(t, a%bv), true
	case OpUMod:
		if bv == 0 {
			return 0, false
		}
		return maskTo(t, int64(uint64(a)%uint64(bv))), true
	case OpCmpEq:
		return boolInt(a == bv), true
	case OpCmpNe:
		return boolInt(a != bv), true
	case OpCmpLt:
		return boolInt(a < bv), true
	case OpCmpLe:
		return boolInt(a <= bv), true
	case OpCmpGt:
		return boolInt(a > bv), true
	case OpCmpGe:
		return boolInt(a >= bv), true
	case OpCmpULt:
		return boolInt(uint64(a) < uint64(bv)), true
	case OpCmpULe:
		return boolInt(uint64(a) <= uint64(bv)), true
	case OpCmpUGt:
		return boolInt(uint64(a) > uint64(bv)), true
	case OpCmpUGe:
		return boolInt(uint64(a) >= uint64(bv)), true
	default:
		return 0, false
	}
}

func foldUnary(op Opcode, t Type, a int64) (int64, bool) {
	switch op {
	case OpNeg:
		return maskTo(t, -a), true
	case OpNot:
		return maskTo(t, ^a), true
	case OpTrunc, OpSExt, OpZExt, OpBitcast:
		return maskTo(t, a), true
	default:
		return 0, false
	}
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// eliminateIdentities rewrites `x + 0`, `x - 0`, `x * 1`, `x & -1`,
// `x | 0`, `x ^ 0`, `x << 0` and similar identity forms by replacing
// the instruction's uses with the non-trivial operand. Since
// this IR has no separate "replace all uses" step (values reference their
// producer, not the reverse), identity ops are turned into zero-cost
// aliases by rewriting the producer pointer of every later use in place.
func eliminateIdentities(b *Block) {
	alias := map[int]*Value{}
	resolve := func(v *Value) *Value {
		for {
			if r, ok := alias[v.ID]; ok {
				v = r
				continue
			}
			return v
		}
	}
	for _, inst := range b.Insts {
		for j := 0; j < inst.NArgs; j++ {
			inst.Args[j] = resolve(inst.Args[j])
		}
		if inst.NArgs != 2 || inst.Op.isTerminator() {
			continue
		}
		lhs, rhs := inst.Args[0], inst.Args[1]
		if keep, ok := identityResult(inst.Op, lhs, rhs); ok {
			alias[inst.Dest.ID] = keep
		}
	}
}

func identityResult(op Opcode, lhs, rhs *Value) (*Value, bool) {
	rhsConst, rhsIsConst := constOf(rhs)
	lhsConst, lhsIsConst := constOf(lhs)
	switch op {
	case OpAdd, OpOr, OpXor:
		if rhsIsConst && rhsConst == 0 {
			return lhs, true
		}
		if lhsIsConst && lhsConst == 0 {
			return rhs, true
		}
	case OpSub:
		if rhsIsConst && rhsConst == 0 {
			return lhs, true
		}
	case OpMul:
		if rhsIsConst && rhsConst == 1 {
			return lhs, true
		}
		if lhsIsConst && lhsConst == 1 {
			return rhs, true
		}
	case OpAnd:
		if rhsIsConst && rhsConst == -1 {
			return lhs, true
		}
		if lhsIsConst && lhsConst == -1 {
			return rhs, true
		}
	case OpShl, OpShr, OpSar:
		if rhsIsConst && rhsConst == 0 {
			return lhs, true
		}
	}
	return nil, false
}

func constOf(v *Value) (int64, bool) {
	if v.Def != nil && v.Def.Op == OpConst {
		return v.Def.Imm, true
	}
	return 0, false
}

// gvnKey identifies a pure instruction by opcode, operand identity and
// immediate — two instructions with the same key compute the same value
// anywhere within one straight-line block (no control-flow joins to
// reason about).
type gvnKey struct {
	op         Opcode
	a, bv, c   int
	imm        int64
	hasImm     bool
	width      int
}

// gvn performs a per-block global value numbering pass over pure
// opcodes: redundant recomputations of the same pure expression are
// aliased to the first computed value.
func gvn(b *Block) {
	seen := map[gvnKey]*Value{}
	alias := map[int]*Value{}
	resolve := func(v *Value) *Value {
		for {
			if r, ok := alias[v.ID]; ok {
				v = r
				continue
			}
			return v
		}
	}
	for _, inst := range b.Insts {
		for j := 0; j < inst.NArgs; j++ {
			inst.Args[j] = resolve(inst.Args[j])
		}
		if !inst.Op.isPure() {
			continue
		}
		key := gvnKey{op: inst.Op, imm: inst.Imm, hasImm: inst.HasImm, width: inst.Width}
		ids := [3]int{-1, -1, -1}
		for j := 0; j < inst.NArgs; j++ {
			ids[j] = inst.Args[j].ID
		}
		key.a, key.bv, key.c = ids[0], ids[1], ids[2]
		if prior, ok := seen[key]; ok && inst.Dest != nil && inst.Dest != Void {
			alias[inst.Dest.ID] = prior
			continue
		}
		if inst.Dest != nil && inst.Dest != Void {
			seen[key] = inst.Dest
		}
	}
}

// eliminateDeadGuestStores drops OpStoreGuestReg instructions whose
// register is overwritten again, with no intervening read, before the
// block's terminator — the store is unobservable and safe to remove.
func eliminateDeadGuestStores(b *Block) {
	dead := make(map[*Inst]bool)

	// Walk backwards: a store is dead if the next guest-register event
	// for that register (scanning forward from it) is another store with
	// no load in between.
	nextEventIsStore := make([]bool, len(b.Insts))
	lastSeen := map[int64]int{}
	for i := len(b.Insts) - 1; i >= 0; i-- {
		inst := b.Insts[i]
		if inst.Op != OpStoreGuestReg && inst.Op != OpLoadGuestReg {
			continue
		}
		reg := inst.Imm
		if idx, ok := lastSeen[reg]; ok {
			nextEventIsStore[i] = b.Insts[idx].Op == OpStoreGuestReg
		}
		lastSeen[reg] = i
	}

	for i, inst := range b.Insts {
		if inst.Op == OpStoreGuestReg && nextEventIsStore[i] {
			dead[inst] = true
		}
	}
	if len(dead) == 0 {
		return
	}
	out := b.Insts[:0:0]
	for _, inst := range b.Insts {
		if dead[inst] {
			continue
		}
		out = append(out, inst)
	}
	b.Insts = out
	if len(out) > 0 {
		b.Term = out[len(out)-1]
	}
}
