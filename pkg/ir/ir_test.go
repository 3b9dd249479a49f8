package ir

import "testing"

func TestBuilderArithmeticAndGuestRegs(t *testing.T) {
	b := New(0x1000, 0)
	r2 := b.LoadGuestReg(2, I32)
	r3 := b.LoadGuestReg(3, I32)
	r1, err := b.BinOp(OpAdd, r2, r3)
	if err != nil {
		t.Fatalf("BinOp: %v", err)
	}
	b.StoreGuestReg(1, r1)
	shifted, err := b.BinOp(OpShl, r1, b.Const(I32, 2))
	if err != nil {
		t.Fatalf("BinOp shl: %v", err)
	}
	b.StoreGuestReg(2, shifted)
	b.JumpIndirect(shifted)

	blk, err := b.Finish(0x1004)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if blk.Term.Op != OpJump {
		t.Fatalf("expected terminator OpJump, got %v", blk.Term.Op)
	}
	if len(blk.Insts) == 0 {
		t.Fatal("expected instructions")
	}
}

func TestTypeMismatchRejected(t *testing.T) {
	b := New(0, 0)
	a := b.LoadGuestReg(0, I32)
	bv := b.LoadGuestReg(1, I64)
	if _, err := b.BinOp(OpAdd, a, bv); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestFinishRequiresTerminator(t *testing.T) {
	b := New(0, 0)
	b.LoadGuestReg(0, I32)
	if _, err := b.Finish(4); err == nil {
		t.Fatal("expected missing-terminator error")
	}
}

func TestSimplifyConstantFolding(t *testing.T) {
	b := New(0, 0)
	c1 := b.Const(I32, 2)
	c2 := b.Const(I32, 3)
	sum, _ := b.BinOp(OpAdd, c1, c2)
	b.StoreGuestReg(0, sum)
	b.ReturnToDispatcher()
	blk, err := b.Finish(4)
	if err != nil {
		t.Fatal(err)
	}
	Simplify(blk)
	var foundFoldedConst bool
	for _, inst := range blk.Insts {
		if inst.Op == OpConst && inst.HasImm && inst.Imm == 5 {
			foundFoldedConst = true
		}
	}
	if !foundFoldedConst {
		t.Fatal("expected constant folding to produce const 5")
	}
}

func TestSimplifyIdentityElimination(t *testing.T) {
	b := New(0, 0)
	r := b.LoadGuestReg(0, I32)
	zero := b.Const(I32, 0)
	sum, _ := b.BinOp(OpAdd, r, zero)
	b.StoreGuestReg(1, sum)
	b.ReturnToDispatcher()
	blk, _ := b.Finish(4)
	Simplify(blk)
	// after simplify, the StoreGuestReg should reference r directly (via
	// alias resolution), not the add result.
	for _, inst := range blk.Insts {
		if inst.Op == OpStoreGuestReg && inst.Imm == 1 {
			if inst.Args[0] != r {
				t.Fatalf("expected store to alias directly to %v, got %v", r, inst.Args[0])
			}
		}
	}
}

func TestSimplifyDeadGuestStoreElimination(t *testing.T) {
	b := New(0, 0)
	v1 := b.Const(I32, 1)
	v2 := b.Const(I32, 2)
	b.StoreGuestReg(0, v1) // dead: overwritten below with no intervening read
	b.StoreGuestReg(0, v2)
	b.ReturnToDispatcher()
	blk, _ := b.Finish(4)
	Simplify(blk)
	count := 0
	for _, inst := range blk.Insts {
		if inst.Op == OpStoreGuestReg && inst.Imm == 0 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 surviving store to reg 0, got %d", count)
	}
}
