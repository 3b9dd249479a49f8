package guestisa

import "fmt"

var alurrNames = [...]string{"add", "sub", "and", "or", "xor", "not", "neg", "shl", "shr", "cmp"}
var aluriNames = [...]string{"addi", "subi", "andi", "cmpi"}
var condNames = [...]string{"", "eq", "ne", "lt", "ge"}
var widthNames = [...]string{"b", "w", "l", "q"}

// Disassemble renders a single decoded instruction as guest assembly
// text.
func Disassemble(i Inst) string {
	switch i.Op {
	case OpNOP:
		return "nop"
	case OpALURR:
		name := "?"
		if int(i.Funct) < len(alurrNames) {
			name = alurrNames[i.Funct]
		}
		return fmt.Sprintf("%s r%d, r%d", name, i.Rn, i.Rm)
	case OpALURI:
		name := "?"
		if int(i.Funct) < len(aluriNames) {
			name = aluriNames[i.Funct]
		}
		return fmt.Sprintf("%s r%d, %d", name, i.Rn, i.Imm)
	case OpLoad:
		sign := "u"
		if i.Signed {
			sign = "s"
		}
		return fmt.Sprintf("load.%s%s r%d, [r%d]", widthNames[i.Width], sign, i.Rn, i.Rm)
	case OpStore:
		return fmt.Sprintf("store.%s [r%d], r%d", widthNames[i.Width], i.Rm, i.Rn)
	case OpBranch:
		return fmt.Sprintf("b%s %d", condNames[i.Cond], i.Imm)
	case OpJump:
		return fmt.Sprintf("jmp %d", i.Imm)
	case OpJumpR:
		return fmt.Sprintf("jmpr r%d", i.Rm)
	case OpBranchR:
		return fmt.Sprintf("b%sr r%d", condNames[i.Cond], i.Rm)
	case OpLDS:
		return fmt.Sprintf("lds r%d", i.Rn)
	case OpSTS:
		return fmt.Sprintf("sts r%d", i.Rn)
	case OpTRAPA:
		return fmt.Sprintf("trapa %d", i.Imm)
	default:
		return fmt.Sprintf("<unknown %#x>", uint8(i.Op))
	}
}
