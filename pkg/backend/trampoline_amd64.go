//go:build amd64

package backend

import (
	"unsafe"

	"github.com/slaminger/retrodream/pkg/context"
)

// blockcall is implemented in asm_amd64.s: it pins the guest context
// and fastmem base into R13/R12, calls into the compiled block at
// code, and restores the caller's register state on return. Grounded
// on the wazero jit_amd64 reference file's declared-Go-function/
// sibling-assembly-file pattern (there: func jitcall(codeSegment,
// engine, memory uintptr)).
func blockcall(code, ctx, fastmem uintptr)

// RunNative executes one compiled block's installed machine code
// against ctx. addr is the host address the block cache copied the
// code to (inside its W^X executable arena), not CompiledBlock.Code
// itself — installation and patching are the cache's job.
func RunNative(addr uintptr, ctx *context.Context) {
	blockcall(addr, uintptr(unsafe.Pointer(ctx)), ctx.Mem.FastmemBase())
}
