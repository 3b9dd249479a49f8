//go:build amd64

package backend

import (
	"unsafe"

	"github.com/slaminger/retrodream/pkg/context"
)

// Byte offsets of Context's fields, computed from the real struct
// layout rather than hand-maintained, so a field reorder in pkg/context
// cannot silently desynchronize the machine code this package emits.
var (
	ctxGPROffset     = int(unsafe.Offsetof(context.Context{}.GPR))
	ctxFPROffset     = int(unsafe.Offsetof(context.Context{}.FPR))
	ctxPCOffset      = int(unsafe.Offsetof(context.Context{}.PC))
	ctxFlagsOffset   = int(unsafe.Offsetof(context.Context{}.Flags))
	ctxScratchOffset = int(unsafe.Offsetof(context.Context{}.Scratch))
)

func scratchOffset(slot int) int { return ctxScratchOffset + slot*8 }

func gprOffset(id int) int { return ctxGPROffset + (id-context.GPRBase)*4 }

func fprOffset(id int) int { return ctxFPROffset + (id-context.FPRBase)*8 }
