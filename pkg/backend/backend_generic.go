//go:build !amd64

// Non-amd64 targets get no native codegen (spec.md's fastmem/JIT
// design is x86-64-specific); every block runs through pkg/interp
// instead. This file gives pkg/jit the same Compile/RunNative surface
// as the amd64 build so the dispatcher does not need a build-tagged
// branch of its own, mirroring the teacher's backend_arm64_stub.go
// convention of a same-named stub package per unsupported target.
package backend

import (
	"errors"

	"github.com/slaminger/retrodream/pkg/context"
	"github.com/slaminger/retrodream/pkg/ir"
)

// ErrNoNativeBackend is returned by Compile on every call; pkg/jit
// treats it exactly like ErrContainsExternalCall, running the block
// through pkg/interp.Run instead.
var ErrNoNativeBackend = errors.New("backend: no native backend for this GOARCH")

// ErrContainsExternalCall is the same error value as ErrNoNativeBackend
// on this build, so pkg/jit's errors.Is check against it matches every
// Compile failure here.
var ErrContainsExternalCall = ErrNoNativeBackend

type RelocKind int

const (
	RelocDirect RelocKind = iota
	RelocCondTrue
	RelocCondFalse
)

type Reloc struct {
	Offset   int
	PatchLen int
	TargetPC uint32
	Kind     RelocKind
}

type FastmemSite struct {
	Offset  int
	Len     int
	Width   int
	Signed  bool
	IsStore bool
}

type CompiledBlock struct {
	Code   []byte
	Relocs []Reloc
	Sites  []FastmemSite
}

func Compile(blk *ir.Block) (*CompiledBlock, error) { return nil, ErrNoNativeBackend }

// RunNative is unreachable on this build: Compile always fails above,
// so pkg/jit always takes the pkg/interp fallback path and never holds
// an addr to pass here. Kept only so callers built against either
// GOARCH see the same package API.
func RunNative(addr uintptr, ctx *context.Context) {
	panic("backend: RunNative called with no native backend present")
}
