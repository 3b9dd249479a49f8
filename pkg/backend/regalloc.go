package backend

import "github.com/slaminger/retrodream/pkg/ir"

// Loc is where a Value's runtime bits live: either a pinned host
// register (Reg >= 0) or a spill slot in the guest context's scratch
// area (Reg == -1, Spill is the word index into Context.Scratch).
type Loc struct {
	Reg   int
	Spill int
}

// interval is one Value's live range within the block, in instruction
// index units: [start, end].
type interval struct {
	id         int
	start, end int
}

// Allocate runs a simple linear-scan register allocator over blk's
// values (Poletto & Sarkar's algorithm, the same shape used by every
// JIT-adjacent allocator in the retrieval pack's ambient style): values
// are ordered by definition point, active intervals are expired as the
// scan passes their last use, and a value is spilled to Context.Scratch
// the moment the free-register pool runs dry rather than attempting
// optimal eviction, since blocks here are short, straight-line, and
// spilling one value costs nothing more than one extra memory op.
func Allocate(blk *ir.Block) map[int]Loc {
	intervals := computeIntervals(blk)

	locs := make(map[int]Loc, len(intervals))
	var active []interval
	free := append([]int(nil), scratchPool...)
	nextSpill := 0

	for _, iv := range intervals {
		// Expire intervals that end before this one starts, returning
		// their registers to the free pool.
		kept := active[:0]
		for _, a := range active {
			if a.end < iv.start {
				free = append(free, locs[a.id].Reg)
			} else {
				kept = append(kept, a)
			}
		}
		active = kept

		if len(free) > 0 {
			reg := free[len(free)-1]
			free = free[:len(free)-1]
			locs[iv.id] = Loc{Reg: reg, Spill: -1}
		} else {
			locs[iv.id] = Loc{Reg: -1, Spill: nextSpill}
			nextSpill++
		}
		active = append(active, iv)
	}
	return locs
}

func computeIntervals(blk *ir.Block) []interval {
	starts := make(map[int]int)
	ends := make(map[int]int)
	var order []int

	note := func(v *ir.Value, idx int, isDef bool) {
		if v == nil || v == ir.Void || v.ID < 0 {
			return
		}
		if isDef {
			starts[v.ID] = idx
			order = append(order, v.ID)
		}
		if cur, ok := ends[v.ID]; !ok || idx > cur {
			ends[v.ID] = idx
		}
	}

	for idx, inst := range blk.Insts {
		if inst.Dest != nil && inst.Dest != ir.Void {
			note(inst.Dest, idx, true)
		}
		for j := 0; j < inst.NArgs; j++ {
			note(inst.Args[j], idx, false)
		}
	}

	out := make([]interval, 0, len(order))
	for _, id := range order {
		out = append(out, interval{id: id, start: starts[id], end: ends[id]})
	}
	return out
}
