// Package liveness computes, per operation, the set of locals that are
// live immediately after it. The analysis is a standard backward dataflow
// over the CFG: block-level live-out sets are computed to a fixed point,
// then per-operation sets are derived by walking each block in reverse.
package liveness

import (
	"github.com/blackgeorge-boom/migrapath/internal/mir"
)

// Liveness holds the per-block results for one function.
type Liveness struct {
	fn      *mir.Function
	liveOut map[*mir.BasicBlock]map[int]mir.Local
	blockOf map[mir.Op]*mir.BasicBlock
}

// New computes liveness information for a function.
func New(fn *mir.Function) *Liveness {
	lv := &Liveness{
		fn:      fn,
		liveOut: make(map[*mir.BasicBlock]map[int]mir.Local, len(fn.Blocks)),
		blockOf: make(map[mir.Op]*mir.BasicBlock),
	}

	for _, block := range fn.Blocks {
		lv.liveOut[block] = make(map[int]mir.Local)
		for _, op := range block.Ops {
			lv.blockOf[op] = block
		}
	}

	lv.solve()
	return lv
}

// After returns the locals live immediately after op. The returned map is
// owned by the caller; each call allocates a fresh copy.
func (lv *Liveness) After(op mir.Op) map[int]mir.Local {
	block := lv.blockOf[op]
	if block == nil {
		return make(map[int]mir.Local)
	}

	live := copySet(lv.liveOut[block])
	for i := len(block.Ops) - 1; i >= 0; i-- {
		current := block.Ops[i]
		if current == op {
			break
		}
		step(live, current)
	}
	return live
}

// solve iterates the block-level equations to a fixed point:
// liveOut(b) = union over successors s of liveIn(s), where
// liveIn(b) = upward-exposed uses of b, plus liveOut(b) minus defs of b.
func (lv *Liveness) solve() {
	changed := true
	for changed {
		changed = false
		for i := len(lv.fn.Blocks) - 1; i >= 0; i-- {
			block := lv.fn.Blocks[i]
			out := lv.liveOut[block]
			for _, succ := range mir.Successors(block) {
				for id, local := range lv.liveIn(succ) {
					if _, ok := out[id]; !ok {
						out[id] = local
						changed = true
					}
				}
			}
		}
	}
}

// liveIn derives a block's live-in set from its current live-out set.
func (lv *Liveness) liveIn(block *mir.BasicBlock) map[int]mir.Local {
	live := copySet(lv.liveOut[block])
	for i := len(block.Ops) - 1; i >= 0; i-- {
		step(live, block.Ops[i])
	}
	return live
}

// step applies one operation's def/use effect to a live set, backwards.
func step(live map[int]mir.Local, op mir.Op) {
	if result, ok := mir.Result(op); ok {
		delete(live, result.ID)
	}
	for _, local := range mir.UsedLocals(op) {
		live[local.ID] = local
	}
}

func copySet(set map[int]mir.Local) map[int]mir.Local {
	out := make(map[int]mir.Local, len(set))
	for id, local := range set {
		out[id] = local
	}
	return out
}
