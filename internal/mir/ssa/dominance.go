package ssa

import (
	"github.com/blackgeorge-boom/migrapath/internal/mir"
)

// ComputeDominators computes the immediate dominator for each block.
// Returns a map from block to its immediate dominator.
func ComputeDominators(fn *mir.Function) map[*mir.BasicBlock]*mir.BasicBlock {
	if fn.Entry == nil || len(fn.Blocks) == 0 {
		return make(map[*mir.BasicBlock]*mir.BasicBlock)
	}

	// Initialize: entry has no dominator
	idom := make(map[*mir.BasicBlock]*mir.BasicBlock)
	preds := mir.Predecessors(fn)

	// Entry block has no dominator (nil)
	idom[fn.Entry] = nil

	// Iteratively compute dominators until convergence
	changed := true
	for changed {
		changed = false

		for _, block := range fn.Blocks {
			if block == fn.Entry {
				continue
			}

			// Find the new dominator: intersection of dominators of all
			// predecessors that already have one
			var newDom *mir.BasicBlock
			for _, pred := range preds[block] {
				if _, hasDom := idom[pred]; !hasDom {
					continue
				}
				if newDom == nil {
					newDom = pred
				} else {
					newDom = intersect(pred, newDom, idom)
				}
			}

			if newDom != idom[block] {
				idom[block] = newDom
				changed = true
			}
		}
	}

	return idom
}

// intersect finds the common dominator of two blocks by walking up the
// dominator tree.
func intersect(b1, b2 *mir.BasicBlock, idom map[*mir.BasicBlock]*mir.BasicBlock) *mir.BasicBlock {
	if b1 == nil || b2 == nil {
		if b1 != nil {
			return b1
		}
		return b2
	}

	pathFromB1 := make(map[*mir.BasicBlock]bool)
	current := b1
	for current != nil {
		pathFromB1[current] = true
		current = idom[current]
	}

	current = b2
	for current != nil {
		if pathFromB1[current] {
			return current
		}
		current = idom[current]
	}

	// Should not reach here in a well-formed CFG
	return nil
}

// position locates an operation within its function.
type position struct {
	block *mir.BasicBlock
	index int
}

// Dominance answers dominance queries at operation granularity. Within a
// block, an earlier operation dominates every later one; across blocks the
// query falls back to the block-level dominator tree.
type Dominance struct {
	idom      map[*mir.BasicBlock]*mir.BasicBlock
	positions map[mir.Op]position
}

// NewDominance computes dominance information for a function.
func NewDominance(fn *mir.Function) *Dominance {
	d := &Dominance{
		idom:      ComputeDominators(fn),
		positions: make(map[mir.Op]position),
	}
	for _, block := range fn.Blocks {
		for i, op := range block.Ops {
			d.positions[op] = position{block: block, index: i}
		}
	}
	return d
}

// Block returns the block containing op, or nil if op is not part of the
// function this Dominance was built for.
func (d *Dominance) Block(op mir.Op) *mir.BasicBlock {
	return d.positions[op].block
}

// Dominates reports whether operation a dominates operation b.
func (d *Dominance) Dominates(a, b mir.Op) bool {
	pa, oka := d.positions[a]
	pb, okb := d.positions[b]
	if !oka || !okb {
		return false
	}
	if pa.block == pb.block {
		return pa.index <= pb.index
	}
	return d.blockDominates(pa.block, pb.block)
}

// blockDominates reports whether block a dominates block b.
func (d *Dominance) blockDominates(a, b *mir.BasicBlock) bool {
	for current := b; current != nil; current = d.idom[current] {
		if current == a {
			return true
		}
	}
	return false
}
