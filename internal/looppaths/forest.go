package looppaths

import (
	"fmt"
	"sort"

	"github.com/blackgeorge-boom/migrapath/internal/mir"
	"github.com/blackgeorge-boom/migrapath/internal/mir/ssa"
)

// LoopID indexes a loop inside its function's Forest. Loops are referred
// to by ID rather than by pointer so that re-analysis never chases stale
// graph pointers.
type LoopID int

// NoLoop is the parent ID of a top-level loop.
const NoLoop LoopID = -1

// Loop is a natural loop: a header block, the latch blocks whose edges
// jump back to it, and the member blocks, including those of nested loops.
type Loop struct {
	ID       LoopID
	Header   *mir.BasicBlock
	Latches  map[*mir.BasicBlock]bool
	Blocks   map[*mir.BasicBlock]bool
	Parent   LoopID
	Children []LoopID
	Depth    int
}

// Contains reports whether b is a member of the loop (nested members count).
func (l *Loop) Contains(b *mir.BasicBlock) bool {
	return l.Blocks[b]
}

// Forest is the arena of all loops discovered in one function.
type Forest struct {
	fn        *mir.Function
	loops     []*Loop
	innermost map[*mir.BasicBlock]*Loop
}

// BuildForest discovers the natural loops of a function and arranges them
// into a nesting forest. A back edge is an edge whose target dominates its
// source; edges that close a cycle without a dominating header are left in
// place and surface later as an irreducible-shape failure during path
// enumeration.
func BuildForest(fn *mir.Function) (*Forest, error) {
	if fn.Entry == nil {
		return nil, fmt.Errorf("function %s has no entry block", fn.Name)
	}

	idom := ssa.ComputeDominators(fn)
	dominates := func(a, b *mir.BasicBlock) bool {
		for current := b; current != nil; current = idom[current] {
			if current == a {
				return true
			}
		}
		return false
	}

	// Group back edges by header, preserving block order for determinism.
	latchesOf := make(map[*mir.BasicBlock][]*mir.BasicBlock)
	var headers []*mir.BasicBlock
	for _, block := range fn.Blocks {
		for _, succ := range mir.Successors(block) {
			if dominates(succ, block) {
				if latchesOf[succ] == nil {
					headers = append(headers, succ)
				}
				latchesOf[succ] = append(latchesOf[succ], block)
			}
		}
	}

	preds := mir.Predecessors(fn)
	forest := &Forest{
		fn:        fn,
		innermost: make(map[*mir.BasicBlock]*Loop),
	}

	for _, header := range headers {
		loop := &Loop{
			ID:      LoopID(len(forest.loops)),
			Header:  header,
			Latches: make(map[*mir.BasicBlock]bool),
			Blocks:  loopBlocks(header, latchesOf[header], preds),
			Parent:  NoLoop,
		}
		for _, latch := range latchesOf[header] {
			loop.Latches[latch] = true
		}
		forest.loops = append(forest.loops, loop)
	}

	forest.buildNesting()

	for _, loop := range forest.loops {
		for _, child := range loop.Children {
			if forest.loops[child].Blocks[loop.Header] {
				return nil, fmt.Errorf("function %s: loop header %s inside nested loop",
					fn.Name, loop.Header.Label)
			}
		}
	}

	return forest, nil
}

// loopBlocks collects the natural loop of a header: the header itself plus
// everything that reaches a latch without passing through the header.
func loopBlocks(header *mir.BasicBlock, latches []*mir.BasicBlock,
	preds map[*mir.BasicBlock][]*mir.BasicBlock) map[*mir.BasicBlock]bool {

	blocks := map[*mir.BasicBlock]bool{header: true}
	worklist := make([]*mir.BasicBlock, 0, len(latches))
	for _, latch := range latches {
		if !blocks[latch] {
			blocks[latch] = true
			worklist = append(worklist, latch)
		}
	}

	for len(worklist) > 0 {
		block := worklist[0]
		worklist = worklist[1:]
		for _, pred := range preds[block] {
			if !blocks[pred] {
				blocks[pred] = true
				worklist = append(worklist, pred)
			}
		}
	}

	return blocks
}

// buildNesting links each loop to the smallest strictly containing loop,
// fills in child lists, depths, and the per-block innermost-loop map.
func (f *Forest) buildNesting() {
	// Smallest containing loop first: sort a view of the arena by size.
	bySize := make([]*Loop, len(f.loops))
	copy(bySize, f.loops)
	sort.SliceStable(bySize, func(i, j int) bool {
		return len(bySize[i].Blocks) < len(bySize[j].Blocks)
	})

	for _, loop := range f.loops {
		for _, candidate := range bySize {
			if candidate == loop || len(candidate.Blocks) <= len(loop.Blocks) {
				continue
			}
			if candidate.Blocks[loop.Header] && containsAll(candidate.Blocks, loop.Blocks) {
				loop.Parent = candidate.ID
				break
			}
		}
	}

	for _, loop := range f.loops {
		if loop.Parent != NoLoop {
			parent := f.loops[loop.Parent]
			parent.Children = append(parent.Children, loop.ID)
		}
	}

	for _, loop := range f.loops {
		depth := 1
		for parent := loop.Parent; parent != NoLoop; parent = f.loops[parent].Parent {
			depth++
		}
		loop.Depth = depth
	}

	// Innermost loop per block: the containing loop of greatest depth.
	for _, loop := range f.loops {
		for block := range loop.Blocks {
			current := f.innermost[block]
			if current == nil || loop.Depth > current.Depth {
				f.innermost[block] = loop
			}
		}
	}
}

func containsAll(outer, inner map[*mir.BasicBlock]bool) bool {
	for block := range inner {
		if !outer[block] {
			return false
		}
	}
	return true
}

// Loops returns every loop in the forest, in discovery order.
func (f *Forest) Loops() []*Loop {
	return f.loops
}

// Loop returns the loop with the given ID.
func (f *Forest) Loop(id LoopID) *Loop {
	if id < 0 || int(id) >= len(f.loops) {
		return nil
	}
	return f.loops[id]
}

// InnermostLoop returns the innermost loop containing b, or nil.
func (f *Forest) InnermostLoop(b *mir.BasicBlock) *Loop {
	return f.innermost[b]
}

// PostOrder returns all loops with every loop preceding its parent, so a
// nest is processed innermost-first.
func (f *Forest) PostOrder() []*Loop {
	ordered := make([]*Loop, 0, len(f.loops))
	var walk func(*Loop)
	walk = func(loop *Loop) {
		for _, child := range loop.Children {
			walk(f.loops[child])
		}
		ordered = append(ordered, loop)
	}
	for _, loop := range f.loops {
		if loop.Parent == NoLoop {
			walk(loop)
		}
	}
	return ordered
}

// ExitingBlocks returns the loop's blocks that have a successor outside
// the loop, in function block order.
func (f *Forest) ExitingBlocks(loop *Loop) []*mir.BasicBlock {
	var exits []*mir.BasicBlock
	for _, block := range f.fn.Blocks {
		if !loop.Blocks[block] {
			continue
		}
		for _, succ := range mir.Successors(block) {
			if !loop.Blocks[succ] {
				exits = append(exits, block)
				break
			}
		}
	}
	return exits
}

// SubLoopBlocks returns the union of all member blocks of the loop's
// strict descendants.
func (f *Forest) SubLoopBlocks(loop *Loop) map[*mir.BasicBlock]bool {
	sub := make(map[*mir.BasicBlock]bool)
	for _, child := range loop.Children {
		for block := range f.loops[child].Blocks {
			sub[block] = true
		}
	}
	return sub
}
