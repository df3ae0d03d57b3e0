package looppaths

import (
	"fmt"
	"strings"

	"github.com/blackgeorge-boom/migrapath/internal/mir"
)

// PathNode is one step of a path: a block, plus whether the block belongs
// to a nested sub-loop and was traversed opaquely through that loop's exit
// summaries rather than by direct inspection.
type PathNode struct {
	Block       *mir.BasicBlock
	SubLoopExit bool
}

// Path is an acyclic walk through one loop. It either starts at the loop
// header or immediately after a migration point, and either ends at a
// latch (EndsAtBackedge) or at a migration point.
type Path struct {
	Nodes          []PathNode
	Start          mir.Op
	End            mir.Op
	StartsAtHeader bool
	EndsAtBackedge bool
}

// IsSpanning reports whether the path runs from the header to a backedge
// without crossing a migration point.
func (p *Path) IsSpanning() bool {
	return p.StartsAtHeader && p.EndsAtBackedge
}

// IsEqPoint reports whether the path ends at a migration point.
func (p *Path) IsEqPoint() bool {
	return !p.EndsAtBackedge
}

// Contains reports whether the path passes through the given block.
func (p *Path) Contains(b *mir.BasicBlock) bool {
	for _, node := range p.Nodes {
		if node.Block == b {
			return true
		}
	}
	return false
}

// String returns a human-readable dump of the path.
func (p *Path) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "path with %d node(s)\n", len(p.Nodes))

	b.WriteString("  start: ")
	if p.StartsAtHeader {
		b.WriteString("header, ")
	} else {
		b.WriteString("migration point, ")
	}
	b.WriteString(mir.OpString(p.Start))
	b.WriteString("\n")

	b.WriteString("  end: ")
	if p.EndsAtBackedge {
		b.WriteString("backedge, ")
	} else {
		b.WriteString("migration point, ")
	}
	b.WriteString(mir.OpString(p.End))
	b.WriteString("\n")

	b.WriteString("  nodes:\n")
	for _, node := range p.Nodes {
		b.WriteString("    ")
		b.WriteString(node.Block.Label)
		if node.SubLoopExit {
			b.WriteString(" (sub-loop exit)")
		}
		b.WriteString("\n")
	}
	return b.String()
}
