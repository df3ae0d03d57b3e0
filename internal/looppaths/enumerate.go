// Package looppaths enumerates, for every natural loop of a routine, the
// acyclic control-flow paths that matter for migration-point placement:
//
//   - header to backedge block, with no migration point on the path
//   - header to a migration point
//   - migration point to migration point
//   - migration point to backedge block
//
// Nested loops are never inspected directly. A parent loop traverses a
// child only through the child's per-exit summaries, so children must be
// analyzed before their parents; Analyze schedules nests innermost-first.
package looppaths

import (
	"errors"
	"fmt"

	"github.com/blackgeorge-boom/migrapath/internal/diag"
	"github.com/blackgeorge-boom/migrapath/internal/mir"
)

// DefaultMaxPaths bounds the number of paths enumerated per loop before
// the analysis gives up on the whole function.
const DefaultMaxPaths = 10000

var (
	// ErrIrreducible is reported when the path search revisits a block
	// already on the current path, which only happens for control flow
	// the loop forest cannot describe.
	ErrIrreducible = errors.New("irreducible control flow in loop body")

	// ErrTooManyPaths is reported when a loop exceeds the path budget.
	ErrTooManyPaths = errors.New("too many paths in loop")
)

// Options configures the path enumeration.
type Options struct {
	// MaxPaths is the per-loop path budget; 0 means DefaultMaxPaths.
	MaxPaths int

	// IsMigrationPoint classifies operations; nil means MigrationCalls.
	IsMigrationPoint func(mir.Op) bool

	// Reporter receives failure diagnostics; may be nil.
	Reporter *diag.Reporter
}

// MigrationCalls is the default migration-point classifier: call
// operations explicitly marked as migration points.
func MigrationCalls(op mir.Op) bool {
	call, ok := op.(*mir.Call)
	return ok && call.Migration
}

// AllCallSites classifies every call that guarantees local return as a
// migration point.
func AllCallSites(op mir.Op) bool {
	call, ok := op.(*mir.Call)
	return ok && !call.NoLocalReturn
}

func (o Options) maxPaths() int {
	if o.MaxPaths > 0 {
		return o.MaxPaths
	}
	return DefaultMaxPaths
}

func (o Options) classifier() func(mir.Op) bool {
	if o.IsMigrationPoint != nil {
		return o.IsMigrationPoint
	}
	return MigrationCalls
}

// Analysis holds the per-loop path sets and block summaries of one
// function. A failed or cleared Analysis answers no queries: the caller
// must treat "no results" as "cannot certify", never as "zero paths".
type Analysis struct {
	fn     *mir.Function
	forest *Forest
	opts   Options

	paths map[LoopID][]*Path
	hasSp map[LoopID]map[*mir.BasicBlock]bool
	hasEq map[LoopID]map[*mir.BasicBlock]bool
	valid bool
}

// Analyze enumerates paths for every loop of fn, children before parents.
// On irreducible control flow or budget exhaustion the whole function's
// results are discarded and an error is returned; no partial results leak.
func Analyze(fn *mir.Function, opts Options) (*Analysis, error) {
	forest, err := BuildForest(fn)
	if err != nil {
		opts.Reporter.Errorf(diag.CodeIrreducibleCFG, fn.Name, "%v", err)
		return nil, err
	}

	a := &Analysis{
		fn:     fn,
		forest: forest,
		opts:   opts,
		paths:  make(map[LoopID][]*Path),
		hasSp:  make(map[LoopID]map[*mir.BasicBlock]bool),
		hasEq:  make(map[LoopID]map[*mir.BasicBlock]bool),
	}

	for _, loop := range forest.PostOrder() {
		if err := a.analyzeLoop(loop); err != nil {
			a.clear()
			a.diagnose(err)
			return nil, err
		}
	}

	a.valid = true
	return a, nil
}

// Reanalyze recomputes a single loop's paths and summaries in place, for
// use after the surrounding code changed. Failure poisons the whole
// Analysis, same as a failed Analyze.
func (a *Analysis) Reanalyze(loop *Loop) error {
	if !a.valid {
		panic("looppaths: Reanalyze on failed or cleared analysis")
	}
	if err := a.analyzeLoop(loop); err != nil {
		a.clear()
		a.diagnose(err)
		return err
	}
	return nil
}

// Function returns the analyzed function.
func (a *Analysis) Function() *mir.Function { return a.fn }

// Forest returns the loop forest of the analyzed function.
func (a *Analysis) Forest() *Forest { return a.forest }

// Paths returns every enumerated path of the loop.
func (a *Analysis) Paths(loop *Loop) []*Path {
	return a.results(loop)
}

// BackedgePaths returns the loop's paths that end at a backedge.
func (a *Analysis) BackedgePaths(loop *Loop) []*Path {
	return filterPaths(a.results(loop), (*Path).endsAtBackedge)
}

// SpanningPaths returns the loop's header-to-backedge paths.
func (a *Analysis) SpanningPaths(loop *Loop) []*Path {
	return filterPaths(a.results(loop), (*Path).IsSpanning)
}

// EqPointPaths returns the loop's paths that end at a migration point.
func (a *Analysis) EqPointPaths(loop *Loop) []*Path {
	return filterPaths(a.results(loop), (*Path).IsEqPoint)
}

// PathsThrough returns the loop's paths passing through the given block.
func (a *Analysis) PathsThrough(loop *Loop, b *mir.BasicBlock) []*Path {
	a.checkMember(loop, b)
	return filterPaths(a.results(loop), func(p *Path) bool { return p.Contains(b) })
}

// SpanningPathThrough reports whether some header-to-backedge path of the
// loop passes through the given block.
func (a *Analysis) SpanningPathThrough(loop *Loop, b *mir.BasicBlock) bool {
	a.checkMember(loop, b)
	a.results(loop)
	return a.hasSp[loop.ID][b]
}

// EqPointPathThrough reports whether some path of the loop ending at a
// migration point passes through the given block.
func (a *Analysis) EqPointPathThrough(loop *Loop, b *mir.BasicBlock) bool {
	a.checkMember(loop, b)
	a.results(loop)
	return a.hasEq[loop.ID][b]
}

func (p *Path) endsAtBackedge() bool { return p.EndsAtBackedge }

func filterPaths(paths []*Path, keep func(*Path) bool) []*Path {
	var out []*Path
	for _, p := range paths {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (a *Analysis) results(loop *Loop) []*Path {
	if !a.valid {
		panic("looppaths: query on failed or cleared analysis")
	}
	paths, ok := a.paths[loop.ID]
	if !ok {
		panic(fmt.Sprintf("looppaths: no results for loop at %s", loop.Header.Label))
	}
	return paths
}

func (a *Analysis) checkMember(loop *Loop, b *mir.BasicBlock) {
	if !loop.Contains(b) {
		panic(fmt.Sprintf("looppaths: block %s not in loop at %s", b.Label, loop.Header.Label))
	}
}

func (a *Analysis) clear() {
	a.paths = make(map[LoopID][]*Path)
	a.hasSp = make(map[LoopID]map[*mir.BasicBlock]bool)
	a.hasEq = make(map[LoopID]map[*mir.BasicBlock]bool)
	a.valid = false
}

func (a *Analysis) diagnose(err error) {
	switch {
	case errors.Is(err, ErrIrreducible):
		a.opts.Reporter.Errorf(diag.CodePathCycleDetected, a.fn.Name, "%v", err)
	case errors.Is(err, ErrTooManyPaths):
		a.opts.Reporter.Errorf(diag.CodePathBudgetExceeded, a.fn.Name, "%v", err)
	}
}

// pathCursor addresses one operation inside a function.
type pathCursor struct {
	block *mir.BasicBlock
	index int
}

// dfsFrame is the explicit-stack replacement for a recursive search call:
// the continuations still to be descended into from one path node.
type dfsFrame struct {
	conts []pathCursor
	next  int
}

// loopSearch carries the per-loop state of one enumeration run.
type loopSearch struct {
	a    *Analysis
	loop *Loop
	sub  map[*mir.BasicBlock]bool // blocks of strict sub-loops

	// per-path state
	nodes          []PathNode
	onPath         map[*mir.BasicBlock]bool
	startOp        mir.Op
	startsAtHeader bool

	// work queue of migration-point-successor starts
	queue  []pathCursor
	queued map[pathCursor]bool

	paths []*Path
	hasSp map[*mir.BasicBlock]bool
	hasEq map[*mir.BasicBlock]bool
}

func (a *Analysis) analyzeLoop(loop *Loop) error {
	if len(loop.Latches) == 0 {
		panic("looppaths: loop without backedges")
	}
	sub := a.forest.SubLoopBlocks(loop)
	if sub[loop.Header] {
		panic("looppaths: loop header inside sub-loop")
	}
	if len(loop.Header.Ops) == 0 {
		return fmt.Errorf("%s: empty header block %s", a.fn.Name, loop.Header.Label)
	}

	s := &loopSearch{
		a:      a,
		loop:   loop,
		sub:    sub,
		onPath: make(map[*mir.BasicBlock]bool),
		queued: make(map[pathCursor]bool),
		hasSp:  make(map[*mir.BasicBlock]bool),
		hasEq:  make(map[*mir.BasicBlock]bool),
	}

	if err := s.run(); err != nil {
		return fmt.Errorf("%s: loop at %s: %w", a.fn.Name, loop.Header.Label, err)
	}

	a.paths[loop.ID] = s.paths
	a.hasSp[loop.ID] = s.hasSp
	a.hasEq[loop.ID] = s.hasEq
	return nil
}

// run searches from the header first, then drains the queue of starts
// discovered after migration points until it is empty.
func (s *loopSearch) run() error {
	start := pathCursor{block: s.loop.Header, index: 0}
	s.startsAtHeader = true
	s.startOp = start.block.Ops[start.index]
	if err := s.dfs(start); err != nil {
		return err
	}

	s.startsAtHeader = false
	for len(s.queue) > 0 {
		start = s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, start)
		s.startOp = start.block.Ops[start.index]
		if err := s.dfs(start); err != nil {
			return err
		}
	}
	return nil
}

// dfs walks all acyclic paths from start, using an explicit stack of
// continuation frames instead of recursion.
func (s *loopSearch) dfs(start pathCursor) error {
	var stack []*dfsFrame

	push := func(c pathCursor) error {
		conts, err := s.enter(c)
		if err != nil {
			return err
		}
		stack = append(stack, &dfsFrame{conts: conts})
		return nil
	}

	if err := push(start); err != nil {
		return err
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next < len(top.conts) {
			c := top.conts[top.next]
			top.next++
			if err := push(c); err != nil {
				return err
			}
		} else {
			stack = stack[:len(stack)-1]
			s.popNode()
		}
	}
	return nil
}

// enter extends the current path into a block at the given operation and
// applies the transition rules. It returns the cursors the search must
// still descend into from this node.
func (s *loopSearch) enter(c pathCursor) ([]pathCursor, error) {
	b := c.block
	if s.onPath[b] {
		return nil, ErrIrreducible
	}
	opaque := s.sub[b]
	s.nodes = append(s.nodes, PathNode{Block: b, SubLoopExit: opaque})
	s.onPath[b] = true

	if opaque {
		return s.enterOpaque(b)
	}

	var conts []pathCursor
	if eqIdx := s.scanMigrationPoint(b, c.index); eqIdx >= 0 {
		// Path ends at the migration point. New searches start right
		// after it, or at the start of each eligible successor when the
		// point is the block's terminator.
		if err := s.record(b.Ops[eqIdx], false); err != nil {
			return nil, err
		}
		s.mark(s.hasEq)

		if eqIdx < len(b.Ops)-1 {
			s.enqueue(pathCursor{block: b, index: eqIdx + 1})
			return nil, nil
		}
		for _, succ := range mir.Successors(b) {
			if !s.loop.Contains(succ) || succ == s.loop.Header || s.loop.Latches[succ] {
				continue
			}
			if !s.sub[succ] {
				s.enqueue(pathCursor{block: succ, index: 0})
				continue
			}
			eqExits, spExits := s.subLoopExits(succ)
			for _, exit := range eqExits {
				s.enqueue(exit)
			}
			conts = append(conts, spExits...)
		}
		return conts, nil
	}

	if s.loop.Latches[b] {
		// Path ends at the backedge. Header-started paths are spanning
		// evidence; point-started paths only witness eq-point reachability.
		if err := s.record(b.Terminator(), true); err != nil {
			return nil, err
		}
		if s.startsAtHeader {
			s.mark(s.hasSp)
		} else {
			s.mark(s.hasEq)
		}
		return nil, nil
	}

	for _, succ := range mir.Successors(b) {
		if !s.loop.Contains(succ) {
			continue
		}
		if !s.sub[succ] {
			conts = append(conts, pathCursor{block: succ, index: 0})
			continue
		}
		crossed, err := s.crossSubLoop(b, succ)
		if err != nil {
			return nil, err
		}
		conts = append(conts, crossed...)
	}
	return conts, nil
}

// enterOpaque handles a block belonging to a sub-loop: the search entered
// it through the sub-loop's exit summaries and may only leave through
// successors outside that sub-loop.
func (s *loopSearch) enterOpaque(b *mir.BasicBlock) ([]pathCursor, error) {
	if s.loop.Latches[b] {
		if err := s.record(b.Terminator(), true); err != nil {
			return nil, err
		}
		if s.startsAtHeader {
			s.mark(s.hasSp)
		} else {
			s.mark(s.hasEq)
		}
		return nil, nil
	}

	inner := s.a.forest.InnermostLoop(b)
	var conts []pathCursor
	for _, succ := range mir.Successors(b) {
		if inner.Contains(succ) || !s.loop.Contains(succ) {
			continue
		}
		if !s.sub[succ] {
			conts = append(conts, pathCursor{block: succ, index: 0})
			continue
		}
		crossed, err := s.crossSubLoop(b, succ)
		if err != nil {
			return nil, err
		}
		conts = append(conts, crossed...)
	}
	return conts, nil
}

// crossSubLoop handles a successor inside a strict sub-loop. Exits the
// sub-loop's analysis marked as reaching a migration point end the current
// path at this block's terminator and seed new searches; exits marked as
// on a spanning path continue the same search from the exit's terminator.
func (s *loopSearch) crossSubLoop(b, succ *mir.BasicBlock) ([]pathCursor, error) {
	eqExits, spExits := s.subLoopExits(succ)
	for _, exit := range eqExits {
		if err := s.record(b.Terminator(), false); err != nil {
			return nil, err
		}
		s.enqueue(exit)
	}
	return spExits, nil
}

// subLoopExits looks up the already-computed summaries of the sub-loop
// containing succ and returns the terminator cursors of its exiting
// blocks, split by which summary bit is set.
func (s *loopSearch) subLoopExits(succ *mir.BasicBlock) (eqExits, spExits []pathCursor) {
	subLoop := s.a.forest.InnermostLoop(succ)
	hasSp := s.a.hasSp[subLoop.ID]
	hasEq := s.a.hasEq[subLoop.ID]
	for _, exit := range s.a.forest.ExitingBlocks(subLoop) {
		c := pathCursor{block: exit, index: len(exit.Ops) - 1}
		if hasEq[exit] {
			eqExits = append(eqExits, c)
		}
		if hasSp[exit] {
			spExits = append(spExits, c)
		}
	}
	return eqExits, spExits
}

// scanMigrationPoint returns the index of the first migration point in b
// at or after from, or -1.
func (s *loopSearch) scanMigrationPoint(b *mir.BasicBlock, from int) int {
	isPoint := s.a.opts.classifier()
	for i := from; i < len(b.Ops); i++ {
		if isPoint(b.Ops[i]) {
			return i
		}
	}
	return -1
}

// record finalizes the current path with the given end operation.
func (s *loopSearch) record(end mir.Op, endsAtBackedge bool) error {
	nodes := make([]PathNode, len(s.nodes))
	copy(nodes, s.nodes)
	s.paths = append(s.paths, &Path{
		Nodes:          nodes,
		Start:          s.startOp,
		End:            end,
		StartsAtHeader: s.startsAtHeader,
		EndsAtBackedge: endsAtBackedge,
	})
	if len(s.paths) > s.a.opts.maxPaths() {
		return ErrTooManyPaths
	}
	return nil
}

// mark sets the given summary bit for every non-opaque block on the path.
func (s *loopSearch) mark(summary map[*mir.BasicBlock]bool) {
	for _, node := range s.nodes {
		if !node.SubLoopExit {
			summary[node.Block] = true
		}
	}
}

func (s *loopSearch) enqueue(c pathCursor) {
	if s.queued[c] {
		return
	}
	s.queued[c] = true
	s.queue = append(s.queue, c)
}

func (s *loopSearch) popNode() {
	last := s.nodes[len(s.nodes)-1]
	delete(s.onPath, last.Block)
	s.nodes = s.nodes[:len(s.nodes)-1]
}
