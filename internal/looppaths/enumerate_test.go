package looppaths

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blackgeorge-boom/migrapath/internal/diag"
	"github.com/blackgeorge-boom/migrapath/internal/mir"
)

func boolRef(id int, name string) *mir.LocalRef {
	return &mir.LocalRef{Local: mir.Local{ID: id, Name: name, Type: mir.TypeBool}}
}

func migrationCall(callee string) *mir.Call {
	return &mir.Call{Callee: callee, Migration: true}
}

func findBlock(t *testing.T, fn *mir.Function, label string) *mir.BasicBlock {
	t.Helper()
	for _, b := range fn.Blocks {
		if b.Label == label {
			return b
		}
	}
	t.Fatalf("no block %q in function %s", label, fn.Name)
	return nil
}

func loopAt(t *testing.T, a *Analysis, headerLabel string) *Loop {
	t.Helper()
	for _, loop := range a.Forest().Loops() {
		if loop.Header.Label == headerLabel {
			return loop
		}
	}
	t.Fatalf("no loop with header %q", headerLabel)
	return nil
}

// checkPathInvariants asserts the structural facts every enumerated path
// must satisfy: non-empty, acyclic, starting and ending where its flags say.
func checkPathInvariants(t *testing.T, loop *Loop, p *Path) {
	t.Helper()
	if len(p.Nodes) == 0 {
		t.Fatal("path with no nodes")
	}
	seen := make(map[*mir.BasicBlock]bool)
	for _, node := range p.Nodes {
		if seen[node.Block] {
			t.Errorf("path visits %s twice:\n%s", node.Block.Label, p)
		}
		seen[node.Block] = true
	}
	if p.StartsAtHeader && p.Nodes[0].Block != loop.Header {
		t.Errorf("header-started path does not begin at the header:\n%s", p)
	}
	if p.EndsAtBackedge && !loop.Latches[p.Nodes[len(p.Nodes)-1].Block] {
		t.Errorf("backedge path does not end at a latch:\n%s", p)
	}
	if p.Start == nil || p.End == nil {
		t.Errorf("path without start or end operation:\n%s", p)
	}
}

// blockSummaries collects the per-block spanning and eq-point bits of a
// loop through the public queries, keyed by label.
func blockSummaries(a *Analysis, loop *Loop) (sp, eq map[string]bool) {
	sp = make(map[string]bool)
	eq = make(map[string]bool)
	for block := range loop.Blocks {
		sp[block.Label] = a.SpanningPathThrough(loop, block)
		eq[block.Label] = a.EqPointPathThrough(loop, block)
	}
	return sp, eq
}

// simpleLoop builds entry -> header -> body -> header, header -> exit.
// The body carries a migration point when withPoint is set.
func simpleLoop(withPoint bool) *mir.Function {
	entry := &mir.BasicBlock{Label: "entry"}
	header := &mir.BasicBlock{Label: "header"}
	body := &mir.BasicBlock{Label: "body"}
	exit := &mir.BasicBlock{Label: "exit"}

	entry.Ops = []mir.Op{&mir.Goto{Target: header}}
	header.Ops = []mir.Op{&mir.Branch{Condition: boolRef(1, "cond"), True: body, False: exit}}
	if withPoint {
		body.Ops = []mir.Op{migrationCall("yield"), &mir.Goto{Target: header}}
	} else {
		body.Ops = []mir.Op{&mir.Goto{Target: header}}
	}
	exit.Ops = []mir.Op{&mir.Return{}}

	return &mir.Function{
		Name:   "simple",
		Entry:  entry,
		Blocks: []*mir.BasicBlock{entry, header, body, exit},
	}
}

func TestAnalyze_SimpleLoopNoMigrationPoints(t *testing.T) {
	fn := simpleLoop(false)
	a, err := Analyze(fn, Options{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	loop := loopAt(t, a, "header")
	paths := a.Paths(loop)
	if len(paths) != 1 {
		t.Fatalf("expected 1 path, got %d", len(paths))
	}
	checkPathInvariants(t, loop, paths[0])

	if !paths[0].IsSpanning() {
		t.Errorf("the only path should be spanning:\n%s", paths[0])
	}
	if len(a.SpanningPaths(loop)) != 1 || len(a.BackedgePaths(loop)) != 1 {
		t.Error("spanning and backedge path counts should both be 1")
	}
	if len(a.EqPointPaths(loop)) != 0 {
		t.Error("loop without migration points should have no eq-point paths")
	}

	header := findBlock(t, fn, "header")
	body := findBlock(t, fn, "body")
	if !a.SpanningPathThrough(loop, header) || !a.SpanningPathThrough(loop, body) {
		t.Error("both loop blocks lie on the spanning path")
	}
	if a.EqPointPathThrough(loop, header) || a.EqPointPathThrough(loop, body) {
		t.Error("no block should have the eq-point bit set")
	}
}

func TestAnalyze_MigrationPointSplitsPaths(t *testing.T) {
	fn := simpleLoop(true)
	a, err := Analyze(fn, Options{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	loop := loopAt(t, a, "header")
	paths := a.Paths(loop)
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	for _, p := range paths {
		checkPathInvariants(t, loop, p)
	}

	if len(a.SpanningPaths(loop)) != 0 {
		t.Error("the migration point cuts every header-to-backedge path")
	}

	eq := a.EqPointPaths(loop)
	if len(eq) != 1 || !eq[0].StartsAtHeader {
		t.Fatalf("expected one header-started eq-point path, got %v", eq)
	}
	if call, ok := eq[0].End.(*mir.Call); !ok || call.Callee != "yield" {
		t.Errorf("eq-point path should end at the yield call, got %s", mir.OpString(eq[0].End))
	}

	backedge := a.BackedgePaths(loop)
	if len(backedge) != 1 || backedge[0].StartsAtHeader {
		t.Fatalf("expected one point-started backedge path, got %v", backedge)
	}
	if len(backedge[0].Nodes) != 1 || backedge[0].Nodes[0].Block.Label != "body" {
		t.Errorf("point-started path should cover only the body:\n%s", backedge[0])
	}
}

// diamondLoop builds a loop whose body splits into two arms; withPoint puts
// a migration point on the first arm.
//
//	header -> a -> latch -> header
//	header -> b -> latch -> header
func diamondLoop(withPoint bool) *mir.Function {
	entry := &mir.BasicBlock{Label: "entry"}
	header := &mir.BasicBlock{Label: "header"}
	armA := &mir.BasicBlock{Label: "a"}
	armB := &mir.BasicBlock{Label: "b"}
	latch := &mir.BasicBlock{Label: "latch"}
	exit := &mir.BasicBlock{Label: "exit"}

	entry.Ops = []mir.Op{&mir.Goto{Target: header}}
	header.Ops = []mir.Op{&mir.Branch{Condition: boolRef(1, "cond"), True: armA, False: armB}}
	if withPoint {
		armA.Ops = []mir.Op{migrationCall("yield"), &mir.Goto{Target: latch}}
	} else {
		armA.Ops = []mir.Op{&mir.Goto{Target: latch}}
	}
	armB.Ops = []mir.Op{&mir.Goto{Target: latch}}
	latch.Ops = []mir.Op{&mir.Branch{Condition: boolRef(2, "more"), True: header, False: exit}}
	exit.Ops = []mir.Op{&mir.Return{}}

	return &mir.Function{
		Name:   "diamond",
		Entry:  entry,
		Blocks: []*mir.BasicBlock{entry, header, armA, armB, latch, exit},
	}
}

func TestAnalyze_DiamondSummaries(t *testing.T) {
	fn := diamondLoop(true)
	a, err := Analyze(fn, Options{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	loop := loopAt(t, a, "header")
	paths := a.Paths(loop)
	if len(paths) != 3 {
		t.Fatalf("expected 3 paths, got %d", len(paths))
	}
	for _, p := range paths {
		checkPathInvariants(t, loop, p)
	}

	sp, eq := blockSummaries(a, loop)
	wantSp := map[string]bool{"header": true, "a": false, "b": true, "latch": true}
	wantEq := map[string]bool{"header": true, "a": true, "b": false, "latch": true}
	if diff := cmp.Diff(wantSp, sp); diff != "" {
		t.Errorf("spanning summary mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantEq, eq); diff != "" {
		t.Errorf("eq-point summary mismatch (-want +got):\n%s", diff)
	}

	latch := findBlock(t, fn, "latch")
	through := a.PathsThrough(loop, latch)
	if len(through) != 2 {
		t.Errorf("expected 2 paths through the latch, got %d", len(through))
	}
}

// nestedLoop builds a two-level nest. The inner loop has no migration
// points; the outer loop reaches one only through the inner loop's exit.
//
//	h  -> ih | L          (outer header)
//	ih -> il | m          (inner header, inner exit)
//	il -> ih              (inner latch)
//	m:  yield(); -> L     (migration point)
//	L  -> h | exit        (outer latch)
func nestedLoop() *mir.Function {
	h := &mir.BasicBlock{Label: "h"}
	ih := &mir.BasicBlock{Label: "ih"}
	il := &mir.BasicBlock{Label: "il"}
	m := &mir.BasicBlock{Label: "m"}
	latch := &mir.BasicBlock{Label: "L"}
	exit := &mir.BasicBlock{Label: "exit"}

	h.Ops = []mir.Op{&mir.Branch{Condition: boolRef(1, "c1"), True: ih, False: latch}}
	ih.Ops = []mir.Op{&mir.Branch{Condition: boolRef(2, "c2"), True: il, False: m}}
	il.Ops = []mir.Op{&mir.Goto{Target: ih}}
	m.Ops = []mir.Op{migrationCall("yield"), &mir.Goto{Target: latch}}
	latch.Ops = []mir.Op{&mir.Branch{Condition: boolRef(3, "c3"), True: h, False: exit}}
	exit.Ops = []mir.Op{&mir.Return{}}

	return &mir.Function{
		Name:   "nest",
		Entry:  h,
		Blocks: []*mir.BasicBlock{h, ih, il, m, latch, exit},
	}
}

func TestAnalyze_NestedLoopIsOpaque(t *testing.T) {
	fn := nestedLoop()
	a, err := Analyze(fn, Options{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	inner := loopAt(t, a, "ih")
	outer := loopAt(t, a, "h")

	innerPaths := a.Paths(inner)
	if len(innerPaths) != 1 || !innerPaths[0].IsSpanning() {
		t.Fatalf("inner loop should have exactly one spanning path, got %v", innerPaths)
	}

	outerPaths := a.Paths(outer)
	if len(outerPaths) != 3 {
		t.Fatalf("expected 3 outer paths, got %d", len(outerPaths))
	}
	for _, p := range outerPaths {
		checkPathInvariants(t, outer, p)
	}

	ih := findBlock(t, fn, "ih")
	il := findBlock(t, fn, "il")

	spanning := a.SpanningPaths(outer)
	if len(spanning) != 1 {
		t.Fatalf("expected 1 outer spanning path, got %d", len(spanning))
	}
	if spanning[0].Contains(ih) || spanning[0].Contains(il) {
		t.Errorf("the outer spanning path must bypass the inner loop:\n%s", spanning[0])
	}

	var headerEq []*Path
	for _, p := range a.EqPointPaths(outer) {
		if p.StartsAtHeader {
			headerEq = append(headerEq, p)
		}
	}
	if len(headerEq) != 1 {
		t.Fatalf("expected 1 header-started eq-point path, got %d", len(headerEq))
	}
	var opaque bool
	for _, node := range headerEq[0].Nodes {
		if node.Block == ih && node.SubLoopExit {
			opaque = true
		}
		if node.Block == il {
			t.Errorf("outer path must not inspect the inner loop's latch:\n%s", headerEq[0])
		}
	}
	if !opaque {
		t.Errorf("eq-point path should cross the inner loop opaquely at ih:\n%s", headerEq[0])
	}

	// Opaque traversal never sets summary bits on sub-loop blocks.
	if a.SpanningPathThrough(outer, ih) || a.EqPointPathThrough(outer, ih) {
		t.Error("the inner header must stay unmarked in the outer loop's summaries")
	}

	backedge := a.BackedgePaths(outer)
	var pointStarted *Path
	for _, p := range backedge {
		if !p.StartsAtHeader {
			pointStarted = p
		}
	}
	if pointStarted == nil {
		t.Fatal("missing the migration-point-to-backedge path")
	}
	if pointStarted.Nodes[0].Block.Label != "m" {
		t.Errorf("point-started path should begin at m:\n%s", pointStarted)
	}
}

// TestAnalyze_TerminatorMigrationPoint uses a custom classifier marking a
// block terminator as a migration point. Follow-up searches then start at
// the successors, except the header and latches.
func TestAnalyze_TerminatorMigrationPoint(t *testing.T) {
	entry := &mir.BasicBlock{Label: "entry"}
	header := &mir.BasicBlock{Label: "header"}
	armA := &mir.BasicBlock{Label: "a"}
	armB := &mir.BasicBlock{Label: "b"}
	latch := &mir.BasicBlock{Label: "latch"}
	exit := &mir.BasicBlock{Label: "exit"}

	point := &mir.Branch{Condition: boolRef(2, "pick"), True: armB, False: latch}

	entry.Ops = []mir.Op{&mir.Goto{Target: header}}
	header.Ops = []mir.Op{&mir.Branch{Condition: boolRef(1, "cond"), True: armA, False: latch}}
	armA.Ops = []mir.Op{point}
	armB.Ops = []mir.Op{&mir.Goto{Target: latch}}
	latch.Ops = []mir.Op{&mir.Branch{Condition: boolRef(3, "more"), True: header, False: exit}}
	exit.Ops = []mir.Op{&mir.Return{}}

	fn := &mir.Function{
		Name:   "terminator-point",
		Entry:  entry,
		Blocks: []*mir.BasicBlock{entry, header, armA, armB, latch, exit},
	}

	a, err := Analyze(fn, Options{
		IsMigrationPoint: func(op mir.Op) bool { return op == mir.Op(point) },
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	loop := loopAt(t, a, "header")
	paths := a.Paths(loop)
	if len(paths) != 3 {
		t.Fatalf("expected 3 paths, got %d", len(paths))
	}

	// A follow-up search starts at b, but never at the latch: a search
	// started there would yield a one-node latch path.
	for _, p := range paths {
		if !p.StartsAtHeader && p.Nodes[0].Block == latch {
			t.Errorf("no search may start at the latch:\n%s", p)
		}
	}
	var fromB bool
	for _, p := range paths {
		if !p.StartsAtHeader && p.Nodes[0].Block == armB {
			fromB = true
		}
	}
	if !fromB {
		t.Error("expected a search started at the migration point's successor b")
	}
}

func TestAnalyze_IrreducibleFailsWholeFunction(t *testing.T) {
	entry := &mir.BasicBlock{Label: "entry"}
	header := &mir.BasicBlock{Label: "header"}
	b1 := &mir.BasicBlock{Label: "b1"}
	b2 := &mir.BasicBlock{Label: "b2"}
	latch := &mir.BasicBlock{Label: "latch"}
	exit := &mir.BasicBlock{Label: "exit"}

	// b1 and b2 form a cycle with two entries; neither dominates the other,
	// so the forest sees one loop and the search trips over the cycle.
	entry.Ops = []mir.Op{&mir.Goto{Target: header}}
	header.Ops = []mir.Op{&mir.Branch{Condition: boolRef(1, "c"), True: b1, False: b2}}
	b1.Ops = []mir.Op{&mir.Goto{Target: b2}}
	b2.Ops = []mir.Op{&mir.Branch{Condition: boolRef(2, "d"), True: b1, False: latch}}
	latch.Ops = []mir.Op{&mir.Branch{Condition: boolRef(3, "e"), True: header, False: exit}}
	exit.Ops = []mir.Op{&mir.Return{}}

	fn := &mir.Function{
		Name:   "irreducible",
		Entry:  entry,
		Blocks: []*mir.BasicBlock{entry, header, b1, b2, latch, exit},
	}

	reporter := diag.NewReporter()
	a, err := Analyze(fn, Options{Reporter: reporter})
	if !errors.Is(err, ErrIrreducible) {
		t.Fatalf("expected ErrIrreducible, got %v", err)
	}
	if a != nil {
		t.Error("failed analysis must not be returned")
	}

	found := false
	for _, d := range reporter.Diagnostics() {
		if d.Code == diag.CodePathCycleDetected && d.Function == "irreducible" {
			found = true
		}
	}
	if !found {
		t.Error("expected a PATH_CYCLE_DETECTED diagnostic")
	}
}

func TestAnalyze_PathBudget(t *testing.T) {
	// Two diamonds in sequence: four spanning paths.
	entry := &mir.BasicBlock{Label: "entry"}
	header := &mir.BasicBlock{Label: "header"}
	a1 := &mir.BasicBlock{Label: "a1"}
	a2 := &mir.BasicBlock{Label: "a2"}
	mid := &mir.BasicBlock{Label: "mid"}
	b1 := &mir.BasicBlock{Label: "b1"}
	b2 := &mir.BasicBlock{Label: "b2"}
	latch := &mir.BasicBlock{Label: "latch"}
	exit := &mir.BasicBlock{Label: "exit"}

	entry.Ops = []mir.Op{&mir.Goto{Target: header}}
	header.Ops = []mir.Op{&mir.Branch{Condition: boolRef(1, "c1"), True: a1, False: a2}}
	a1.Ops = []mir.Op{&mir.Goto{Target: mid}}
	a2.Ops = []mir.Op{&mir.Goto{Target: mid}}
	mid.Ops = []mir.Op{&mir.Branch{Condition: boolRef(2, "c2"), True: b1, False: b2}}
	b1.Ops = []mir.Op{&mir.Goto{Target: latch}}
	b2.Ops = []mir.Op{&mir.Goto{Target: latch}}
	latch.Ops = []mir.Op{&mir.Branch{Condition: boolRef(3, "more"), True: header, False: exit}}
	exit.Ops = []mir.Op{&mir.Return{}}

	fn := &mir.Function{
		Name:   "wide",
		Entry:  entry,
		Blocks: []*mir.BasicBlock{entry, header, a1, a2, mid, b1, b2, latch, exit},
	}

	a, err := Analyze(fn, Options{})
	if err != nil {
		t.Fatalf("Analyze with the default budget failed: %v", err)
	}
	if got := len(a.SpanningPaths(loopAt(t, a, "header"))); got != 4 {
		t.Fatalf("expected 4 spanning paths, got %d", got)
	}

	reporter := diag.NewReporter()
	a, err = Analyze(fn, Options{MaxPaths: 3, Reporter: reporter})
	if !errors.Is(err, ErrTooManyPaths) {
		t.Fatalf("expected ErrTooManyPaths, got %v", err)
	}
	if a != nil {
		t.Error("failed analysis must not be returned")
	}
	if !reporter.HasErrors() {
		t.Error("expected a PATH_BUDGET_EXCEEDED diagnostic")
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	dump := func() []string {
		a, err := Analyze(nestedLoop(), Options{})
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		var out []string
		for _, loop := range a.Forest().PostOrder() {
			for _, p := range a.Paths(loop) {
				out = append(out, p.String())
			}
		}
		return out
	}

	first := dump()
	second := dump()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated analysis diverged (-first +second):\n%s", diff)
	}
}

func TestReanalyze_FailurePoisonsAnalysis(t *testing.T) {
	fn := diamondLoop(false)
	a, err := Analyze(fn, Options{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	loop := loopAt(t, a, "header")
	if len(a.Paths(loop)) != 2 {
		t.Fatalf("expected 2 spanning paths before the rewrite")
	}

	// Rewriting arm a to jump straight back to the header creates a cycle
	// the search cannot linearize.
	findBlock(t, fn, "a").Ops = []mir.Op{&mir.Goto{Target: findBlock(t, fn, "header")}}
	if err := a.Reanalyze(loop); !errors.Is(err, ErrIrreducible) {
		t.Fatalf("expected ErrIrreducible from Reanalyze, got %v", err)
	}

	assertPanics := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s on a poisoned analysis should panic", name)
			}
		}()
		f()
	}
	assertPanics("Paths", func() { a.Paths(loop) })
	assertPanics("SpanningPathThrough", func() {
		a.SpanningPathThrough(loop, findBlock(t, fn, "latch"))
	})
	assertPanics("Reanalyze", func() { a.Reanalyze(loop) })
}

func TestQueries_PanicOnForeignBlock(t *testing.T) {
	fn := simpleLoop(false)
	a, err := Analyze(fn, Options{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	loop := loopAt(t, a, "header")

	defer func() {
		if recover() == nil {
			t.Error("querying a block outside the loop should panic")
		}
	}()
	a.SpanningPathThrough(loop, findBlock(t, fn, "exit"))
}
