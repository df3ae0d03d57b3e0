// Package stackmaps instruments call sites with marker calls recording
// the values that must be preserved across a migration-capable boundary.
// Each marker carries a per-routine site identifier, a reserved flags
// word, and the ordered list of values live immediately after the call,
// including values hidden from the liveness analysis by structural
// operations such as member-address computations.
package stackmaps

import (
	"github.com/blackgeorge-boom/migrapath/internal/diag"
	"github.com/blackgeorge-boom/migrapath/internal/mir"
	"github.com/blackgeorge-boom/migrapath/internal/mir/liveness"
	"github.com/blackgeorge-boom/migrapath/internal/mir/ssa"
)

// DefaultMarkerName is the callee name of inserted marker calls.
const DefaultMarkerName = "migrapath.stackmap"

// Options configures the instrumentation.
type Options struct {
	// MarkerName overrides the marker callee; empty means DefaultMarkerName.
	MarkerName string

	// NoLiveValues emits markers carrying only the site id and flags.
	NoLiveValues bool

	// Reporter receives skip and cleanup diagnostics; may be nil.
	Reporter *diag.Reporter
}

func (o Options) markerName() string {
	if o.MarkerName != "" {
		return o.MarkerName
	}
	return DefaultMarkerName
}

// MarkerDecl describes the marker callee shared by every call site of a
// compilation unit: a 64-bit site id, a 32-bit flags word, and a
// variable-length list of value references.
type MarkerDecl struct {
	Name string
}

// NewCall builds a marker call for the given site.
func (d *MarkerDecl) NewCall(siteID int64, flags int32, values []mir.Local) *mir.Call {
	args := make([]mir.Operand, 0, len(values)+2)
	args = append(args,
		&mir.Literal{Type: mir.TypeInt, Value: siteID},
		&mir.Literal{Type: mir.TypeInt, Value: flags})
	for _, value := range values {
		args = append(args, &mir.LocalRef{Local: value})
	}
	return &mir.Call{Callee: d.Name, Args: args}
}

// Instrumenter inserts state-capture markers. One Instrumenter spans a
// compilation unit: the marker declaration is created lazily on first use
// and reused across every function it instruments.
type Instrumenter struct {
	opts Options
	decl *MarkerDecl

	// NumInstrumented counts markers inserted across all functions.
	NumInstrumented int
}

// New creates an Instrumenter.
func New(opts Options) *Instrumenter {
	return &Instrumenter{opts: opts}
}

// Marker returns the shared marker declaration, creating it on first use.
func (in *Instrumenter) Marker() *MarkerDecl {
	if in.decl == nil {
		in.decl = &MarkerDecl{Name: in.opts.markerName()}
	}
	return in.decl
}

// Instrument rewrites fn in place, emitting one marker call after every
// instrumentable call site, and returns the number of markers inserted.
// Markers from a previous run are removed first, so the pass is
// idempotent. Calls that may not return locally are skipped with a
// diagnostic; they never leave the routine structurally invalid.
func (in *Instrumenter) Instrument(fn *mir.Function) (int, error) {
	marker := in.Marker()

	if removed := in.removeStaleMarkers(fn); removed > 0 {
		in.opts.Reporter.Warnf(diag.CodeStaleMarkers, fn.Name,
			"removed %d marker(s) from a previous run", removed)
	}

	// All collaborator views are computed on the cleaned routine; markers
	// inserted below never feed back into them.
	live := liveness.New(fn)
	dom := ssa.NewDominance(fn)
	defs := mir.Definitions(fn)
	params := mir.ParamIDs(fn)
	slots := newSlotTracker(fn)
	hidden := hiddenValues(fn, defs, params)

	inserted := 0
	siteID := int64(0)

	for _, block := range fn.Blocks {
		for i := 0; i < len(block.Ops); i++ {
			call, ok := block.Ops[i].(*mir.Call)
			if !ok || call.Callee == marker.Name {
				continue
			}
			if call.NoLocalReturn {
				in.opts.Reporter.Warnf(diag.CodeCallNoLocalReturn, fn.Name,
					"call to %s in %s may not return locally, not instrumented",
					call.Callee, block.Label)
				continue
			}

			var ordered []mir.Local
			if !in.opts.NoLiveValues {
				// Hidden values merge into a copy: the trigger condition
				// below tests the provider's unmodified answer, so one
				// recovered value never pulls in another's operands.
				liveAfter := live.After(call)
				record := make(map[int]mir.Local, len(liveAfter))
				for id, local := range liveAfter {
					record[id] = local
				}
				for op, rec := range hidden {
					result, ok := mir.Result(op)
					if !ok {
						continue
					}
					if _, isLive := liveAfter[result.ID]; !isLive {
						continue
					}
					// Parameters dominate the whole routine; results hide
					// a value only when their definition dominates the call.
					for _, param := range rec.params {
						record[param.ID] = param
					}
					for _, value := range rec.results {
						if def := defs[value.ID]; def != nil && dom.Dominates(def, call) {
							record[value.ID] = value
						}
					}
				}
				ordered = slots.sorted(record)
			}

			markerCall := marker.NewCall(siteID, 0, ordered)
			block.Ops = append(block.Ops, nil)
			copy(block.Ops[i+2:], block.Ops[i+1:])
			block.Ops[i+1] = markerCall
			i++ // skip the marker just inserted

			siteID++
			inserted++
		}
	}

	in.NumInstrumented += inserted
	in.opts.Reporter.Notef(diag.CodeMarkersInserted, fn.Name,
		"inserted %d marker(s)", inserted)
	return inserted, nil
}

// removeStaleMarkers drops every call to the marker callee left over from
// a previous run and returns how many were removed.
func (in *Instrumenter) removeStaleMarkers(fn *mir.Function) int {
	name := in.Marker().Name
	removed := 0
	for _, block := range fn.Blocks {
		kept := block.Ops[:0]
		for _, op := range block.Ops {
			if call, ok := op.(*mir.Call); ok && call.Callee == name {
				removed++
				continue
			}
			kept = append(kept, op)
		}
		block.Ops = kept
	}
	return removed
}

// hidingRecord lists the operands a structural operation may hide from
// direct liveness queries, split by where the operand comes from.
type hidingRecord struct {
	params  []mir.Local // routine parameters
	results []mir.Local // results of other operations
}

// hidesValues reports whether an operation can obscure its operands from
// the liveness analysis. Accessing an aggregate through a derived address
// or reinterpreted representation can leave the backing value dead in the
// liveness solution while it is still logically required.
func hidesValues(op mir.Op) bool {
	switch op.(type) {
	case *mir.Extract, *mir.Insert, *mir.FieldAddr, *mir.IndexAddr, *mir.Reinterpret:
		return true
	default:
		return false
	}
}

// hiddenValues scans the routine for structural operations and records
// the operands each one may hide.
func hiddenValues(fn *mir.Function, defs map[int]mir.Op, params map[int]bool) map[mir.Op]hidingRecord {
	hidden := make(map[mir.Op]hidingRecord)
	for _, block := range fn.Blocks {
		for _, op := range block.Ops {
			if !hidesValues(op) {
				continue
			}
			var rec hidingRecord
			for _, local := range mir.UsedLocals(op) {
				switch {
				case params[local.ID]:
					rec.params = append(rec.params, local)
				case defs[local.ID] != nil:
					rec.results = append(rec.results, local)
				}
			}
			if len(rec.params) > 0 || len(rec.results) > 0 {
				hidden[op] = rec
			}
		}
	}
	return hidden
}
