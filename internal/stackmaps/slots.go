package stackmaps

import (
	"sort"

	"github.com/blackgeorge-boom/migrapath/internal/mir"
)

// slotTracker assigns each local a structural position, numbered once per
// routine: parameters first in declaration order, then operation results
// in block and operation order. Positions are derived purely from the
// routine's shape, never from memory identity or map iteration order, so
// the ordering below is reproducible across runs on unchanged input.
type slotTracker struct {
	slots map[int]int
}

func newSlotTracker(fn *mir.Function) *slotTracker {
	t := &slotTracker{slots: make(map[int]int)}
	next := 0
	assign := func(local mir.Local) {
		if _, ok := t.slots[local.ID]; !ok {
			t.slots[local.ID] = next
			next++
		}
	}

	for _, param := range fn.Params {
		assign(param)
	}
	for _, block := range fn.Blocks {
		for _, op := range block.Ops {
			if result, ok := mir.Result(op); ok {
				assign(result)
			}
		}
	}
	return t
}

func (t *slotTracker) slot(local mir.Local) int {
	if slot, ok := t.slots[local.ID]; ok {
		return slot
	}
	// Locals never defined in the routine sort after everything else.
	return len(t.slots) + local.ID
}

// sorted flattens a live-value set into the marker ordering: values with
// a user-visible name sort lexically by name ahead of unnamed values,
// which sort by structural slot.
func (t *slotTracker) sorted(record map[int]mir.Local) []mir.Local {
	values := make([]mir.Local, 0, len(record))
	for _, local := range record {
		values = append(values, local)
	}
	sort.Slice(values, func(i, j int) bool {
		a, b := values[i], values[j]
		switch {
		case a.Name != "" && b.Name != "":
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return t.slot(a) < t.slot(b)
		case a.Name != "":
			return true
		case b.Name != "":
			return false
		default:
			return t.slot(a) < t.slot(b)
		}
	})
	return values
}
