package mir

// Type is a lightweight value type tag. The analyses in this module never
// inspect types beyond printing them, so a string tag is enough.
type Type string

const (
	TypeInt   Type = "int"
	TypeFloat Type = "float"
	TypeBool  Type = "bool"
	TypePtr   Type = "ptr"
	TypeAgg   Type = "agg"
	TypeVoid  Type = "void"
)

// Function represents a routine with a control-flow graph.
type Function struct {
	Name   string
	Params []Local
	Blocks []*BasicBlock
	Entry  *BasicBlock
}

// Local represents a local variable, parameter, or operation result.
// The ID is assigned at construction time and is stable across analysis
// runs; ID 0 is reserved to mean "no result".
type Local struct {
	ID   int
	Name string
	Type Type
}

// BasicBlock represents a basic block in the CFG. Ops is an ordered list
// of operations; the last operation is always the block's terminator.
type BasicBlock struct {
	Label string
	Ops   []Op
}

// Terminator returns the block's final operation, or nil for a block that
// is still under construction.
func (b *BasicBlock) Terminator() Op {
	if len(b.Ops) == 0 {
		return nil
	}
	return b.Ops[len(b.Ops)-1]
}

// Op represents a single operation inside a basic block.
type Op interface {
	opNode()
}

// Terminator marks operations that end a basic block.
type Terminator interface {
	Op
	terminatorNode()
}

// Operand represents a value used by an operation.
type Operand interface {
	operandNode()
}

// LocalRef represents a use of a local.
type LocalRef struct {
	Local Local
}

func (*LocalRef) operandNode() {}

// Literal represents a constant value.
type Literal struct {
	Type  Type
	Value interface{} // int64, float64, bool, string, nil
}

func (*Literal) operandNode() {}

// Assign statement: result = operand
type Assign struct {
	Result Local
	RHS    Operand
}

func (*Assign) opNode() {}

// Binary statement: result = l <op> r
type Binary struct {
	Result Local
	Op     string
	L, R   Operand
}

func (*Binary) opNode() {}

// Call statement: result = callee(args...). A call with NoLocalReturn set
// may transfer control without returning to the next operation (longjmp,
// exception unwinding); such calls cannot be instrumented. Migration marks
// the call as a migration point for the default classifier.
type Call struct {
	Result        Local // ID 0 for void calls
	Callee        string
	Args          []Operand
	NoLocalReturn bool
	Migration     bool
}

func (*Call) opNode() {}

// Extract reads one element out of an aggregate value.
type Extract struct {
	Result Local
	Agg    Operand
	Index  int
}

func (*Extract) opNode() {}

// Insert produces a copy of an aggregate with one element replaced.
type Insert struct {
	Result Local
	Agg    Operand
	Elem   Operand
	Index  int
}

func (*Insert) opNode() {}

// FieldAddr computes the address of a member of an aggregate.
type FieldAddr struct {
	Result Local
	Base   Operand
	Field  string
}

func (*FieldAddr) opNode() {}

// IndexAddr computes the address of an element of an array.
type IndexAddr struct {
	Result Local
	Base   Operand
	Index  Operand
}

func (*IndexAddr) opNode() {}

// Reinterpret reinterprets a value's representation as another type.
type Reinterpret struct {
	Result Local
	Value  Operand
	To     Type
}

func (*Reinterpret) opNode() {}

// Phi merges values from multiple predecessor blocks.
type Phi struct {
	Result Local
	Inputs map[*BasicBlock]Operand
}

func (*Phi) opNode() {}

// Return terminator.
type Return struct {
	Value Operand // nil for void return
}

func (*Return) opNode()         {}
func (*Return) terminatorNode() {}

// Goto terminator (unconditional jump).
type Goto struct {
	Target *BasicBlock
}

func (*Goto) opNode()         {}
func (*Goto) terminatorNode() {}

// Branch terminator (conditional jump).
type Branch struct {
	Condition Operand
	True      *BasicBlock
	False     *BasicBlock
}

func (*Branch) opNode()         {}
func (*Branch) terminatorNode() {}

// IsTerminator reports whether op ends a basic block.
func IsTerminator(op Op) bool {
	_, ok := op.(Terminator)
	return ok
}

// Successors returns the successor blocks of the given block.
func Successors(b *BasicBlock) []*BasicBlock {
	switch term := b.Terminator().(type) {
	case *Goto:
		return []*BasicBlock{term.Target}
	case *Branch:
		return []*BasicBlock{term.True, term.False}
	default:
		return nil
	}
}

// Predecessors builds a map from each block to its predecessors.
func Predecessors(fn *Function) map[*BasicBlock][]*BasicBlock {
	preds := make(map[*BasicBlock][]*BasicBlock, len(fn.Blocks))
	for _, block := range fn.Blocks {
		preds[block] = nil
	}
	for _, block := range fn.Blocks {
		for _, succ := range Successors(block) {
			preds[succ] = append(preds[succ], block)
		}
	}
	return preds
}

// Operands returns all operands used by an operation.
func Operands(op Op) []Operand {
	switch o := op.(type) {
	case *Assign:
		return []Operand{o.RHS}
	case *Binary:
		return []Operand{o.L, o.R}
	case *Call:
		return o.Args
	case *Extract:
		return []Operand{o.Agg}
	case *Insert:
		return []Operand{o.Agg, o.Elem}
	case *FieldAddr:
		return []Operand{o.Base}
	case *IndexAddr:
		return []Operand{o.Base, o.Index}
	case *Reinterpret:
		return []Operand{o.Value}
	case *Phi:
		operands := make([]Operand, 0, len(o.Inputs))
		for _, in := range o.Inputs {
			operands = append(operands, in)
		}
		return operands
	case *Return:
		if o.Value != nil {
			return []Operand{o.Value}
		}
		return nil
	case *Branch:
		return []Operand{o.Condition}
	default:
		return nil
	}
}

// Result returns the local defined by an operation, if any.
func Result(op Op) (Local, bool) {
	var result Local
	switch o := op.(type) {
	case *Assign:
		result = o.Result
	case *Binary:
		result = o.Result
	case *Call:
		result = o.Result
	case *Extract:
		result = o.Result
	case *Insert:
		result = o.Result
	case *FieldAddr:
		result = o.Result
	case *IndexAddr:
		result = o.Result
	case *Reinterpret:
		result = o.Result
	case *Phi:
		result = o.Result
	}
	return result, result.ID != 0
}

// UsedLocals returns the locals referenced by an operation's operands.
func UsedLocals(op Op) []Local {
	var locals []Local
	for _, operand := range Operands(op) {
		if ref, ok := operand.(*LocalRef); ok {
			locals = append(locals, ref.Local)
		}
	}
	return locals
}

// Definitions maps each local ID to the operation that defines it.
// Parameters have no defining operation and do not appear in the map.
func Definitions(fn *Function) map[int]Op {
	defs := make(map[int]Op)
	for _, block := range fn.Blocks {
		for _, op := range block.Ops {
			if result, ok := Result(op); ok {
				defs[result.ID] = op
			}
		}
	}
	return defs
}

// ParamIDs returns the set of local IDs supplied as routine parameters.
func ParamIDs(fn *Function) map[int]bool {
	ids := make(map[int]bool, len(fn.Params))
	for _, param := range fn.Params {
		ids[param.ID] = true
	}
	return ids
}
