package mir

import (
	"fmt"
	"sort"
	"strings"
)

// PrettyPrint returns a human-readable string representation of a function.
func (f *Function) PrettyPrint() string {
	var b strings.Builder

	// Function signature
	b.WriteString(fmt.Sprintf("fn %s(", f.Name))
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = fmt.Sprintf("%s: %s", p.Name, p.Type)
	}
	b.WriteString(strings.Join(params, ", "))
	b.WriteString(") {\n")

	for _, block := range f.Blocks {
		b.WriteString(fmt.Sprintf("%s:\n", block.Label))
		for _, op := range block.Ops {
			b.WriteString("  ")
			b.WriteString(OpString(op))
			b.WriteString("\n")
		}
	}

	b.WriteString("}")
	return b.String()
}

// OpString renders a single operation.
func OpString(op Op) string {
	switch o := op.(type) {
	case *Assign:
		return fmt.Sprintf("%s = %s", localString(o.Result), operandString(o.RHS))
	case *Binary:
		return fmt.Sprintf("%s = %s %s %s", localString(o.Result),
			operandString(o.L), o.Op, operandString(o.R))
	case *Call:
		args := make([]string, len(o.Args))
		for i, a := range o.Args {
			args[i] = operandString(a)
		}
		call := fmt.Sprintf("call %s(%s)", o.Callee, strings.Join(args, ", "))
		if o.Result.ID != 0 {
			call = fmt.Sprintf("%s = %s", localString(o.Result), call)
		}
		return call
	case *Extract:
		return fmt.Sprintf("%s = extract %s, %d", localString(o.Result),
			operandString(o.Agg), o.Index)
	case *Insert:
		return fmt.Sprintf("%s = insert %s, %s, %d", localString(o.Result),
			operandString(o.Agg), operandString(o.Elem), o.Index)
	case *FieldAddr:
		return fmt.Sprintf("%s = fieldaddr %s.%s", localString(o.Result),
			operandString(o.Base), o.Field)
	case *IndexAddr:
		return fmt.Sprintf("%s = indexaddr %s[%s]", localString(o.Result),
			operandString(o.Base), operandString(o.Index))
	case *Reinterpret:
		return fmt.Sprintf("%s = reinterpret %s as %s", localString(o.Result),
			operandString(o.Value), o.To)
	case *Phi:
		inputs := make([]string, 0, len(o.Inputs))
		for block, in := range o.Inputs {
			inputs = append(inputs, fmt.Sprintf("%s: %s", block.Label, operandString(in)))
		}
		sort.Strings(inputs)
		return fmt.Sprintf("%s = phi [%s]", localString(o.Result), strings.Join(inputs, ", "))
	case *Return:
		if o.Value == nil {
			return "return"
		}
		return fmt.Sprintf("return %s", operandString(o.Value))
	case *Goto:
		return fmt.Sprintf("goto %s", o.Target.Label)
	case *Branch:
		return fmt.Sprintf("branch %s ? %s : %s", operandString(o.Condition),
			o.True.Label, o.False.Label)
	default:
		return fmt.Sprintf("<unknown op %T>", op)
	}
}

func localString(l Local) string {
	if l.Name != "" {
		return "%" + l.Name
	}
	return fmt.Sprintf("%%v%d", l.ID)
}

func operandString(operand Operand) string {
	switch o := operand.(type) {
	case *LocalRef:
		return localString(o.Local)
	case *Literal:
		return fmt.Sprintf("%v", o.Value)
	default:
		return fmt.Sprintf("<unknown operand %T>", operand)
	}
}
