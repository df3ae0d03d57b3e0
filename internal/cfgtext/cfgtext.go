// Package cfgtext loads routine descriptions from a small YAML format so
// analyses can be run and tested against hand-written control-flow graphs.
//
// A file holds a list of functions; each function lists params and blocks,
// each block an op list and a terminator. Operands are written as strings:
// a string naming a known local or parameter is a reference, "true"/"false"
// are boolean literals, and anything that parses as an integer is an
// integer literal. Result names starting with "_" produce unnamed locals
// (they still identify the value within the file).
//
//	functions:
//	  - name: work
//	    params: [{name: n, type: int}]
//	    blocks:
//	      - label: entry
//	        ops:
//	          - assign: {result: sum, value: "0"}
//	        term: {goto: header}
//	      - label: header
//	        ops:
//	          - call: {result: more, callee: next, args: [n], migration: true}
//	        term: {branch: {cond: more, then: header, else: exit}}
//	      - label: exit
//	        term: {return: {value: sum}}
package cfgtext

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blackgeorge-boom/migrapath/internal/mir"
)

type fileDef struct {
	Functions []functionDef `yaml:"functions"`
}

type functionDef struct {
	Name   string     `yaml:"name"`
	Params []paramDef `yaml:"params"`
	Blocks []blockDef `yaml:"blocks"`
}

type paramDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type blockDef struct {
	Label string  `yaml:"label"`
	Ops   []opDef `yaml:"ops"`
	Term  termDef `yaml:"term"`
}

type opDef struct {
	Assign      *assignDef      `yaml:"assign"`
	Binary      *binaryDef      `yaml:"binary"`
	Call        *callDef        `yaml:"call"`
	Extract     *extractDef     `yaml:"extract"`
	Insert      *insertDef      `yaml:"insert"`
	FieldAddr   *fieldAddrDef   `yaml:"fieldaddr"`
	IndexAddr   *indexAddrDef   `yaml:"indexaddr"`
	Reinterpret *reinterpretDef `yaml:"reinterpret"`
}

type assignDef struct {
	Result string `yaml:"result"`
	Value  string `yaml:"value"`
}

type binaryDef struct {
	Result string `yaml:"result"`
	Op     string `yaml:"op"`
	L      string `yaml:"l"`
	R      string `yaml:"r"`
}

type callDef struct {
	Result    string   `yaml:"result"`
	Callee    string   `yaml:"callee"`
	Args      []string `yaml:"args"`
	Migration bool     `yaml:"migration"`
	NoReturn  bool     `yaml:"noreturn"`
}

type extractDef struct {
	Result string `yaml:"result"`
	Agg    string `yaml:"agg"`
	Index  int    `yaml:"index"`
}

type insertDef struct {
	Result string `yaml:"result"`
	Agg    string `yaml:"agg"`
	Elem   string `yaml:"elem"`
	Index  int    `yaml:"index"`
}

type fieldAddrDef struct {
	Result string `yaml:"result"`
	Base   string `yaml:"base"`
	Field  string `yaml:"field"`
}

type indexAddrDef struct {
	Result string `yaml:"result"`
	Base   string `yaml:"base"`
	Index  string `yaml:"index"`
}

type reinterpretDef struct {
	Result string `yaml:"result"`
	Value  string `yaml:"value"`
	To     string `yaml:"to"`
}

type termDef struct {
	Goto   string     `yaml:"goto"`
	Branch *branchDef `yaml:"branch"`
	Return *returnDef `yaml:"return"`
}

type branchDef struct {
	Cond string `yaml:"cond"`
	Then string `yaml:"then"`
	Else string `yaml:"else"`
}

type returnDef struct {
	Value string `yaml:"value"`
}

// Load reads function definitions from r.
func Load(r io.Reader) ([]*mir.Function, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var file fileDef
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing routine file: %w", err)
	}

	functions := make([]*mir.Function, 0, len(file.Functions))
	for _, def := range file.Functions {
		fn, err := buildFunction(def)
		if err != nil {
			return nil, err
		}
		functions = append(functions, fn)
	}
	return functions, nil
}

// LoadFile reads function definitions from the named file.
func LoadFile(path string) ([]*mir.Function, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// builder resolves local names and block labels while assembling one
// function.
type builder struct {
	def    functionDef
	locals map[string]mir.Local
	blocks map[string]*mir.BasicBlock
	nextID int
}

func buildFunction(def functionDef) (*mir.Function, error) {
	b := &builder{
		def:    def,
		locals: make(map[string]mir.Local),
		blocks: make(map[string]*mir.BasicBlock),
		nextID: 1,
	}

	fn := &mir.Function{Name: def.Name}
	for _, param := range def.Params {
		fn.Params = append(fn.Params, b.defineLocal(param.Name, localType(param.Type)))
	}

	// Blocks first, so terminators can refer forward.
	for _, blockDef := range def.Blocks {
		if b.blocks[blockDef.Label] != nil {
			return nil, fmt.Errorf("%s: duplicate block label %s", def.Name, blockDef.Label)
		}
		block := &mir.BasicBlock{Label: blockDef.Label}
		b.blocks[blockDef.Label] = block
		fn.Blocks = append(fn.Blocks, block)
	}

	for i, blockDef := range def.Blocks {
		block := fn.Blocks[i]
		for _, opDef := range blockDef.Ops {
			op, err := b.buildOp(opDef)
			if err != nil {
				return nil, fmt.Errorf("%s: block %s: %w", def.Name, blockDef.Label, err)
			}
			block.Ops = append(block.Ops, op)
		}
		term, err := b.buildTerm(blockDef.Term)
		if err != nil {
			return nil, fmt.Errorf("%s: block %s: %w", def.Name, blockDef.Label, err)
		}
		block.Ops = append(block.Ops, term)
	}

	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%s: no blocks", def.Name)
	}
	fn.Entry = fn.Blocks[0]
	return fn, nil
}

func (b *builder) buildOp(def opDef) (mir.Op, error) {
	switch {
	case def.Assign != nil:
		return &mir.Assign{
			Result: b.defineLocal(def.Assign.Result, mir.TypeInt),
			RHS:    b.operand(def.Assign.Value),
		}, nil
	case def.Binary != nil:
		return &mir.Binary{
			Result: b.defineLocal(def.Binary.Result, mir.TypeBool),
			Op:     def.Binary.Op,
			L:      b.operand(def.Binary.L),
			R:      b.operand(def.Binary.R),
		}, nil
	case def.Call != nil:
		call := &mir.Call{
			Callee:        def.Call.Callee,
			Migration:     def.Call.Migration,
			NoLocalReturn: def.Call.NoReturn,
		}
		if def.Call.Result != "" {
			call.Result = b.defineLocal(def.Call.Result, mir.TypeInt)
		}
		for _, arg := range def.Call.Args {
			call.Args = append(call.Args, b.operand(arg))
		}
		return call, nil
	case def.Extract != nil:
		return &mir.Extract{
			Result: b.defineLocal(def.Extract.Result, mir.TypeInt),
			Agg:    b.operand(def.Extract.Agg),
			Index:  def.Extract.Index,
		}, nil
	case def.Insert != nil:
		return &mir.Insert{
			Result: b.defineLocal(def.Insert.Result, mir.TypeAgg),
			Agg:    b.operand(def.Insert.Agg),
			Elem:   b.operand(def.Insert.Elem),
			Index:  def.Insert.Index,
		}, nil
	case def.FieldAddr != nil:
		return &mir.FieldAddr{
			Result: b.defineLocal(def.FieldAddr.Result, mir.TypePtr),
			Base:   b.operand(def.FieldAddr.Base),
			Field:  def.FieldAddr.Field,
		}, nil
	case def.IndexAddr != nil:
		return &mir.IndexAddr{
			Result: b.defineLocal(def.IndexAddr.Result, mir.TypePtr),
			Base:   b.operand(def.IndexAddr.Base),
			Index:  b.operand(def.IndexAddr.Index),
		}, nil
	case def.Reinterpret != nil:
		return &mir.Reinterpret{
			Result: b.defineLocal(def.Reinterpret.Result, mir.TypePtr),
			Value:  b.operand(def.Reinterpret.Value),
			To:     localType(def.Reinterpret.To),
		}, nil
	default:
		return nil, fmt.Errorf("op with no recognized kind")
	}
}

func (b *builder) buildTerm(def termDef) (mir.Op, error) {
	switch {
	case def.Goto != "":
		target, err := b.block(def.Goto)
		if err != nil {
			return nil, err
		}
		return &mir.Goto{Target: target}, nil
	case def.Branch != nil:
		thenBlock, err := b.block(def.Branch.Then)
		if err != nil {
			return nil, err
		}
		elseBlock, err := b.block(def.Branch.Else)
		if err != nil {
			return nil, err
		}
		return &mir.Branch{
			Condition: b.operand(def.Branch.Cond),
			True:      thenBlock,
			False:     elseBlock,
		}, nil
	case def.Return != nil:
		var value mir.Operand
		if def.Return.Value != "" {
			value = b.operand(def.Return.Value)
		}
		return &mir.Return{Value: value}, nil
	default:
		return nil, fmt.Errorf("block has no terminator")
	}
}

func (b *builder) block(label string) (*mir.BasicBlock, error) {
	block := b.blocks[label]
	if block == nil {
		return nil, fmt.Errorf("unknown block label %s", label)
	}
	return block, nil
}

// defineLocal returns the local for a result name, creating it on first
// definition. A leading underscore yields an unnamed local.
func (b *builder) defineLocal(name string, typ mir.Type) mir.Local {
	if local, ok := b.locals[name]; ok {
		return local
	}
	local := mir.Local{ID: b.nextID, Name: name, Type: typ}
	if strings.HasPrefix(name, "_") {
		local.Name = ""
	}
	b.nextID++
	b.locals[name] = local
	return local
}

// operand resolves an operand string: boolean literal, integer literal,
// or a local reference. References to names not yet defined still resolve
// to the same local as the later definition.
func (b *builder) operand(text string) mir.Operand {
	switch text {
	case "true", "false":
		return &mir.Literal{Type: mir.TypeBool, Value: text == "true"}
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &mir.Literal{Type: mir.TypeInt, Value: n}
	}
	return &mir.LocalRef{Local: b.defineLocal(text, mir.TypeInt)}
}

func localType(name string) mir.Type {
	switch name {
	case "", "int":
		return mir.TypeInt
	case "float":
		return mir.TypeFloat
	case "bool":
		return mir.TypeBool
	case "ptr":
		return mir.TypePtr
	case "agg":
		return mir.TypeAgg
	default:
		return mir.Type(name)
	}
}
