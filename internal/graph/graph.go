// Package graph captures a tensor computation into a static module: named
// parameters, typed placeholders and a single entry-point function built from
// shape-checked torch operators.
package graph

// Value is an SSA tensor produced by a placeholder, a parameter load or an op.
type Value struct {
	id    int
	shape Shape
	dtype DType
}

// ID is unique within the builder that created the value and increases in
// definition order.
func (v *Value) ID() int { return v.id }

func (v *Value) Shape() Shape { return v.shape.Clone() }

func (v *Value) DType() DType { return v.dtype }

func (v *Value) Rank() int { return len(v.shape) }

// Dim returns the size of dimension i; negative i counts from the end.
func (v *Value) Dim(i int) int64 {
	if i < 0 {
		i += len(v.shape)
	}

	return v.shape[i]
}

type ArgKind int

const (
	ArgTensor ArgKind = iota
	ArgTensorList
	ArgInt
	ArgInts
	ArgFloat
	ArgBool
	ArgNone
	ArgString
)

// Arg is one operand of an op. Non-tensor operands become torch constants
// when printed.
type Arg struct {
	Kind   ArgKind
	Tensor *Value
	List   []*Value
	Int    int64
	Ints   []int64
	Float  float64
	Bool   bool
	Str    string
}

func TensorArg(v *Value) Arg        { return Arg{Kind: ArgTensor, Tensor: v} }
func TensorListArg(vs []*Value) Arg { return Arg{Kind: ArgTensorList, List: vs} }
func IntArg(i int64) Arg            { return Arg{Kind: ArgInt, Int: i} }
func IntsArg(is ...int64) Arg       { return Arg{Kind: ArgInts, Ints: append([]int64(nil), is...)} }
func FloatArg(f float64) Arg        { return Arg{Kind: ArgFloat, Float: f} }
func BoolArg(b bool) Arg            { return Arg{Kind: ArgBool, Bool: b} }
func NoneArg() Arg                  { return Arg{Kind: ArgNone} }
func StringArg(s string) Arg        { return Arg{Kind: ArgString, Str: s} }

// OptionalTensorArg yields a None operand for a nil value.
func OptionalTensorArg(v *Value) Arg {
	if v == nil {
		return NoneArg()
	}

	return TensorArg(v)
}

// Op is a single operator application.
type Op struct {
	Target string
	Args   []Arg
	Result *Value

	// Dense holds the payload of a literal op.
	Dense []float32
}

// Parameter is a learned tensor registered with the module under a stable name.
type Parameter struct {
	Name  string
	Shape Shape
	DType DType
	Data  []float32

	value *Value
}

func (p *Parameter) Value() *Value { return p.value }

// Placeholder describes one entry-point argument.
type Placeholder struct {
	Name  string
	Shape Shape
	DType DType
}

// Func is the captured entry point.
type Func struct {
	Name    string
	Args    []*Value
	ArgInfo []Placeholder
	Ops     []*Op
	Results []*Value
}

// Module is the immutable result of a capture.
type Module struct {
	Name   string
	Params []*Parameter
	Func   *Func
	Policy Policy
}

// Parameter returns the registered parameter called name.
func (m *Module) Parameter(name string) (*Parameter, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p, true
		}
	}

	return nil, false
}

// CountTarget reports how many ops in the entry point use target.
func (m *Module) CountTarget(target string) int {
	n := 0

	for _, op := range m.Func.Ops {
		if op.Target == target {
			n++
		}
	}

	return n
}
