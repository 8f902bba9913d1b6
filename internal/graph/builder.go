package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Builder records ops while an entry-point function runs. Shape and dtype
// violations panic with an error; Trace turns them into a returned error.
type Builder struct {
	policy     Policy
	paramDType DType

	nextID     int
	params     []*Parameter
	paramIndex map[string]*Parameter
	args       []*Value
	argInfo    []Placeholder
	ops        []*Op
}

// NewBuilder returns a builder that expands the ops named in policy and casts
// every registered parameter to paramDType.
func NewBuilder(policy Policy, paramDType DType) *Builder {
	return &Builder{
		policy:     policy,
		paramDType: paramDType,
		paramIndex: make(map[string]*Parameter),
	}
}

func (b *Builder) Policy() Policy { return b.policy }

// ParamDType is the precision parameters are cast to.
func (b *Builder) ParamDType() DType { return b.paramDType }

func (b *Builder) newValue(shape Shape, dtype DType) *Value {
	v := &Value{id: b.nextID, shape: shape.Clone(), dtype: dtype}
	b.nextID++

	return v
}

// Placeholder adds an entry-point argument.
func (b *Builder) Placeholder(p Placeholder) *Value {
	for _, d := range p.Shape {
		if d <= 0 {
			exceptions.Panicf("placeholder %q: non-positive dimension in %s", p.Name, p.Shape)
		}
	}

	v := b.newValue(p.Shape, p.DType)
	b.args = append(b.args, v)
	b.argInfo = append(b.argInfo, Placeholder{Name: p.Name, Shape: p.Shape.Clone(), DType: p.DType})

	return v
}

// Param registers a named parameter and returns its value. Registering the
// same name again returns the first value; the shapes must agree.
func (b *Builder) Param(name string, shape Shape, data []float32) *Value {
	if name == "" {
		exceptions.Panicf("parameter name must not be empty")
	}

	if p, ok := b.paramIndex[name]; ok {
		if !p.Shape.Equal(shape) {
			exceptions.Panicf("parameter %q re-registered with shape %s, first seen as %s", name, shape, p.Shape)
		}

		return p.value
	}

	if int64(len(data)) != shape.NumElements() {
		exceptions.Panicf("parameter %q: shape %s expects %d elements, got %d", name, shape, shape.NumElements(), len(data))
	}

	p := &Parameter{
		Name:  name,
		Shape: shape.Clone(),
		DType: b.paramDType,
		Data:  data,
		value: b.newValue(shape, b.paramDType),
	}
	b.params = append(b.params, p)
	b.paramIndex[name] = p

	return p.value
}

func (b *Builder) emit(target string, shape Shape, dtype DType, args ...Arg) *Value {
	out := b.newValue(shape, dtype)
	b.ops = append(b.ops, &Op{Target: target, Args: args, Result: out})

	return out
}

// EntryFunc builds the traced computation from the placeholder values, in
// placeholder order.
type EntryFunc func(b *Builder, args []*Value) *Value

// Trace captures fn into a module with a single function called funcName.
func Trace(moduleName, funcName string, policy Policy, paramDType DType, placeholders []Placeholder, fn EntryFunc) (*Module, error) {
	b := NewBuilder(policy, paramDType)

	var result *Value

	err := exceptions.TryCatch[error](func() {
		args := make([]*Value, len(placeholders))
		for i, p := range placeholders {
			args[i] = b.Placeholder(p)
		}

		result = fn(b, args)
		if result == nil {
			exceptions.Panicf("entry function returned no value")
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "capture %s.%s", moduleName, funcName)
	}

	return &Module{
		Name:   moduleName,
		Params: b.params,
		Policy: policy,
		Func: &Func{
			Name:    funcName,
			Args:    b.args,
			ArgInfo: b.argInfo,
			Ops:     b.ops,
			Results: []*Value{result},
		},
	}, nil
}
