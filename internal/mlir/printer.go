// Package mlir prints captured graph modules as torch-dialect MLIR with IREE
// util.global parameters, and reads parameter declarations back from text.
package mlir

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/example/go-sd-turbine/internal/graph"
	"github.com/example/go-sd-turbine/internal/safetensors"
)

// GlobalPrefix is prepended to parameter names to form global symbols.
const GlobalPrefix = "__auto."

// resourceAlignment is written ahead of every embedded blob.
const resourceAlignment = 4

// Options controls how parameters are materialized.
type Options struct {
	// ExternalParams references every parameter by name instead of embedding
	// its data in a dialect_resources block.
	ExternalParams bool
}

// Print writes mod to w. Output depends only on mod and opts.
func Print(w io.Writer, mod *graph.Module, opts Options) error {
	if mod == nil || mod.Func == nil {
		return fmt.Errorf("mlir: module has no entry function")
	}

	bw := bufio.NewWriter(w)
	p := &printer{
		w:     bw,
		names: make(map[*graph.Value]string),
	}

	if err := p.module(mod, opts); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("mlir: write: %w", err)
	}

	return nil
}

// String is Print into a string.
func String(mod *graph.Module, opts Options) (string, error) {
	var sb strings.Builder
	if err := Print(&sb, mod, opts); err != nil {
		return "", err
	}

	return sb.String(), nil
}

type printer struct {
	w     *bufio.Writer
	names map[*graph.Value]string
	next  int
}

func (p *printer) linef(indent int, format string, args ...any) {
	p.w.WriteString(strings.Repeat("  ", indent))
	fmt.Fprintf(p.w, format, args...)
	p.w.WriteByte('\n')
}

func (p *printer) fresh() string {
	name := "%" + strconv.Itoa(p.next)
	p.next++

	return name
}

func (p *printer) ref(v *graph.Value) (string, error) {
	name, ok := p.names[v]
	if !ok {
		return "", fmt.Errorf("mlir: value %d used before definition", v.ID())
	}

	return name, nil
}

func (p *printer) module(mod *graph.Module, opts Options) error {
	p.linef(0, "module @%s {", mod.Name)

	for _, param := range mod.Params {
		sym := GlobalPrefix + param.Name
		if opts.ExternalParams {
			p.linef(1, "util.global private @%s = #stream.parameter.named<%q> : %s",
				sym, param.Name, builtinType(param.Shape, param.DType))
		} else {
			p.linef(1, "util.global private @%s = dense_resource<%s> : %s",
				sym, sym, builtinType(param.Shape, param.DType))
		}
	}

	if err := p.function(mod); err != nil {
		return err
	}

	p.linef(0, "}")

	if opts.ExternalParams || len(mod.Params) == 0 {
		return nil
	}

	return p.resources(mod.Params)
}

func (p *printer) function(mod *graph.Module) error {
	fn := mod.Func

	args := make([]string, len(fn.Args))
	for i, a := range fn.Args {
		name := "%arg" + strconv.Itoa(i)
		p.names[a] = name
		args[i] = name + ": " + vtensorType(a.Shape(), a.DType())
	}

	results := make([]string, len(fn.Results))
	for i, r := range fn.Results {
		results[i] = vtensorType(r.Shape(), r.DType())
	}

	p.linef(1, "func.func @%s(%s) -> %s {", fn.Name, strings.Join(args, ", "), joinResultTypes(results))

	for _, param := range mod.Params {
		builtin := builtinType(param.Shape, param.DType)
		loaded := p.fresh()
		p.linef(2, "%s = util.global.load @%s%s : %s", loaded, GlobalPrefix, param.Name, builtin)

		v := param.Value()
		name := p.fresh()
		p.names[v] = name
		p.linef(2, "%s = torch_c.from_builtin_tensor %s : %s -> %s", name, loaded, builtin, vtensorType(v.Shape(), v.DType()))
	}

	for _, op := range fn.Ops {
		if err := p.op(op); err != nil {
			return err
		}
	}

	refs := make([]string, len(fn.Results))
	for i, r := range fn.Results {
		name, err := p.ref(r)
		if err != nil {
			return err
		}

		refs[i] = name
	}

	p.linef(2, "return %s : %s", strings.Join(refs, ", "), strings.Join(results, ", "))
	p.linef(1, "}")

	return nil
}

func (p *printer) op(op *graph.Op) error {
	res := op.Result
	resType := vtensorType(res.Shape(), res.DType())

	if op.Target == "torch.vtensor.literal" {
		name := p.fresh()
		p.names[res] = name
		p.linef(2, "%s = torch.vtensor.literal(dense<%s> : %s) : %s",
			name, denseLiteral(op.Dense), builtinType(res.Shape(), res.DType()), resType)

		return nil
	}

	operands := make([]string, len(op.Args))
	types := make([]string, len(op.Args))

	for i, arg := range op.Args {
		name, typ, err := p.operand(arg)
		if err != nil {
			return fmt.Errorf("mlir: %s operand %d: %w", op.Target, i, err)
		}

		operands[i], types[i] = name, typ
	}

	name := p.fresh()
	p.names[res] = name
	p.linef(2, "%s = %s %s : %s -> %s", name, op.Target, strings.Join(operands, ", "), strings.Join(types, ", "), resType)

	return nil
}

// operand returns the SSA name and type of arg, materializing scalar and
// list constants on preceding lines.
func (p *printer) operand(arg graph.Arg) (string, string, error) {
	switch arg.Kind {
	case graph.ArgTensor:
		name, err := p.ref(arg.Tensor)
		return name, vtensorType(arg.Tensor.Shape(), arg.Tensor.DType()), err
	case graph.ArgTensorList:
		elems := make([]string, len(arg.List))
		types := make([]string, len(arg.List))

		for i, v := range arg.List {
			name, err := p.ref(v)
			if err != nil {
				return "", "", err
			}

			elems[i], types[i] = name, vtensorType(v.Shape(), v.DType())
		}

		return p.list(elems, types, "!torch.list<vtensor>"), "!torch.list<vtensor>", nil
	case graph.ArgInt:
		return p.intConst(arg.Int), "!torch.int", nil
	case graph.ArgInts:
		elems := make([]string, len(arg.Ints))
		types := make([]string, len(arg.Ints))

		for i, n := range arg.Ints {
			elems[i], types[i] = p.intConst(n), "!torch.int"
		}

		return p.list(elems, types, "!torch.list<int>"), "!torch.list<int>", nil
	case graph.ArgFloat:
		name := p.fresh()
		p.linef(2, "%s = torch.constant.float %s", name, formatFloat(arg.Float))

		return name, "!torch.float", nil
	case graph.ArgBool:
		name := p.fresh()
		p.linef(2, "%s = torch.constant.bool %t", name, arg.Bool)

		return name, "!torch.bool", nil
	case graph.ArgNone:
		name := p.fresh()
		p.linef(2, "%s = torch.constant.none", name)

		return name, "!torch.none", nil
	case graph.ArgString:
		name := p.fresh()
		p.linef(2, "%s = torch.constant.str %q", name, arg.Str)

		return name, "!torch.str", nil
	default:
		return "", "", fmt.Errorf("unknown operand kind %d", arg.Kind)
	}
}

func (p *printer) intConst(n int64) string {
	name := p.fresh()
	p.linef(2, "%s = torch.constant.int %d", name, n)

	return name
}

func (p *printer) list(elems, types []string, listType string) string {
	name := p.fresh()
	p.linef(2, "%s = torch.prim.ListConstruct %s : (%s) -> %s",
		name, strings.Join(elems, ", "), strings.Join(types, ", "), listType)

	return name
}

func (p *printer) resources(params []*graph.Parameter) error {
	p.linef(0, "")
	p.linef(0, "{-#")
	p.linef(1, "dialect_resources: {")
	p.linef(2, "builtin: {")

	align := make([]byte, 4)
	binary.LittleEndian.PutUint32(align, resourceAlignment)

	for i, param := range params {
		raw, err := safetensors.EncodeData(param.Data, param.DType.SafetensorsName())
		if err != nil {
			return fmt.Errorf("mlir: encode %s: %w", param.Name, err)
		}

		sep := ","
		if i == len(params)-1 {
			sep = ""
		}

		p.linef(3, "%s%s: \"0x%s%s\"%s", GlobalPrefix, param.Name,
			strings.ToUpper(hex.EncodeToString(align)), strings.ToUpper(hex.EncodeToString(raw)), sep)
	}

	p.linef(2, "}")
	p.linef(1, "}")
	p.linef(0, "#-}")

	return nil
}

func joinResultTypes(types []string) string {
	if len(types) == 1 {
		return types[0]
	}

	return "(" + strings.Join(types, ", ") + ")"
}

func vtensorType(shape graph.Shape, dtype graph.DType) string {
	return "!torch.vtensor<" + shape.String() + "," + dtype.String() + ">"
}

func builtinType(shape graph.Shape, dtype graph.DType) string {
	var sb strings.Builder

	sb.WriteString("tensor<")

	for _, d := range shape {
		sb.WriteString(strconv.FormatInt(d, 10))
		sb.WriteByte('x')
	}

	sb.WriteString(dtype.Builtin())
	sb.WriteByte('>')

	return sb.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'e', 6, 64)
}

func denseLiteral(data []float32) string {
	parts := make([]string, len(data))
	for i, f := range data {
		parts[i] = formatFloat(float64(f))
	}

	return "[" + strings.Join(parts, ", ") + "]"
}
