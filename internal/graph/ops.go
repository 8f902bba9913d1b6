package graph

import (
	"github.com/gomlx/exceptions"
)

func normalizeDim(dim, rank int) int {
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		exceptions.Panicf("dimension %d out of range for rank %d", dim, rank)
	}

	return dim
}

func sameDType(op string, vs ...*Value) DType {
	d := vs[0].dtype
	for _, v := range vs[1:] {
		if v.dtype != d {
			exceptions.Panicf("%s: dtype mismatch %s vs %s", op, d, v.dtype)
		}
	}

	return d
}

func broadcastShapes(op string, a, b Shape) Shape {
	rank := max(len(a), len(b))
	out := make(Shape, rank)

	for i := range rank {
		da, db := int64(1), int64(1)
		if j := i - (rank - len(a)); j >= 0 {
			da = a[j]
		}

		if j := i - (rank - len(b)); j >= 0 {
			db = b[j]
		}

		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			exceptions.Panicf("%s: shapes %s and %s are not broadcastable", op, a, b)
		}
	}

	return out
}

func (b *Builder) binary(target string, x, y *Value, alpha bool) *Value {
	dtype := sameDType(target, x, y)
	shape := broadcastShapes(target, x.shape, y.shape)

	if alpha {
		return b.emit(target, shape, dtype, TensorArg(x), TensorArg(y), IntArg(1))
	}

	return b.emit(target, shape, dtype, TensorArg(x), TensorArg(y))
}

// Add is elementwise x + y with broadcasting.
func (b *Builder) Add(x, y *Value) *Value { return b.binary("torch.aten.add.Tensor", x, y, true) }

// Sub is elementwise x - y with broadcasting.
func (b *Builder) Sub(x, y *Value) *Value { return b.binary("torch.aten.sub.Tensor", x, y, true) }

// Mul is elementwise x * y with broadcasting.
func (b *Builder) Mul(x, y *Value) *Value { return b.binary("torch.aten.mul.Tensor", x, y, false) }

func (b *Builder) MulScalar(x *Value, s float64) *Value {
	return b.emit("torch.aten.mul.Scalar", x.shape, x.dtype, TensorArg(x), FloatArg(s))
}

func (b *Builder) DivScalar(x *Value, s float64) *Value {
	if s == 0 {
		exceptions.Panicf("div.Scalar: division by zero")
	}

	return b.emit("torch.aten.div.Scalar", x.shape, x.dtype, TensorArg(x), FloatArg(s))
}

func (b *Builder) AddScalar(x *Value, s float64) *Value {
	return b.emit("torch.aten.add.Scalar", x.shape, x.dtype, TensorArg(x), FloatArg(s), IntArg(1))
}

func (b *Builder) unary(target string, x *Value) *Value {
	return b.emit(target, x.shape, x.dtype, TensorArg(x))
}

func (b *Builder) Silu(x *Value) *Value  { return b.unary("torch.aten.silu", x) }
func (b *Builder) Sin(x *Value) *Value   { return b.unary("torch.aten.sin", x) }
func (b *Builder) Cos(x *Value) *Value   { return b.unary("torch.aten.cos", x) }
func (b *Builder) Rsqrt(x *Value) *Value { return b.unary("torch.aten.rsqrt", x) }

// Gelu is the exact (erf) GELU.
func (b *Builder) Gelu(x *Value) *Value {
	return b.emit("torch.aten.gelu", x.shape, x.dtype, TensorArg(x), StringArg("none"))
}

// Convert casts x to dtype.
func (b *Builder) Convert(x *Value, dtype DType) *Value {
	if x.dtype == dtype {
		return x
	}

	return b.emit("torch.aten.to.dtype", x.shape, dtype,
		TensorArg(x), IntArg(dtype.TorchCode()), BoolArg(false), BoolArg(false), NoneArg())
}

// Literal embeds a small constant tensor.
func (b *Builder) Literal(shape Shape, dtype DType, data []float32) *Value {
	if int64(len(data)) != shape.NumElements() {
		exceptions.Panicf("literal: shape %s expects %d elements, got %d", shape, shape.NumElements(), len(data))
	}

	out := b.newValue(shape, dtype)
	b.ops = append(b.ops, &Op{
		Target: "torch.vtensor.literal",
		Result: out,
		Dense:  append([]float32(nil), data...),
	})

	return out
}

// Conv2d is an NCHW convolution with square stride and padding. bias may be nil.
func (b *Builder) Conv2d(x, w, bias *Value, stride, padding int64) *Value {
	if x.Rank() != 4 || w.Rank() != 4 {
		exceptions.Panicf("convolution: want rank-4 input and weight, got %s and %s", x.shape, w.shape)
	}

	if x.shape[1] != w.shape[1] {
		exceptions.Panicf("convolution: input has %d channels, weight expects %d", x.shape[1], w.shape[1])
	}

	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != w.shape[0]) {
		exceptions.Panicf("convolution: bias shape %s does not match %d output channels", bias.shape, w.shape[0])
	}

	if stride <= 0 {
		exceptions.Panicf("convolution: stride must be positive, got %d", stride)
	}

	dtype := sameDType("convolution", x, w)
	outH := (x.shape[2]+2*padding-w.shape[2])/stride + 1
	outW := (x.shape[3]+2*padding-w.shape[3])/stride + 1

	if outH <= 0 || outW <= 0 {
		exceptions.Panicf("convolution: kernel %s does not fit input %s", w.shape, x.shape)
	}

	return b.emit("torch.aten.convolution", Shape{x.shape[0], w.shape[0], outH, outW}, dtype,
		TensorArg(x), TensorArg(w), OptionalTensorArg(bias),
		IntsArg(stride, stride), IntsArg(padding, padding), IntsArg(1, 1),
		BoolArg(false), IntsArg(0, 0), IntArg(1))
}

// Matmul follows torch.matmul for operands of rank >= 2.
func (b *Builder) Matmul(x, y *Value) *Value {
	if x.Rank() < 2 || y.Rank() < 2 {
		exceptions.Panicf("matmul: operands must have rank >= 2, got %s and %s", x.shape, y.shape)
	}

	k1, k2 := x.Dim(-1), y.Dim(-2)
	if k1 != k2 {
		exceptions.Panicf("matmul: contraction mismatch %s x %s", x.shape, y.shape)
	}

	dtype := sameDType("matmul", x, y)
	batch := broadcastShapes("matmul", x.shape[:x.Rank()-2], y.shape[:y.Rank()-2])
	shape := append(batch, x.Dim(-2), y.Dim(-1))

	return b.emit("torch.aten.matmul", shape, dtype, TensorArg(x), TensorArg(y))
}

// GroupNorm normalizes NCHW input over channel groups.
func (b *Builder) GroupNorm(x *Value, groups int64, weight, bias *Value, eps float64) *Value {
	if x.Rank() < 2 {
		exceptions.Panicf("group_norm: input rank %d < 2", x.Rank())
	}

	if groups <= 0 || x.shape[1]%groups != 0 {
		exceptions.Panicf("group_norm: %d channels not divisible into %d groups", x.shape[1], groups)
	}

	return b.emit("torch.aten.group_norm", x.shape, x.dtype,
		TensorArg(x), IntArg(groups), OptionalTensorArg(weight), OptionalTensorArg(bias),
		FloatArg(eps), BoolArg(false))
}

// MeanDim reduces x over dim.
func (b *Builder) MeanDim(x *Value, dim int, keepDim bool) *Value {
	d := normalizeDim(dim, x.Rank())

	shape := x.shape.Clone()
	if keepDim {
		shape[d] = 1
	} else {
		shape = append(shape[:d], shape[d+1:]...)
	}

	return b.emit("torch.aten.mean.dim", shape, x.dtype,
		TensorArg(x), IntsArg(int64(dim)), BoolArg(keepDim), NoneArg())
}

func (b *Builder) Softmax(x *Value, dim int) *Value {
	normalizeDim(dim, x.Rank())

	return b.emit("torch.aten._softmax", x.shape, x.dtype, TensorArg(x), IntArg(int64(dim)), BoolArg(false))
}

// View reshapes x; the element count must be preserved.
func (b *Builder) View(x *Value, shape ...int64) *Value {
	out := Shape(shape)
	if out.NumElements() != x.shape.NumElements() {
		exceptions.Panicf("view: cannot reshape %s into %s", x.shape, out)
	}

	return b.emit("torch.aten.view", out, x.dtype, TensorArg(x), IntsArg(shape...))
}

func (b *Builder) Permute(x *Value, perm ...int64) *Value {
	if len(perm) != x.Rank() {
		exceptions.Panicf("permute: %d axes given for rank %d", len(perm), x.Rank())
	}

	seen := make([]bool, len(perm))
	out := make(Shape, len(perm))

	for i, p := range perm {
		if p < 0 || int(p) >= len(perm) || seen[p] {
			exceptions.Panicf("permute: invalid permutation %v", perm)
		}

		seen[p] = true
		out[i] = x.shape[p]
	}

	return b.emit("torch.aten.permute", out, x.dtype, TensorArg(x), IntsArg(perm...))
}

func (b *Builder) Transpose(x *Value, d0, d1 int) *Value {
	n0, n1 := normalizeDim(d0, x.Rank()), normalizeDim(d1, x.Rank())
	out := x.shape.Clone()
	out[n0], out[n1] = out[n1], out[n0]

	return b.emit("torch.aten.transpose.int", out, x.dtype, TensorArg(x), IntArg(int64(d0)), IntArg(int64(d1)))
}

// Cat concatenates xs along dim.
func (b *Builder) Cat(xs []*Value, dim int) *Value {
	if len(xs) == 0 {
		exceptions.Panicf("cat: no inputs")
	}

	dtype := sameDType("cat", xs...)
	d := normalizeDim(dim, xs[0].Rank())
	out := xs[0].shape.Clone()

	for _, x := range xs[1:] {
		if x.Rank() != len(out) {
			exceptions.Panicf("cat: rank mismatch %s vs %s", xs[0].shape, x.shape)
		}

		for i := range out {
			if i == d {
				continue
			}

			if x.shape[i] != out[i] {
				exceptions.Panicf("cat: shapes %s and %s differ outside dim %d", xs[0].shape, x.shape, d)
			}
		}

		out[d] += x.shape[d]
	}

	return b.emit("torch.aten.cat", out, dtype, TensorListArg(xs), IntArg(int64(dim)))
}

// Slice takes [start, end) along dim with unit step.
func (b *Builder) Slice(x *Value, dim int, start, end int64) *Value {
	d := normalizeDim(dim, x.Rank())
	if start < 0 || end > x.shape[d] || start >= end {
		exceptions.Panicf("slice: range [%d:%d] invalid for dim %d of %s", start, end, d, x.shape)
	}

	out := x.shape.Clone()
	out[d] = end - start

	return b.emit("torch.aten.slice.Tensor", out, x.dtype,
		TensorArg(x), IntArg(int64(dim)), IntArg(start), IntArg(end), IntArg(1))
}

// Chunk splits x into n equal slices along dim.
func (b *Builder) Chunk(x *Value, n int, dim int) []*Value {
	d := normalizeDim(dim, x.Rank())
	if n <= 0 || x.shape[d]%int64(n) != 0 {
		exceptions.Panicf("chunk: dim %d of %s not divisible into %d chunks", d, x.shape, n)
	}

	size := x.shape[d] / int64(n)
	out := make([]*Value, n)

	for i := range n {
		out[i] = b.Slice(x, dim, int64(i)*size, int64(i+1)*size)
	}

	return out
}

// Expand broadcasts size-1 dims of x to shape.
func (b *Builder) Expand(x *Value, shape ...int64) *Value {
	out := Shape(shape)
	if len(out) != x.Rank() {
		exceptions.Panicf("expand: rank %d target %s for input %s", len(out), out, x.shape)
	}

	for i := range out {
		if x.shape[i] != out[i] && x.shape[i] != 1 {
			exceptions.Panicf("expand: cannot expand %s to %s", x.shape, out)
		}
	}

	return b.emit("torch.aten.expand", out, x.dtype, TensorArg(x), IntsArg(shape...), BoolArg(false))
}

func (b *Builder) Unsqueeze(x *Value, dim int) *Value {
	d := normalizeDim(dim, x.Rank()+1)
	out := make(Shape, 0, x.Rank()+1)
	out = append(out, x.shape[:d]...)
	out = append(out, 1)
	out = append(out, x.shape[d:]...)

	return b.emit("torch.aten.unsqueeze", out, x.dtype, TensorArg(x), IntArg(int64(dim)))
}

// UpsampleNearest2d scales the spatial dims of NCHW input by an integer factor.
func (b *Builder) UpsampleNearest2d(x *Value, factor int64) *Value {
	if x.Rank() != 4 || factor <= 0 {
		exceptions.Panicf("upsample_nearest2d: want rank-4 input and positive factor, got %s x%d", x.shape, factor)
	}

	return b.UpsampleNearest2dTo(x, x.shape[2]*factor, x.shape[3]*factor)
}

// UpsampleNearest2dTo resizes the spatial dims of NCHW input to (h, w). The
// target must not be smaller than the input.
func (b *Builder) UpsampleNearest2dTo(x *Value, h, w int64) *Value {
	if x.Rank() != 4 {
		exceptions.Panicf("upsample_nearest2d: want rank-4 input, got %s", x.shape)
	}

	if h < x.shape[2] || w < x.shape[3] {
		exceptions.Panicf("upsample_nearest2d: target %dx%d is smaller than input %s", h, w, x.shape)
	}

	return b.emit("torch.aten.upsample_nearest2d", Shape{x.shape[0], x.shape[1], h, w}, x.dtype,
		TensorArg(x), IntsArg(h, w), NoneArg(), NoneArg())
}
