package graph

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Linear computes x @ weight^T + bias over the last dim of x. bias may be nil.
// Under OpAddmm it is expanded into transpose, matmul and add.
func (b *Builder) Linear(x, weight, bias *Value) *Value {
	if weight.Rank() != 2 {
		exceptions.Panicf("linear: weight must be rank 2, got %s", weight.shape)
	}

	if x.Dim(-1) != weight.shape[1] {
		exceptions.Panicf("linear: input features %d do not match weight %s", x.Dim(-1), weight.shape)
	}

	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != weight.shape[0]) {
		exceptions.Panicf("linear: bias shape %s does not match weight %s", bias.shape, weight.shape)
	}

	if !b.policy.Has(OpAddmm) {
		out := x.shape.Clone()
		out[len(out)-1] = weight.shape[0]

		return b.emit("torch.aten.linear", out, sameDType("linear", x, weight),
			TensorArg(x), TensorArg(weight), OptionalTensorArg(bias))
	}

	y := b.Matmul(x, b.t(weight))
	if bias != nil {
		y = b.Add(y, bias)
	}

	return y
}

// t transposes a matrix, expanding aten.t into transpose.int when requested.
func (b *Builder) t(w *Value) *Value {
	if b.policy.Has(OpT) {
		return b.Transpose(w, 0, 1)
	}

	return b.emit("torch.aten.t", Shape{w.shape[1], w.shape[0]}, w.dtype, TensorArg(w))
}

// LayerNorm normalizes over the last dim of x.
func (b *Builder) LayerNorm(x, weight, bias *Value, eps float64) *Value {
	c := x.Dim(-1)
	for _, p := range []*Value{weight, bias} {
		if p != nil && (p.Rank() != 1 || p.shape[0] != c) {
			exceptions.Panicf("layer_norm: affine shape %s does not match %d features", p.shape, c)
		}
	}

	if !b.policy.Has(OpNativeLayerNorm) {
		return b.emit("torch.aten.layer_norm", x.shape, x.dtype,
			TensorArg(x), IntsArg(c), OptionalTensorArg(weight), OptionalTensorArg(bias),
			FloatArg(eps), BoolArg(false))
	}

	mean := b.MeanDim(x, -1, true)
	centered := b.Sub(x, mean)
	variance := b.MeanDim(b.Mul(centered, centered), -1, true)
	y := b.Mul(centered, b.Rsqrt(b.AddScalar(variance, eps)))

	if weight != nil {
		y = b.Mul(y, weight)
	}

	if bias != nil {
		y = b.Add(y, bias)
	}

	return y
}

// Attention is scaled dot-product attention over (batch, heads, seq, dim)
// operands. Under either flash-attention policy entry it is expanded into
// matmul, softmax and matmul.
func (b *Builder) Attention(q, k, v *Value) *Value {
	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		exceptions.Panicf("attention: want rank-4 q/k/v, got %s %s %s", q.shape, k.shape, v.shape)
	}

	if q.shape[0] != k.shape[0] || q.shape[1] != k.shape[1] || k.shape[0] != v.shape[0] || k.shape[1] != v.shape[1] {
		exceptions.Panicf("attention: batch/head mismatch q=%s k=%s v=%s", q.shape, k.shape, v.shape)
	}

	if q.Dim(-1) != k.Dim(-1) || k.Dim(-2) != v.Dim(-2) {
		exceptions.Panicf("attention: inner dims mismatch q=%s k=%s v=%s", q.shape, k.shape, v.shape)
	}

	dtype := sameDType("attention", q, k, v)

	if !b.policy.decomposesAttention() {
		out := Shape{q.shape[0], q.shape[1], q.shape[2], v.shape[3]}

		return b.emit("torch.aten.scaled_dot_product_attention", out, dtype,
			TensorArg(q), TensorArg(k), TensorArg(v), NoneArg(), FloatArg(0), BoolArg(false), NoneArg())
	}

	scale := 1 / math.Sqrt(float64(q.Dim(-1)))
	scores := b.MulScalar(b.Matmul(q, b.Transpose(k, -2, -1)), scale)

	return b.Matmul(b.Softmax(scores, -1), v)
}
