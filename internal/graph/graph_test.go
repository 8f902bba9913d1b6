package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ones(n int64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}

	return out
}

func traceOne(t *testing.T, policy Policy, shape Shape, fn func(b *Builder, x *Value) *Value) *Module {
	t.Helper()

	mod, err := Trace("m", "main", policy, Float32, []Placeholder{{Name: "x", Shape: shape, DType: Float32}},
		func(b *Builder, args []*Value) *Value { return fn(b, args[0]) })
	require.NoError(t, err)

	return mod
}

func TestPolicy_WithDoesNotMutateReceiver(t *testing.T) {
	base := DefaultDecompositions()
	n := base.Len()

	extended := base.With(OpFlashAttention, OpFlashAttentionCPU)
	again := base.With(OpFlashAttention, OpFlashAttentionCPU)

	assert.Equal(t, n, base.Len())
	assert.False(t, base.Has(OpFlashAttention))
	assert.Equal(t, n+2, extended.Len())
	assert.Equal(t, extended.Ops(), again.Ops())
	assert.Equal(t, n, DefaultDecompositions().Len())
}

func TestPolicy_DefaultsIncludeLayerNormAndAddmm(t *testing.T) {
	p := DefaultDecompositions()
	assert.True(t, p.Has(OpNativeLayerNorm))
	assert.True(t, p.Has(OpAddmm))
	assert.True(t, p.Has(OpT))
	assert.False(t, p.decomposesAttention())
}

func TestConv2dShape(t *testing.T) {
	mod := traceOne(t, Policy{}, Shape{1, 4, 8, 8}, func(b *Builder, x *Value) *Value {
		w := b.Param("conv.weight", Shape{16, 4, 3, 3}, ones(16*4*9))
		bias := b.Param("conv.bias", Shape{16}, ones(16))
		return b.Conv2d(x, w, bias, 2, 1)
	})

	assert.Equal(t, Shape{1, 16, 4, 4}, mod.Func.Results[0].Shape())
	assert.Len(t, mod.Params, 2)
}

func TestParamReRegistrationReturnsSameValue(t *testing.T) {
	mod := traceOne(t, Policy{}, Shape{2}, func(b *Builder, x *Value) *Value {
		p1 := b.Param("w", Shape{2}, ones(2))
		p2 := b.Param("w", Shape{2}, ones(2))
		assert.Same(t, p1, p2)
		return b.Add(x, p1)
	})

	assert.Len(t, mod.Params, 1)
}

func TestParamCastToBuilderDType(t *testing.T) {
	mod, err := Trace("m", "main", Policy{}, Float16, []Placeholder{{Name: "x", Shape: Shape{2}, DType: Float16}},
		func(b *Builder, args []*Value) *Value {
			return b.Add(args[0], b.Param("w", Shape{2}, ones(2)))
		})
	require.NoError(t, err)

	assert.Equal(t, Float16, mod.Params[0].DType)
	assert.Equal(t, Float16, mod.Func.Results[0].DType())
}

func TestTraceReturnsShapeErrors(t *testing.T) {
	_, err := Trace("m", "main", Policy{}, Float32, []Placeholder{{Name: "x", Shape: Shape{2, 3}, DType: Float32}},
		func(b *Builder, args []*Value) *Value {
			return b.Matmul(args[0], args[0])
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matmul")
	assert.Contains(t, err.Error(), "capture m.main")
}

func TestTraceRejectsNonPositivePlaceholder(t *testing.T) {
	_, err := Trace("m", "main", Policy{}, Float32, []Placeholder{{Name: "x", Shape: Shape{0, 3}, DType: Float32}},
		func(_ *Builder, args []*Value) *Value { return args[0] })
	require.Error(t, err)
}

func TestBroadcastAdd(t *testing.T) {
	mod := traceOne(t, Policy{}, Shape{2, 3, 4}, func(b *Builder, x *Value) *Value {
		return b.Add(x, b.Param("b", Shape{4}, ones(4)))
	})
	assert.Equal(t, Shape{2, 3, 4}, mod.Func.Results[0].Shape())
}

func TestLinear_PolicyControlsExpansion(t *testing.T) {
	build := func(b *Builder, x *Value) *Value {
		w := b.Param("w", Shape{8, 4}, ones(32))
		bias := b.Param("b", Shape{8}, ones(8))
		return b.Linear(x, w, bias)
	}

	fused := traceOne(t, Policy{}, Shape{2, 5, 4}, build)
	assert.Equal(t, 1, fused.CountTarget("torch.aten.linear"))
	assert.Equal(t, Shape{2, 5, 8}, fused.Func.Results[0].Shape())

	expanded := traceOne(t, DefaultDecompositions(), Shape{2, 5, 4}, build)
	assert.Equal(t, 0, expanded.CountTarget("torch.aten.linear"))
	assert.Equal(t, 1, expanded.CountTarget("torch.aten.matmul"))
	assert.Equal(t, 1, expanded.CountTarget("torch.aten.transpose.int"))
	assert.Equal(t, Shape{2, 5, 8}, expanded.Func.Results[0].Shape())
}

func TestLayerNorm_Decomposed(t *testing.T) {
	mod := traceOne(t, NewPolicy(OpNativeLayerNorm), Shape{2, 6}, func(b *Builder, x *Value) *Value {
		return b.LayerNorm(x, b.Param("w", Shape{6}, ones(6)), b.Param("b", Shape{6}, ones(6)), 1e-5)
	})

	assert.Equal(t, 0, mod.CountTarget("torch.aten.layer_norm"))
	assert.Equal(t, 2, mod.CountTarget("torch.aten.mean.dim"))
	assert.Equal(t, Shape{2, 6}, mod.Func.Results[0].Shape())
}

func TestAttention_DecompositionRemovesFusedOp(t *testing.T) {
	build := func(b *Builder, x *Value) *Value { return b.Attention(x, x, x) }

	fused := traceOne(t, DefaultDecompositions(), Shape{1, 2, 16, 8}, build)
	assert.Equal(t, 1, fused.CountTarget("torch.aten.scaled_dot_product_attention"))

	for _, op := range []string{OpFlashAttention, OpFlashAttentionCPU} {
		dec := traceOne(t, DefaultDecompositions().With(op), Shape{1, 2, 16, 8}, build)
		assert.Equal(t, 0, dec.CountTarget("torch.aten.scaled_dot_product_attention"))
		assert.Equal(t, 1, dec.CountTarget("torch.aten._softmax"))
		assert.Equal(t, Shape{1, 2, 16, 8}, dec.Func.Results[0].Shape())
	}
}

func TestChunkAndCat(t *testing.T) {
	mod := traceOne(t, Policy{}, Shape{4, 3}, func(b *Builder, x *Value) *Value {
		parts := b.Chunk(x, 2, 0)
		require.Len(t, parts, 2)
		assert.Equal(t, Shape{2, 3}, parts[0].Shape())
		return b.Cat([]*Value{parts[1], parts[0], x}, 0)
	})

	assert.Equal(t, Shape{8, 3}, mod.Func.Results[0].Shape())
	assert.Equal(t, 2, mod.CountTarget("torch.aten.slice.Tensor"))
}

func TestShapeOps(t *testing.T) {
	mod := traceOne(t, Policy{}, Shape{2, 4, 3, 5}, func(b *Builder, x *Value) *Value {
		y := b.Permute(x, 0, 2, 3, 1)
		assert.Equal(t, Shape{2, 3, 5, 4}, y.Shape())
		y = b.View(y, 2, 15, 4)
		y = b.Transpose(y, -2, -1)
		assert.Equal(t, Shape{2, 4, 15}, y.Shape())
		z := b.Unsqueeze(b.MeanDim(y, -1, false), -1)
		assert.Equal(t, Shape{2, 4, 1}, z.Shape())
		return b.Expand(z, 2, 4, 15)
	})
	assert.Equal(t, Shape{2, 4, 15}, mod.Func.Results[0].Shape())
}

func TestUpsampleNearest2d(t *testing.T) {
	mod := traceOne(t, Policy{}, Shape{1, 3, 4, 6}, func(b *Builder, x *Value) *Value {
		return b.UpsampleNearest2d(x, 2)
	})
	assert.Equal(t, Shape{1, 3, 8, 12}, mod.Func.Results[0].Shape())
}

func TestUpsampleNearest2dTo(t *testing.T) {
	mod := traceOne(t, Policy{}, Shape{1, 3, 5, 4}, func(b *Builder, x *Value) *Value {
		return b.UpsampleNearest2dTo(x, 9, 8)
	})
	assert.Equal(t, Shape{1, 3, 9, 8}, mod.Func.Results[0].Shape())
	assert.Equal(t, []int64{9, 8}, mod.Func.Ops[0].Args[1].Ints)

	_, err := Trace("m", "main", Policy{}, Float32, []Placeholder{{Name: "x", Shape: Shape{1, 3, 5, 4}, DType: Float32}},
		func(b *Builder, args []*Value) *Value {
			return b.UpsampleNearest2dTo(args[0], 4, 8)
		})
	require.Error(t, err)
}

func TestGroupNormRejectsIndivisibleChannels(t *testing.T) {
	_, err := Trace("m", "main", Policy{}, Float32, []Placeholder{{Name: "x", Shape: Shape{1, 6, 2, 2}, DType: Float32}},
		func(b *Builder, args []*Value) *Value {
			return b.GroupNorm(args[0], 4, nil, nil, 1e-5)
		})
	require.Error(t, err)
}

func TestDTypeMismatchFails(t *testing.T) {
	_, err := Trace("m", "main", Policy{}, Float16,
		[]Placeholder{{Name: "x", Shape: Shape{2}, DType: Float32}},
		func(b *Builder, args []*Value) *Value {
			return b.Add(args[0], b.Param("w", Shape{2}, ones(2)))
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dtype mismatch")
}

func TestConvertIsNoOpForSameDType(t *testing.T) {
	mod := traceOne(t, Policy{}, Shape{3}, func(b *Builder, x *Value) *Value {
		same := b.Convert(x, Float32)
		assert.Same(t, x, same)
		return b.Convert(x, Float16)
	})

	assert.Equal(t, Float16, mod.Func.Results[0].DType())
	assert.Equal(t, 1, mod.CountTarget("torch.aten.to.dtype"))
}
