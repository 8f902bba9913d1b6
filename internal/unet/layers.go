package unet

import (
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/example/go-sd-turbine/internal/graph"
)

const (
	transformerNormEps = 1e-6
	layerNormEps       = 1e-5
	ffMult             = 4
)

// net binds checkpoint weights into a builder while a forward pass is traced.
type net struct {
	cfg Config
	src WeightSource
	b   *graph.Builder
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}

	return prefix + "." + name
}

// param loads name with the given shape and registers it on the builder.
func (n *net) param(name string, shape ...int64) *graph.Value {
	t, err := n.src.TensorWithShape(name, shape)
	if err != nil {
		panic(errors.WithMessagef(err, "unet: weight %s", name))
	}

	return n.b.Param(ParamPrefix+name, shape, t.Data)
}

func (n *net) conv(prefix string, x *graph.Value, in, out, kernel, stride, pad int64) *graph.Value {
	w := n.param(join(prefix, "weight"), out, in, kernel, kernel)
	bias := n.param(join(prefix, "bias"), out)

	return n.b.Conv2d(x, w, bias, stride, pad)
}

func (n *net) linear(prefix string, x *graph.Value, in, out int64, withBias bool) *graph.Value {
	w := n.param(join(prefix, "weight"), out, in)

	var bias *graph.Value
	if withBias {
		bias = n.param(join(prefix, "bias"), out)
	}

	return n.b.Linear(x, w, bias)
}

func (n *net) groupNorm(prefix string, x *graph.Value, eps float64) *graph.Value {
	c := x.Dim(1)

	return n.b.GroupNorm(x, n.cfg.NormNumGroups,
		n.param(join(prefix, "weight"), c), n.param(join(prefix, "bias"), c), eps)
}

func (n *net) layerNorm(prefix string, x *graph.Value) *graph.Value {
	c := x.Dim(-1)

	return n.b.LayerNorm(x, n.param(join(prefix, "weight"), c), n.param(join(prefix, "bias"), c), layerNormEps)
}

// timeEmbedding maps a (1) timestep to (batch, TimeEmbedDim).
func (n *net) timeEmbedding(t *graph.Value, batch int64) *graph.Value {
	b := n.b
	dim := n.cfg.BlockOutChannels[0]
	dtype := t.DType()

	t = b.Convert(b.Expand(t, batch), graph.Float32)
	args := b.Mul(b.Unsqueeze(t, -1), b.Literal(graph.Shape{dim / 2}, graph.Float32, timestepFrequencies(dim, n.cfg.FreqShift)))

	sin, cos := b.Sin(args), b.Cos(args)

	halves := []*graph.Value{sin, cos}
	if n.cfg.FlipSinToCos {
		halves = []*graph.Value{cos, sin}
	}

	emb := b.Convert(b.Cat(halves, -1), dtype)

	temb := n.cfg.TimeEmbedDim()
	emb = n.linear("time_embedding.linear_1", emb, dim, temb, true)

	return n.linear("time_embedding.linear_2", b.Silu(emb), temb, temb, true)
}

// resnet is a ResnetBlock2D with a time-embedding projection.
func (n *net) resnet(prefix string, x, temb *graph.Value, in, out int64) *graph.Value {
	b := n.b

	h := b.Silu(n.groupNorm(join(prefix, "norm1"), x, n.cfg.NormEps))
	h = n.conv(join(prefix, "conv1"), h, in, out, 3, 1, 1)

	t := n.linear(join(prefix, "time_emb_proj"), b.Silu(temb), n.cfg.TimeEmbedDim(), out, true)
	h = b.Add(h, b.Unsqueeze(b.Unsqueeze(t, -1), -1))

	h = b.Silu(n.groupNorm(join(prefix, "norm2"), h, n.cfg.NormEps))
	h = n.conv(join(prefix, "conv2"), h, out, out, 3, 1, 1)

	if in != out {
		x = n.conv(join(prefix, "conv_shortcut"), x, in, out, 1, 1, 0)
	}

	return b.Add(x, h)
}

// attention is multi-head attention of x over ctx (self-attention when ctx
// is nil).
func (n *net) attention(prefix string, x, ctx *graph.Value, heads int64) *graph.Value {
	b := n.b
	dim := x.Dim(-1)

	if ctx == nil {
		ctx = x
	}

	ctxDim := ctx.Dim(-1)
	headDim := dim / heads

	split := func(v *graph.Value) *graph.Value {
		return b.Permute(b.View(v, v.Dim(0), v.Dim(1), heads, headDim), 0, 2, 1, 3)
	}

	q := split(n.linear(join(prefix, "to_q"), x, dim, dim, false))
	k := split(n.linear(join(prefix, "to_k"), ctx, ctxDim, dim, false))
	v := split(n.linear(join(prefix, "to_v"), ctx, ctxDim, dim, false))

	out := b.Permute(b.Attention(q, k, v), 0, 2, 1, 3)
	out = b.View(out, x.Dim(0), x.Dim(1), dim)

	return n.linear(join(prefix, "to_out.0"), out, dim, dim, true)
}

// feedForward is the GEGLU feed-forward of a BasicTransformerBlock.
func (n *net) feedForward(prefix string, x *graph.Value) *graph.Value {
	b := n.b
	dim := x.Dim(-1)
	inner := ffMult * dim

	proj := n.linear(join(prefix, "net.0.proj"), x, dim, 2*inner, true)
	parts := b.Chunk(proj, 2, -1)
	h := b.Mul(parts[0], b.Gelu(parts[1]))

	return n.linear(join(prefix, "net.2"), h, inner, dim, true)
}

func (n *net) transformerBlock(prefix string, x, ctx *graph.Value, heads int64) *graph.Value {
	b := n.b

	x = b.Add(n.attention(join(prefix, "attn1"), n.layerNorm(join(prefix, "norm1"), x), nil, heads), x)
	x = b.Add(n.attention(join(prefix, "attn2"), n.layerNorm(join(prefix, "norm2"), x), ctx, heads), x)

	return b.Add(n.feedForward(join(prefix, "ff"), n.layerNorm(join(prefix, "norm3"), x)), x)
}

// transformer is a Transformer2DModel over NCHW input.
func (n *net) transformer(prefix string, x, ctx *graph.Value, heads, layers int64) *graph.Value {
	b := n.b
	batch, c, hgt, wid := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)

	h := n.b.GroupNorm(x, n.cfg.NormNumGroups,
		n.param(join(prefix, "norm.weight"), c), n.param(join(prefix, "norm.bias"), c), transformerNormEps)

	toTokens := func(v *graph.Value) *graph.Value {
		return b.View(b.Permute(v, 0, 2, 3, 1), batch, hgt*wid, c)
	}

	if n.cfg.UseLinearProjection {
		h = n.linear(join(prefix, "proj_in"), toTokens(h), c, c, true)
	} else {
		h = toTokens(n.conv(join(prefix, "proj_in"), h, c, c, 1, 1, 0))
	}

	for i := range layers {
		h = n.transformerBlock(join(prefix, "transformer_blocks."+strconv.FormatInt(i, 10)), h, ctx, heads)
	}

	toImage := func(v *graph.Value) *graph.Value {
		return b.Permute(b.View(v, batch, hgt, wid, c), 0, 3, 1, 2)
	}

	if n.cfg.UseLinearProjection {
		h = toImage(n.linear(join(prefix, "proj_out"), h, c, c, true))
	} else {
		h = n.conv(join(prefix, "proj_out"), toImage(h), c, c, 1, 1, 0)
	}

	return b.Add(h, x)
}

// timestepFrequencies are the sinusoidal embedding frequencies
// exp(-ln(10000) * i / (dim/2 - shift)).
func timestepFrequencies(dim int64, shift float64) []float32 {
	half := dim / 2
	out := make([]float32, half)

	for i := range out {
		out[i] = float32(math.Exp(-math.Log(10000) * float64(i) / (float64(half) - shift)))
	}

	return out
}
