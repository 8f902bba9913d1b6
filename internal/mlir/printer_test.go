package mlir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-sd-turbine/internal/graph"
)

func smallModule(t *testing.T, dtype graph.DType) *graph.Module {
	t.Helper()

	mod, err := graph.Trace("compiled_demo", "main", graph.DefaultDecompositions(), dtype,
		[]graph.Placeholder{
			{Name: "x", Shape: graph.Shape{1, 2, 3}, DType: dtype},
			{Name: "scale", Shape: graph.Shape{1}, DType: dtype},
		},
		func(b *graph.Builder, args []*graph.Value) *graph.Value {
			w := b.Param("proj.weight", graph.Shape{4, 3}, []float32{1, 0, 0, 0, 1, 0, 0, 0, 1, 1, 1, 1})
			bias := b.Param("proj.bias", graph.Shape{4}, []float32{0.5, 0.5, 0.5, 0.5})
			y := b.Linear(args[0], w, bias)
			y = b.Cat([]*graph.Value{y, y}, 0)
			parts := b.Chunk(y, 2, 0)
			freqs := b.Literal(graph.Shape{4}, dtype, []float32{1, 2, 3, 4})

			return b.Mul(b.Add(parts[0], freqs), args[1])
		})
	require.NoError(t, err)

	return mod
}

func TestPrint_IsDeterministic(t *testing.T) {
	a, err := String(smallModule(t, graph.Float16), Options{})
	require.NoError(t, err)

	b, err := String(smallModule(t, graph.Float16), Options{})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestPrint_ExternalParameters(t *testing.T) {
	text, err := String(smallModule(t, graph.Float16), Options{ExternalParams: true})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(text, "module @compiled_demo {\n"))
	assert.Contains(t, text, `util.global private @__auto.proj.weight = #stream.parameter.named<"proj.weight"> : tensor<4x3xf16>`)
	assert.Contains(t, text, "func.func @main(%arg0: !torch.vtensor<[1,2,3],f16>, %arg1: !torch.vtensor<[1],f16>) -> !torch.vtensor<[1,2,4],f16> {")
	assert.Contains(t, text, "util.global.load @__auto.proj.bias : tensor<4xf16>")
	assert.Contains(t, text, "torch.prim.ListConstruct")
	assert.Contains(t, text, "torch.vtensor.literal(dense<[1.000000e+00, 2.000000e+00, 3.000000e+00, 4.000000e+00]> : tensor<4xf16>)")
	assert.NotContains(t, text, "dialect_resources")

	assert.Equal(t, []string{"proj.bias", "proj.weight"}, ParameterNames(text))
}

func TestPrint_EmbeddedParameters(t *testing.T) {
	text, err := String(smallModule(t, graph.Float32), Options{})
	require.NoError(t, err)

	assert.Contains(t, text, "util.global private @__auto.proj.bias = dense_resource<__auto.proj.bias> : tensor<4xf32>")
	assert.Contains(t, text, "dialect_resources: {")
	// 4-byte alignment header followed by four little-endian 0.5f values.
	assert.Contains(t, text, `__auto.proj.bias: "0x040000000000003F0000003F0000003F0000003F"`)
	assert.Empty(t, ParameterNames(text))
}

func TestPrint_EveryValueDefinedBeforeUse(t *testing.T) {
	text, err := String(smallModule(t, graph.Float32), Options{ExternalParams: true})
	require.NoError(t, err)

	defined := map[string]bool{"%arg0": true, "%arg1": true}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "%") && !strings.HasPrefix(line, "return") {
			continue
		}

		lhs, rhs, ok := strings.Cut(line, " = ")
		if !ok {
			rhs = line
		}

		for _, tok := range strings.FieldsFunc(rhs, func(r rune) bool { return r == ' ' || r == ',' || r == '(' || r == ')' }) {
			if strings.HasPrefix(tok, "%") {
				assert.True(t, defined[tok], "use of %s before definition in %q", tok, line)
			}
		}

		if ok {
			assert.False(t, defined[lhs], "%s defined twice", lhs)
			defined[lhs] = true
		}
	}
}

func TestGlobals_ParsesScopedAndScalarTypes(t *testing.T) {
	text := strings.Join([]string{
		`  util.global private @__auto.a = #stream.parameter.named<"model"::"a"> : tensor<2x3xf16>`,
		`  util.global private @__auto.b = dense_resource<__auto.b> : tensor<f32>`,
	}, "\n")

	globals, err := Globals(text)
	require.NoError(t, err)
	require.Len(t, globals, 2)

	assert.Equal(t, Global{Symbol: "__auto.a", Name: "a", Shape: []int64{2, 3}, DType: "f16", External: true}, globals[0])
	assert.Equal(t, "f32", globals[1].DType)
	assert.Empty(t, globals[1].Shape)
	assert.False(t, globals[1].External)
}

func TestPrint_RejectsEmptyModule(t *testing.T) {
	_, err := String(&graph.Module{Name: "m"}, Options{})
	require.Error(t, err)
}
