package export

import (
	"fmt"

	"github.com/example/go-sd-turbine/internal/graph"
	"github.com/example/go-sd-turbine/internal/safetensors"
)

// WeightMap maps external parameter names to their tensors.
type WeightMap map[string]*graph.Parameter

// names returns the keys in parameter registration order.
func (m WeightMap) names(params []*graph.Parameter) []string {
	out := make([]string, 0, len(m))
	for _, p := range params {
		if _, ok := m[p.Name]; ok {
			out = append(out, p.Name)
		}
	}

	return out
}

// ExternalizeWeights builds the name mapping for format and, when path is
// set, writes the parameters to a safetensors file. An empty format keeps
// parameters embedded and returns a nil map.
func ExternalizeWeights(params []*graph.Parameter, format, path string) (WeightMap, error) {
	switch format {
	case "":
		return nil, nil
	case FormatSafetensors:
	default:
		return nil, fmt.Errorf("export: unsupported external weight format %q", format)
	}

	mapping := make(WeightMap, len(params))
	for _, p := range params {
		mapping[p.Name] = p
	}

	if path == "" {
		return mapping, nil
	}

	dtype := safetensors.DTypeF32
	tensors := make([]safetensors.Tensor, 0, len(params))

	for _, name := range mapping.names(params) {
		p := mapping[name]
		if p.DType == graph.Float16 {
			dtype = safetensors.DTypeF16
		}

		tensors = append(tensors, safetensors.Tensor{Name: name, Shape: p.Shape, Data: p.Data})
	}

	err := safetensors.WriteFile(path, tensors, safetensors.EncodeOptions{
		DType:    dtype,
		Metadata: map[string]string{"format": "pt"},
	})
	if err != nil {
		return nil, fmt.Errorf("export: write external weights: %w", err)
	}

	return mapping, nil
}
