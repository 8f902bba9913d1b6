// Package export captures the guided UNet into an MLIR module and runs the
// optional lowering, compile, weight externalization and upload steps.
package export

import (
	"fmt"
	"path"
	"strings"

	"github.com/example/go-sd-turbine/internal/graph"
	"github.com/example/go-sd-turbine/internal/iree"
)

// Stage is how far the exported module is taken.
type Stage string

const (
	StageTorch  Stage = "torch"
	StageLinalg Stage = "linalg"
	StageVMFB   Stage = "vmfb"
)

// FormatSafetensors is the only supported external weight format.
const FormatSafetensors = "safetensors"

// ModuleName is the symbol of the exported module.
const ModuleName = "compiled_unet"

// EntryPoint is the exported function name.
const EntryPoint = "main"

// Options describe one export.
type Options struct {
	ModelName          string
	BatchSize          int64
	Height             int64
	Width              int64
	Precision          string
	MaxLength          int64
	CompileTo          Stage
	ExternalWeights    string
	ExternalWeightPath string
	DecomposeAttention bool
	Upload             bool
	OutDir             string
	Compile            iree.CompileOptions
	// KeepModule returns the module text in Result.Module. Otherwise it is
	// streamed to disk and only held in memory for the linalg stage.
	KeepModule bool
}

// Validate checks Options before any capture work starts.
func (o Options) Validate() error {
	switch o.CompileTo {
	case StageTorch, StageLinalg, StageVMFB:
	default:
		return fmt.Errorf("export: unknown compile stage %q (want torch, linalg or vmfb)", o.CompileTo)
	}

	if o.ExternalWeights != "" && o.ExternalWeights != FormatSafetensors {
		return fmt.Errorf("export: unsupported external weight format %q", o.ExternalWeights)
	}

	if o.BatchSize <= 0 || o.MaxLength <= 0 {
		return fmt.Errorf("export: batch size %d and max length %d must be positive", o.BatchSize, o.MaxLength)
	}

	if o.Height < 8 || o.Width < 8 {
		return fmt.Errorf("export: %dx%d image is smaller than one latent pixel", o.Width, o.Height)
	}

	if strings.TrimSpace(o.ModelName) == "" {
		return fmt.Errorf("export: model name is required")
	}

	return nil
}

// DType maps the precision flag to a graph dtype. Anything but fp16 is f32.
func DType(precision string) graph.DType {
	if precision == "fp16" {
		return graph.Float16
	}

	return graph.Float32
}

// DecompositionPolicy returns a new policy: the defaults plus, when
// decomposeAttention is set, both flash-attention entries.
func DecompositionPolicy(decomposeAttention bool) graph.Policy {
	p := graph.DefaultDecompositions()
	if decomposeAttention {
		p = p.With(graph.OpFlashAttentionCPU, graph.OpFlashAttention)
	}

	return p
}

// SafeName derives the artifact base name: last path segment of the model id
// plus suffix, with "-" replaced by "_".
func SafeName(model, suffix string) string {
	return strings.ReplaceAll(path.Base(strings.TrimRight(model, "/"))+suffix, "-", "_")
}
