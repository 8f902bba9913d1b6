package unet

import (
	"github.com/example/go-sd-turbine/internal/graph"
)

// Input names of the exported entry point, in argument order.
const (
	InputSample        = "sample"
	InputTimestep      = "timestep"
	InputHiddenStates  = "encoder_hidden_states"
	InputGuidanceScale = "guidance_scale"
)

// Wrapper runs the network once over a doubled batch and blends the
// unconditional and text-conditioned halves with classifier-free guidance.
type Wrapper struct {
	Model *Model
}

func NewWrapper(m *Model) *Wrapper {
	return &Wrapper{Model: m}
}

// Forward returns uncond + guidance * (text - uncond), shaped like sample.
func (w *Wrapper) Forward(b *graph.Builder, sample, timestep, ehs, guidance *graph.Value) *graph.Value {
	samples := b.Cat([]*graph.Value{sample, sample}, 0)
	pred := w.Model.Forward(b, samples, timestep, ehs)

	halves := b.Chunk(pred, 2, 0)
	uncond, text := halves[0], halves[1]

	return b.Add(uncond, b.Mul(guidance, b.Sub(text, uncond)))
}

// Entry adapts Forward to graph.Trace with placeholders from InputShapes.
func (w *Wrapper) Entry() graph.EntryFunc {
	return func(b *graph.Builder, args []*graph.Value) *graph.Value {
		return w.Forward(b, args[0], args[1], args[2], args[3])
	}
}

// InputShapes derives the entry-point placeholders. The encoder hidden
// states batch follows layers_per_block.
func InputShapes(cfg Config, batch, height, width, maxLength int64, dtype graph.DType) []graph.Placeholder {
	return []graph.Placeholder{
		{Name: InputSample, Shape: graph.Shape{batch, cfg.InChannels, height / LatentScale, width / LatentScale}, DType: dtype},
		{Name: InputTimestep, Shape: graph.Shape{1}, DType: dtype},
		{Name: InputHiddenStates, Shape: graph.Shape{cfg.LayersPerBlock, maxLength, cfg.CrossAttentionDim}, DType: dtype},
		{Name: InputGuidanceScale, Shape: graph.Shape{1}, DType: dtype},
	}
}
