package unet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/go-sd-turbine/internal/safetensors"
)

// ParamPrefix scopes every parameter name the way the exported wrapper
// module owns the network as its "unet" attribute.
const ParamPrefix = "unet."

// WeightSource returns a tensor by checkpoint name, failing when the stored
// shape differs from want. *safetensors.Store satisfies it.
type WeightSource interface {
	TensorWithShape(name string, want []int64) (*safetensors.Tensor, error)
}

// Model is a loaded network: its configuration plus the weights to bind.
type Model struct {
	Config  Config
	Weights WeightSource

	close func()
}

// NewModel validates cfg and pairs it with src.
func NewModel(cfg Config, src WeightSource) (*Model, error) {
	if src == nil {
		return nil, fmt.Errorf("unet: weight source is nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Model{Config: cfg, Weights: src}, nil
}

// WeightsFile is the checkpoint file name for variant ("" or "fp16").
func WeightsFile(variant string) string {
	if variant == "" {
		return "diffusion_pytorch_model.safetensors"
	}

	return "diffusion_pytorch_model." + variant + ".safetensors"
}

// WeightsPath is the checkpoint Load opens from dir: the variant file when it
// exists, the plain checkpoint otherwise.
func WeightsPath(dir, variant string) string {
	path := filepath.Join(dir, "unet", WeightsFile(variant))
	if _, err := os.Stat(path); err != nil && variant != "" {
		return filepath.Join(dir, "unet", WeightsFile(""))
	}

	return path
}

// Load opens <dir>/unet/config.json and the matching checkpoint. When the
// variant file is missing the plain checkpoint is used instead.
func Load(dir, variant string) (*Model, error) {
	unetDir := filepath.Join(dir, "unet")

	cfg, err := LoadConfig(filepath.Join(unetDir, "config.json"))
	if err != nil {
		return nil, err
	}

	store, err := safetensors.OpenStore(WeightsPath(dir, variant))
	if err != nil {
		return nil, fmt.Errorf("unet: open weights: %w", err)
	}

	m, err := NewModel(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	m.close = store.Close

	return m, nil
}

// Close releases the weight store opened by Load.
func (m *Model) Close() {
	if m.close != nil {
		m.close()
		m.close = nil
	}
}
