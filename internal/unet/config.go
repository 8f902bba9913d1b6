// Package unet builds the Stable Diffusion UNet2DConditionModel forward pass
// into a graph, plus the classifier-free-guidance wrapper that is exported.
package unet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Block type names as they appear in config.json.
const (
	CrossAttnDownBlock = "CrossAttnDownBlock2D"
	DownBlock          = "DownBlock2D"
	CrossAttnUpBlock   = "CrossAttnUpBlock2D"
	UpBlock            = "UpBlock2D"
	MidBlockCrossAttn  = "UNetMidBlock2DCrossAttn"
)

// LatentScale is the spatial downscale between image and latent space.
const LatentScale = 8

// IntOrList decodes either a JSON integer or a list of integers.
type IntOrList []int64

func (l *IntOrList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}

	if len(data) > 0 && data[0] == '[' {
		var list []int64
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}

		*l = list

		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("want integer or list of integers: %w", err)
	}

	*l = IntOrList{n}

	return nil
}

// expand returns the value per block; a single value is repeated n times.
func (l IntOrList) expand(n int) []int64 {
	if len(l) == 1 {
		out := make([]int64, n)
		for i := range out {
			out[i] = l[0]
		}

		return out
	}

	return append([]int64(nil), l...)
}

// Config is the subset of the diffusers UNet2DConditionModel configuration
// that determines graph structure and parameter shapes.
type Config struct {
	InChannels                int64     `json:"in_channels"`
	OutChannels               int64     `json:"out_channels"`
	FlipSinToCos              bool      `json:"flip_sin_to_cos"`
	FreqShift                 float64   `json:"freq_shift"`
	DownBlockTypes            []string  `json:"down_block_types"`
	MidBlockType              string    `json:"mid_block_type"`
	UpBlockTypes              []string  `json:"up_block_types"`
	BlockOutChannels          []int64   `json:"block_out_channels"`
	LayersPerBlock            int64     `json:"layers_per_block"`
	DownsamplePadding         int64     `json:"downsample_padding"`
	NormNumGroups             int64     `json:"norm_num_groups"`
	NormEps                   float64   `json:"norm_eps"`
	CrossAttentionDim         int64     `json:"cross_attention_dim"`
	TransformerLayersPerBlock IntOrList `json:"transformer_layers_per_block"`
	AttentionHeadDim          IntOrList `json:"attention_head_dim"`
	NumAttentionHeads         IntOrList `json:"num_attention_heads"`
	UseLinearProjection       bool      `json:"use_linear_projection"`
	ClassEmbedType            *string   `json:"class_embed_type"`
	AdditionEmbedType         *string   `json:"addition_embed_type"`
}

// DefaultConfig carries the diffusers defaults for keys a config.json may omit.
func DefaultConfig() Config {
	return Config{
		InChannels:                4,
		OutChannels:               4,
		FlipSinToCos:              true,
		DownBlockTypes:            []string{CrossAttnDownBlock, CrossAttnDownBlock, CrossAttnDownBlock, DownBlock},
		MidBlockType:              MidBlockCrossAttn,
		UpBlockTypes:              []string{UpBlock, CrossAttnUpBlock, CrossAttnUpBlock, CrossAttnUpBlock},
		BlockOutChannels:          []int64{320, 640, 1280, 1280},
		LayersPerBlock:            2,
		DownsamplePadding:         1,
		NormNumGroups:             32,
		NormEps:                   1e-5,
		CrossAttentionDim:         1280,
		TransformerLayersPerBlock: IntOrList{1},
		AttentionHeadDim:          IntOrList{8},
	}
}

// ParseConfig decodes config.json bytes over DefaultConfig and validates.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unet: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unet: read config: %w", err)
	}

	return ParseConfig(data)
}

// Validate rejects configurations the graph builder cannot express.
func (c Config) Validate() error {
	n := len(c.BlockOutChannels)

	switch {
	case n == 0:
		return errors.New("unet: block_out_channels must not be empty")
	case len(c.DownBlockTypes) != n || len(c.UpBlockTypes) != n:
		return fmt.Errorf("unet: %d down and %d up block types for %d block_out_channels",
			len(c.DownBlockTypes), len(c.UpBlockTypes), n)
	case c.InChannels <= 0 || c.OutChannels <= 0:
		return fmt.Errorf("unet: in_channels=%d out_channels=%d must be positive", c.InChannels, c.OutChannels)
	case c.LayersPerBlock <= 0:
		return fmt.Errorf("unet: layers_per_block=%d must be positive", c.LayersPerBlock)
	case c.CrossAttentionDim <= 0:
		return fmt.Errorf("unet: cross_attention_dim=%d must be positive", c.CrossAttentionDim)
	case c.NormNumGroups <= 0:
		return fmt.Errorf("unet: norm_num_groups=%d must be positive", c.NormNumGroups)
	case c.BlockOutChannels[0]%2 != 0:
		return fmt.Errorf("unet: block_out_channels[0]=%d must be even for the time embedding", c.BlockOutChannels[0])
	case c.ClassEmbedType != nil || c.AdditionEmbedType != nil:
		return errors.New("unet: class and addition embeddings are not supported")
	case c.MidBlockType != "" && c.MidBlockType != MidBlockCrossAttn:
		return fmt.Errorf("unet: unsupported mid_block_type %q", c.MidBlockType)
	}

	for i, t := range c.DownBlockTypes {
		if t != CrossAttnDownBlock && t != DownBlock {
			return fmt.Errorf("unet: unsupported down block %d type %q", i, t)
		}
	}

	for i, t := range c.UpBlockTypes {
		if t != CrossAttnUpBlock && t != UpBlock {
			return fmt.Errorf("unet: unsupported up block %d type %q", i, t)
		}
	}

	for i, ch := range c.BlockOutChannels {
		if ch <= 0 || ch%c.NormNumGroups != 0 {
			return fmt.Errorf("unet: block_out_channels[%d]=%d not divisible into %d groups", i, ch, c.NormNumGroups)
		}
	}

	heads := c.heads()
	if len(heads) != n {
		return fmt.Errorf("unet: %d attention head entries for %d blocks", len(heads), n)
	}

	for i, h := range heads {
		if h <= 0 || c.BlockOutChannels[i]%h != 0 {
			return fmt.Errorf("unet: block %d: %d channels not divisible into %d heads", i, c.BlockOutChannels[i], h)
		}
	}

	if layers := c.transformerLayers(); len(layers) != n {
		return fmt.Errorf("unet: %d transformer_layers_per_block entries for %d blocks", len(layers), n)
	}

	return nil
}

// heads is the per-down-block head count. diffusers reads attention_head_dim
// as the head count when num_attention_heads is unset.
func (c Config) heads() []int64 {
	src := c.NumAttentionHeads
	if len(src) == 0 {
		src = c.AttentionHeadDim
	}

	if len(src) == 0 {
		return nil
	}

	return src.expand(len(c.DownBlockTypes))
}

func (c Config) transformerLayers() []int64 {
	if len(c.TransformerLayersPerBlock) == 0 {
		return IntOrList{1}.expand(len(c.DownBlockTypes))
	}

	return c.TransformerLayersPerBlock.expand(len(c.DownBlockTypes))
}

// TimeEmbedDim is the width of the projected timestep embedding.
func (c Config) TimeEmbedDim() int64 { return 4 * c.BlockOutChannels[0] }
