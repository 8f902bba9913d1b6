package unet

import (
	"fmt"

	"github.com/gomlx/exceptions"

	"github.com/example/go-sd-turbine/internal/graph"
)

// Forward builds the denoising network on b: sample (N, C, H, W), timestep
// (1), encoder hidden states (N', S, cross_attention_dim). The result has the
// shape of sample.
func (m *Model) Forward(b *graph.Builder, sample, timestep, ehs *graph.Value) *graph.Value {
	cfg := m.Config
	if sample.Rank() != 4 || sample.Dim(1) != cfg.InChannels {
		exceptions.Panicf("unet: sample %s does not have %d input channels", sample.Shape(), cfg.InChannels)
	}

	if ehs.Rank() != 3 || ehs.Dim(-1) != cfg.CrossAttentionDim {
		exceptions.Panicf("unet: encoder_hidden_states %s does not end in cross_attention_dim %d", ehs.Shape(), cfg.CrossAttentionDim)
	}

	n := &net{cfg: cfg, src: m.Weights, b: b}
	heads := cfg.heads()
	layers := cfg.transformerLayers()
	last := len(cfg.BlockOutChannels) - 1

	temb := n.timeEmbedding(timestep, sample.Dim(0))

	h := n.conv("conv_in", sample, cfg.InChannels, cfg.BlockOutChannels[0], 3, 1, 1)
	skips := []*graph.Value{h}

	in := cfg.BlockOutChannels[0]
	for i, kind := range cfg.DownBlockTypes {
		out := cfg.BlockOutChannels[i]
		prefix := fmt.Sprintf("down_blocks.%d", i)

		for j := range cfg.LayersPerBlock {
			resIn := out
			if j == 0 {
				resIn = in
			}

			h = n.resnet(fmt.Sprintf("%s.resnets.%d", prefix, j), h, temb, resIn, out)
			if kind == CrossAttnDownBlock {
				h = n.transformer(fmt.Sprintf("%s.attentions.%d", prefix, j), h, ehs, heads[i], layers[i])
			}

			skips = append(skips, h)
		}

		if i != last {
			h = n.conv(prefix+".downsamplers.0.conv", h, out, out, 3, 2, cfg.DownsamplePadding)
			skips = append(skips, h)
		}

		in = out
	}

	mid := cfg.BlockOutChannels[last]
	h = n.resnet("mid_block.resnets.0", h, temb, mid, mid)
	h = n.transformer("mid_block.attentions.0", h, ehs, heads[last], layers[last])
	h = n.resnet("mid_block.resnets.1", h, temb, mid, mid)

	reversed := make([]int64, len(cfg.BlockOutChannels))
	for i, c := range cfg.BlockOutChannels {
		reversed[last-i] = c
	}

	out := reversed[0]
	for i, kind := range cfg.UpBlockTypes {
		prev := out
		out = reversed[i]
		input := reversed[min(i+1, last)]
		prefix := fmt.Sprintf("up_blocks.%d", i)
		numLayers := cfg.LayersPerBlock + 1

		for j := range numLayers {
			skip := skips[len(skips)-1]
			skips = skips[:len(skips)-1]

			resIn := out
			if j == 0 {
				resIn = prev
			}

			skipCh := out
			if j == numLayers-1 {
				skipCh = input
			}

			if skip.Dim(1) != skipCh {
				exceptions.Panicf("unet: %s layer %d expects a %d-channel skip, got %s", prefix, j, skipCh, skip.Shape())
			}

			h = b.Cat([]*graph.Value{h, skip}, 1)
			h = n.resnet(fmt.Sprintf("%s.resnets.%d", prefix, j), h, temb, resIn+skipCh, out)

			if kind == CrossAttnUpBlock {
				h = n.transformer(fmt.Sprintf("%s.attentions.%d", prefix, j), h, ehs, heads[last-i], layers[last-i])
			}
		}

		if i != last {
			// Latents not divisible by the total downsampling factor round up
			// on the way down, so the next skip decides the upsampled size.
			next := skips[len(skips)-1]
			up := b.UpsampleNearest2dTo(h, next.Dim(2), next.Dim(3))
			h = n.conv(prefix+".upsamplers.0.conv", up, out, out, 3, 1, 1)
		}
	}

	h = b.Silu(n.groupNorm("conv_norm_out", h, cfg.NormEps))

	return n.conv("conv_out", h, cfg.BlockOutChannels[0], cfg.OutChannels, 3, 1, 1)
}
