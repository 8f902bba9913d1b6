package model

import (
	"fmt"
	"strings"
)

// DefaultRevision is used when no revision is pinned.
const DefaultRevision = "main"

type Manifest struct {
	Repo  string      `json:"repo"`
	Files []ModelFile `json:"files"`
}

type ModelFile struct {
	Filename string `json:"filename"`
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
	// Fallback is fetched instead when Filename does not exist upstream.
	Fallback string `json:"fallback,omitempty"`
}

// UNetManifest lists the files needed to build the UNet of a diffusers
// repository: its config and the safetensors checkpoint for variant.
func UNetManifest(repo, revision, variant string) (Manifest, error) {
	repo = strings.Trim(strings.TrimSpace(repo), "/")
	if repo == "" || !strings.Contains(repo, "/") {
		return Manifest{}, fmt.Errorf("model id %q must look like <org>/<name>", repo)
	}

	if revision == "" {
		revision = DefaultRevision
	}

	weights := ModelFile{Filename: "unet/diffusion_pytorch_model.safetensors", Revision: revision}
	if variant != "" {
		weights = ModelFile{
			Filename: "unet/diffusion_pytorch_model." + variant + ".safetensors",
			Revision: revision,
			Fallback: weights.Filename,
		}
	}

	return Manifest{
		Repo: repo,
		Files: []ModelFile{
			{Filename: "unet/config.json", Revision: revision},
			weights,
		},
	}, nil
}
