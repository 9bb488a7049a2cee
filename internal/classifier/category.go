package classifier

import (
	"fmt"
	"strings"
)

// Category is the functional role of a model artifact, named after the
// ComfyUI models/ subdirectory it belongs in.
type Category string

const (
	Checkpoints   Category = "checkpoints"
	Loras         Category = "loras"
	Vae           Category = "vae"
	Controlnet    Category = "controlnet"
	Embeddings    Category = "embeddings"
	Clip          Category = "clip"
	UpscaleModels Category = "upscale_models"
	Unknown       Category = "unknown"
)

var Categories = []Category{
	Checkpoints, Loras, Vae, Controlnet, Embeddings, Clip, UpscaleModels, Unknown,
}

func ParseCategory(s string) (Category, error) {
	category := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range Categories {
		if category == c {
			return c, nil
		}
	}
	return Unknown, fmt.Errorf("unknown model category %q", s)
}

// Folder is the directory name under the models root for this category.
func (c Category) Folder() string {
	return string(c)
}
