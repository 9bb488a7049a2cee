package classifier

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/safetensors"
)

// ReviewThreshold is the confidence below which callers should route a
// result to manual review instead of trusting the category.
const ReviewThreshold = 0.7

// tensorNameSample caps how many tensor names, in declared order, the tensor
// tier inspects.
const tensorNameSample = 10

const bytesPerMB = 1024 * 1024

type Result struct {
	Category   Category
	Confidence float64
	Reason     string
}

func (r Result) NeedsReview() bool {
	return r.Confidence < ReviewThreshold
}

// The rule tables below are ordered slices: match precedence is positional
// and must not be reordered.

var metadataKeys = []string{"modelspec.architecture", "modelspec.title"}

var metadataRules = []struct {
	indicator string
	category  Category
	display   string
}{
	{"lora", Loras, "LoRA"},
	{"vae", Vae, "VAE"},
	{"controlnet", Controlnet, "ControlNet"},
	{"upscale", UpscaleModels, "upscaler"},
	{"esrgan", UpscaleModels, "ESRGAN"},
	{"unet", Checkpoints, "UNet"},
	{"checkpoint", Checkpoints, "checkpoint"},
	{"sd", Checkpoints, "SD"},
}

var tensorRules = []struct {
	category   Category
	display    string
	patterns   []string
	confidence float64
	// maxTensors gates the rule on the artifact's total tensor count, 0
	// meaning ungated. CLIP towers are small; large models hit "embeddings"
	// style names too.
	maxTensors int
}{
	{Vae, "VAE", []string{"encoder.", "decoder.", "quant_conv", "post_quant_conv"}, 0.9, 0},
	{Loras, "LoRA", []string{"lora_unet", "lora_te", ".lora_up.", ".lora_down.", ".alpha"}, 0.9, 0},
	{Checkpoints, "checkpoint", []string{"model.diffusion_model", "cond_stage_model", "first_stage_model"}, 0.9, 0},
	{Controlnet, "ControlNet", []string{"control_model"}, 0.9, 0},
	{Clip, "CLIP", []string{"text_model", "embeddings"}, 0.8, 100},
}

var filenameRules = []struct {
	category   Category
	confidence float64
	indicators []string
	reason     string
}{
	{Vae, 0.8, []string{"vae"}, `filename contains "vae"`},
	{Loras, 0.8, []string{"lora"}, `filename contains "lora"`},
	{Controlnet, 0.8, []string{"controlnet", "control_"}, "filename contains controlnet indicator"},
	{UpscaleModels, 0.8, []string{"upscale", "esrgan", "realesrgan"}, "filename contains upscale indicator"},
	{Embeddings, 0.8, []string{"embedding", "textual_inversion"}, "filename contains embedding indicator"},
	{Clip, 0.7, []string{"clip"}, `filename contains "clip"`},
}

// Classify runs the detection cascade over the supplied signals. The tiers
// are strictly prioritized: header metadata, then tensor names, then
// filename, then file size. The first tier with a matching rule decides;
// the size tier always matches, so a Result is always produced.
func Classify(metadata map[string]string, tensorNames []string, filename string, size int64) Result {
	if result, ok := classifyMetadata(metadata); ok {
		return result
	}
	if result, ok := classifyTensorNames(tensorNames); ok {
		return result
	}
	if result, ok := classifyFilename(filename); ok {
		return result
	}
	return classifySize(size)
}

// ClassifyReader classifies an artifact supplied as a stream of the given
// total size. The reader is consumed only as far as the safetensors header;
// a malformed or absent header degrades the cascade to the filename and
// size tiers.
func ClassifyReader(r io.Reader, filename string, size int64) Result {
	if strings.HasSuffix(filename, ".safetensors") {
		header, err := safetensors.Parse(r, size)
		if err != nil {
			slog.Warn("could not read safetensors header, using filename and size tiers", "filename", filename, "error", err)
		} else {
			return Classify(header.Metadata, header.TensorNames, filename, size)
		}
	}
	return Classify(nil, nil, filename, size)
}

// ClassifyFile classifies the artifact staged at path. filename is the
// declared artifact name (the staged path may be anonymized).
func ClassifyFile(path, filename string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stating artifact %s: %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening artifact %s: %w", path, err)
	}
	defer file.Close()

	return ClassifyReader(file, filename, info.Size()), nil
}

func classifyMetadata(metadata map[string]string) (Result, bool) {
	for _, key := range metadataKeys {
		value, ok := metadata[key]
		if !ok || value == "" {
			continue
		}
		lower := strings.ToLower(value)
		for _, rule := range metadataRules {
			if strings.Contains(lower, rule.indicator) {
				field := strings.TrimPrefix(key, "modelspec.")
				return Result{
					Category:   rule.category,
					Confidence: 0.95,
					Reason:     fmt.Sprintf("metadata %s contains %s", field, rule.display),
				}, true
			}
		}
	}
	return Result{}, false
}

func classifyTensorNames(tensorNames []string) (Result, bool) {
	sample := tensorNames
	if len(sample) > tensorNameSample {
		sample = sample[:tensorNameSample]
	}

	for _, rule := range tensorRules {
		if rule.maxTensors > 0 && len(tensorNames) >= rule.maxTensors {
			continue
		}
		for _, name := range sample {
			for _, pattern := range rule.patterns {
				if strings.Contains(name, pattern) {
					return Result{
						Category:   rule.category,
						Confidence: rule.confidence,
						Reason:     fmt.Sprintf("tensor names match %s patterns", rule.display),
					}, true
				}
			}
		}
	}
	return Result{}, false
}

func classifyFilename(filename string) (Result, bool) {
	lower := strings.ToLower(filename)
	for _, rule := range filenameRules {
		for _, indicator := range rule.indicators {
			if strings.Contains(lower, indicator) {
				return Result{Category: rule.category, Confidence: rule.confidence, Reason: rule.reason}, true
			}
		}
	}
	return Result{}, false
}

func classifySize(size int64) Result {
	sizeMB := float64(size) / bytesPerMB
	switch {
	case sizeMB < 10:
		return Result{Category: Unknown, Confidence: 0.3, Reason: fmt.Sprintf("small file (%.0fMB) - unclear type", sizeMB)}
	case sizeMB < 500:
		return Result{Category: Unknown, Confidence: 0.4, Reason: fmt.Sprintf("medium file (%.0fMB) - could be LoRA or VAE", sizeMB)}
	case sizeMB < 3000:
		return Result{Category: Unknown, Confidence: 0.5, Reason: fmt.Sprintf("large file (%.0fMB) - could be checkpoint", sizeMB)}
	default:
		return Result{Category: Checkpoints, Confidence: 0.6, Reason: fmt.Sprintf("very large file (%.0fMB) - likely checkpoint", sizeMB)}
	}
}
