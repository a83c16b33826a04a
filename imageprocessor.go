package imagepipe

import (
	"github.com/kean/imagepipe/adapters/decoder"
	"github.com/kean/imagepipe/adapters/encoder"
	"github.com/kean/imagepipe/config"
	"github.com/kean/imagepipe/core"
	"github.com/kean/imagepipe/pipeline"
)

// Re-export Format constants for convenience.
const (
	JPEG = core.FormatJPEG
	PNG  = core.FormatPNG
	WebP = core.FormatWebP
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// DefaultRegistry builds a core.Registry with the built-in JPEG, PNG, and
// WebP codecs registered, using cfg's default encode quality. Pipeline's
// callers (cmd/imagepipe-demo, tests) use this instead of hand-rolling the
// same registration calls for every new Pipeline.
func DefaultRegistry(cfg config.Config) core.Registry {
	reg := core.NewRegistry()
	reg.RegisterDecoder(core.FormatJPEG, decoder.NewJPEG())
	reg.RegisterDecoder(core.FormatPNG, decoder.NewPNG())
	reg.RegisterDecoder(core.FormatWebP, decoder.NewWebP())
	reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(cfg.DefaultQuality))
	reg.RegisterEncoder(core.FormatPNG, encoder.NewPNG())
	reg.RegisterEncoder(core.FormatWebP, encoder.NewWebP(cfg.DefaultQuality))
	return reg
}

// ── Step constructors ─────────────────────────────────────────────────────────

// Decode returns a step that decodes img.Data → img.Image using whatever
// registry the step is later bound to. Prefer DecodeWith to bind one
// explicitly.
func Decode() core.Step { return &pipeline.DecodeStep{} }

// DecodeWith returns a decode step bound to the given registry.
func DecodeWith(reg core.Registry) core.Step { return &pipeline.DecodeStep{Registry: reg} }

// Resize returns a resize step.  Pass 0 for one axis to preserve aspect ratio.
func Resize(width, height int) core.Step { return &pipeline.ResizeStep{Width: width, Height: height} }

// Crop returns a crop step.
func Crop(x, y, width, height int) core.Step {
	return &pipeline.CropStep{X: x, Y: y, Width: width, Height: height}
}

// Thumbnail returns a square thumbnail step.
func Thumbnail(size int) core.Step { return &pipeline.ThumbnailStep{Size: size} }

// Quality stores the desired encode quality (1-100) for the next Encode step.
func Quality(q int) core.Step { return &pipeline.QualityStep{Quality: q} }

// ConvertFormat instructs subsequent steps to use the given output format.
func ConvertFormat(f core.Format) core.Step { return &pipeline.FormatStep{Format: f} }

// StripEXIF returns a step that removes EXIF metadata.
func StripEXIF() core.Step { return &pipeline.StripEXIFStep{} }

// Grayscale returns a step that converts the image to grayscale.
func Grayscale() core.Step { return &pipeline.GrayscaleStep{} }

// EncodeWith returns an encode step bound to the given registry and options.
func EncodeWith(reg core.Registry, opts core.EncodeOptions) core.Step {
	return &pipeline.EncodeStep{Registry: reg, BaseOptions: opts}
}

// Encode returns an encode step with default options. Prefer EncodeWith to
// bind a registry explicitly.
func Encode() core.Step { return &pipeline.EncodeStep{} }

// AdaptiveCompress returns a step that iteratively reduces quality to hit a
// target size in bytes.
func AdaptiveCompress(reg core.Registry, targetBytes int64, minQ, maxQ int) core.Step {
	return &pipeline.AdaptiveCompressStep{
		Registry:        reg,
		TargetSizeBytes: targetBytes,
		MinQuality:      minQ,
		MaxQuality:      maxQ,
		StepSize:        5,
	}
}