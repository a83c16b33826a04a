// Package decompress implements core.DecompressionAdvisor: deciding whether
// a decoded image should be eagerly re-rasterized into a draw-ready pixel
// buffer at load time, to avoid paying that cost on first paint.
package decompress

import (
	"context"
	"image"
	"image/draw"

	"github.com/kean/imagepipe/core"
	apperrors "github.com/kean/imagepipe/errors"
)

// Advisor decompresses image.Image-backed ImageData whose pixel format isn't
// already a fast-path draw.Image (e.g. JPEG's YCbCr, or a paletted PNG),
// above a minimum pixel-area threshold below which the copy isn't worth it.
type Advisor struct {
	// MinPixels is the smallest Width*Height this advisor will bother
	// decompressing; smaller images decode fast enough as-is.
	MinPixels int
}

// New returns an Advisor with the given minimum pixel-area threshold.
func New(minPixels int) *Advisor {
	if minPixels <= 0 {
		minPixels = 200 * 200
	}
	return &Advisor{MinPixels: minPixels}
}

// ShouldDecompress reports whether img's decoded form is worth re-rasterizing.
func (a *Advisor) ShouldDecompress(img *core.ImageData) bool {
	if img == nil || img.Image == nil {
		return false
	}
	src, ok := img.Image.(image.Image)
	if !ok {
		return false // non-stdlib backend (e.g. libvips); it manages its own layout
	}
	if img.Meta.Width*img.Meta.Height < a.MinPixels {
		return false
	}
	switch src.(type) {
	case *image.RGBA, *image.NRGBA:
		return false // already a fast draw.Image
	default:
		return true
	}
}

// Decompress copies img's pixels into an *image.RGBA (or *image.NRGBA if the
// source carries alpha), the format the standard library's draw package and
// most encoders operate on fastest.
func (a *Advisor) Decompress(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, "decompress", err)
	}

	src, ok := img.Image.(image.Image)
	if !ok {
		return img, nil
	}

	bounds := src.Bounds()
	var dst draw.Image
	if img.Meta.HasAlpha {
		dst = image.NewNRGBA(bounds)
	} else {
		dst = image.NewRGBA(bounds)
	}
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	out := *img
	out.Image = dst
	return &out, nil
}
