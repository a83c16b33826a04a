// Package decoder provides format-specific image decoders.
package decoder

import (
	"context"
	"image"
	"image/jpeg"
	"io"

	"github.com/kean/imagepipe/core"
	apperrors "github.com/kean/imagepipe/errors"
)

// JPEG decodes JPEG images using the standard library.
type JPEG struct{}

// NewJPEG returns an initialised JPEG decoder.
func NewJPEG() *JPEG { return &JPEG{} }

func (j *JPEG) CanDecode(format core.Format) bool {
	return format == core.FormatJPEG || format == core.FormatUnknown
}

func (j *JPEG) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "jpeg.decode", err)
	}

	img, err := jpeg.Decode(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "jpeg.decode", err)
	}

	bounds := img.Bounds()
	meta := core.Metadata{
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Format:     core.FormatJPEG,
		ColorSpace: colorSpace(img),
		HasAlpha:   hasAlpha(img),
	}

	return &core.ImageData{
		Image:  img,
		Format: core.FormatJPEG,
		Meta:   meta,
	}, nil
}

// DecodePartial attempts to decode a byte prefix of a JPEG stream into a
// displayable (if incomplete) image, for progressive-scan previews arriving
// over the data loader. image/jpeg has no notion of a partial scan: it either
// decodes the bytes handed to it or fails. A truncated stream most often
// fails with io.ErrUnexpectedEOF (or an io.EOF from the underlying reader
// running dry mid-marker); that case is not an error, just "no displayable
// scan yet". Any other decode error is also treated as not-yet-ready, since a
// byte prefix can land mid-marker in ways the decoder rejects outright.
func (j *JPEG) DecodePartial(ctx context.Context, r io.Reader) (*core.ImageData, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, apperrors.Wrap(apperrors.CategoryDecode, "jpeg.decode_partial", err)
	}

	img, err := jpeg.Decode(r)
	if err != nil {
		return nil, false, nil
	}

	bounds := img.Bounds()
	meta := core.Metadata{
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Format:     core.FormatJPEG,
		ColorSpace: colorSpace(img),
		HasAlpha:   hasAlpha(img),
	}

	return &core.ImageData{
		Image:  img,
		Format: core.FormatJPEG,
		Meta:   meta,
	}, true, nil
}

// colorSpace returns the colour space of an image.Image.
func colorSpace(img image.Image) core.ColorSpace {
	switch img.ColorModel() {
	case nil:
		return core.ColorSpaceRGB
	default:
		switch img.(type) {
		case *image.Gray, *image.Gray16:
			return core.ColorSpaceGray
		case *image.RGBA, *image.NRGBA, *image.RGBA64:
			return core.ColorSpaceRGBA
		case *image.CMYK:
			return core.ColorSpaceCMYK
		}
	}
	return core.ColorSpaceRGB
}

func hasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
		return true
	}
	return false
}