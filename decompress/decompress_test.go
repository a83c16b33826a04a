package decompress

import (
	"context"
	"image"
	"testing"

	"github.com/kean/imagepipe/core"
)

func TestShouldDecompressSkipsSmallImages(t *testing.T) {
	a := New(1000)
	img := &core.ImageData{
		Image: image.NewYCbCr(image.Rect(0, 0, 10, 10), image.YCbCrSubsampleRatio420),
		Meta:  core.Metadata{Width: 10, Height: 10},
	}
	if a.ShouldDecompress(img) {
		t.Fatal("expected small image to be skipped")
	}
}

func TestShouldDecompressFlagsYCbCr(t *testing.T) {
	a := New(100)
	img := &core.ImageData{
		Image: image.NewYCbCr(image.Rect(0, 0, 50, 50), image.YCbCrSubsampleRatio420),
		Meta:  core.Metadata{Width: 50, Height: 50},
	}
	if !a.ShouldDecompress(img) {
		t.Fatal("expected a large YCbCr image to need decompression")
	}
}

func TestShouldDecompressSkipsAlreadyFastFormats(t *testing.T) {
	a := New(100)
	img := &core.ImageData{
		Image: image.NewRGBA(image.Rect(0, 0, 50, 50)),
		Meta:  core.Metadata{Width: 50, Height: 50},
	}
	if a.ShouldDecompress(img) {
		t.Fatal("expected an already-RGBA image to be skipped")
	}
}

func TestDecompressProducesDrawableRGBA(t *testing.T) {
	a := New(100)
	src := image.NewYCbCr(image.Rect(0, 0, 20, 20), image.YCbCrSubsampleRatio420)
	img := &core.ImageData{
		Image: src,
		Meta:  core.Metadata{Width: 20, Height: 20},
	}

	out, err := a.Decompress(context.Background(), img)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if _, ok := out.Image.(*image.RGBA); !ok {
		t.Fatalf("expected *image.RGBA output, got %T", out.Image)
	}
}
