package vips_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	imagepipe "github.com/kean/imagepipe"
	"github.com/kean/imagepipe/adapters/vips"
	"github.com/kean/imagepipe/core"
	"github.com/kean/imagepipe/pipeline"
	"github.com/kean/imagepipe/utils"
)

func makeJPEG(b *testing.B, w, h int) []byte {
	b.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92})
	return buf.Bytes()
}

func rawImageData(raw []byte) *core.ImageData {
	return &core.ImageData{
		Data:         raw,
		Format:       core.Format(utils.DetectFormat(raw)),
		OriginalSize: int64(len(raw)),
	}
}

// run decodes raw and runs steps through a pipeline.Pipeline, the same
// machinery the async Pipeline's process() stage reuses.
func run(ctx context.Context, reg core.Registry, raw []byte, steps ...core.Step) error {
	all := append([]core.Step{&pipeline.DecodeStep{Registry: reg}}, steps...)
	_, _, err := pipeline.New().Use(all...).Run(ctx, rawImageData(raw))
	return err
}

func newVipsRegistry(b *testing.B) (core.Registry, *vips.Backend) {
	b.Helper()
	reg := imagepipe.DefaultRegistry(imagepipe.DefaultConfig())
	backend := vips.NewBackend(vips.BackendConfig{DefaultQuality: 85})
	vips.RegisterVipsBackend(reg, backend)
	return reg, backend
}

func newStdlibRegistry(b *testing.B) core.Registry {
	b.Helper()
	return imagepipe.DefaultRegistry(imagepipe.DefaultConfig())
}

// ─── Decode ───────────────────────────────────────────────────────────────────

func BenchmarkDecode_Stdlib_1920x1080(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	reg := newStdlibRegistry(b)

	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecode_Vips_1920x1080(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	reg, backend := newVipsRegistry(b)
	defer backend.Shutdown()

	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw); err != nil {
			b.Fatal(err)
		}
	}
}

// ─── Resize ───────────────────────────────────────────────────────────────────

func BenchmarkResize_Stdlib_1920to960(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	reg := newStdlibRegistry(b)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw,
			imagepipe.Resize(960, 0),
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 85}),
		); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkResize_Vips_1920to960(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	reg, backend := newVipsRegistry(b)
	defer backend.Shutdown()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw,
			&vips.VipsResizeStep{Width: 960},
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 85}),
		); err != nil {
			b.Fatal(err)
		}
	}
}

// ─── Thumbnail ────────────────────────────────────────────────────────────────

func BenchmarkThumbnail_Stdlib_4K(b *testing.B) {
	raw := makeJPEG(b, 3840, 2160)
	reg := newStdlibRegistry(b)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw,
			imagepipe.Thumbnail(256),
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 75}),
		); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkThumbnail_Vips_4K(b *testing.B) {
	raw := makeJPEG(b, 3840, 2160)
	reg, backend := newVipsRegistry(b)
	defer backend.Shutdown()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw,
			&vips.VipsThumbnailStep{Size: 256},
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 75}),
		); err != nil {
			b.Fatal(err)
		}
	}
}

// ─── WebP encode ──────────────────────────────────────────────────────────────

func BenchmarkEncodeWebP_Stdlib(b *testing.B) {
	raw := makeJPEG(b, 800, 600)
	reg := newStdlibRegistry(b)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw,
			imagepipe.ConvertFormat(imagepipe.WebP),
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
		); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeWebP_Vips(b *testing.B) {
	raw := makeJPEG(b, 800, 600)
	reg, backend := newVipsRegistry(b)
	defer backend.Shutdown()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw,
			imagepipe.ConvertFormat(imagepipe.WebP),
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
		); err != nil {
			b.Fatal(err)
		}
	}
}

// ─── Full pipeline ────────────────────────────────────────────────────────────

func BenchmarkPipeline_Stdlib(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	reg := newStdlibRegistry(b)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw,
			imagepipe.Resize(960, 0),
			imagepipe.StripEXIF(),
			imagepipe.ConvertFormat(imagepipe.WebP),
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
		); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPipeline_Vips(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	reg, backend := newVipsRegistry(b)
	defer backend.Shutdown()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := run(context.Background(), reg, raw,
			&vips.VipsResizeStep{Width: 960},
			&vips.VipsStripEXIFStep{},
			imagepipe.ConvertFormat(imagepipe.WebP),
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
		); err != nil {
			b.Fatal(err)
		}
	}
}
