package imagepipe_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	imagepipe "github.com/kean/imagepipe"
	"github.com/kean/imagepipe/config"
	"github.com/kean/imagepipe/core"
	"github.com/kean/imagepipe/hooks"
	"github.com/kean/imagepipe/pipeline"
	"github.com/kean/imagepipe/utils"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func newRedJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 50, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newRedPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 50, G: 50, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

// newRegistryForTest returns a registry with the built-in codecs, the same
// one imagepipe.DefaultRegistry builds for the async Pipeline.
func newRegistryForTest() core.Registry {
	return imagepipe.DefaultRegistry(config.Default())
}

// rawImageData builds the pre-decode ImageData a data loader would hand to
// the decode stage: raw bytes plus a sniffed format, nothing else.
func rawImageData(raw []byte) *core.ImageData {
	return &core.ImageData{
		Data:         raw,
		Format:       core.Format(utils.DetectFormat(raw)),
		OriginalSize: int64(len(raw)),
	}
}

// runSteps decodes raw using reg and then runs steps through a
// pipeline.Pipeline, exercising the same Pipeline.Run/runStep machinery the
// async Pipeline's process() stage uses.
func runSteps(ctx context.Context, reg core.Registry, raw []byte, steps ...core.Step) (*core.ImageData, error) {
	all := append([]core.Step{&pipeline.DecodeStep{Registry: reg}}, steps...)
	out, _, err := pipeline.New().Use(all...).Run(ctx, rawImageData(raw))
	return out, err
}

// ── Unit tests ────────────────────────────────────────────────────────────────

func TestProcess_JPEG_Resize(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedJPEG(t, 800, 600)

	got, err := runSteps(context.Background(), reg, raw,
		imagepipe.Resize(400, 0),
		imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
	)
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	if got.Meta.Width != 400 {
		t.Errorf("width: got %d, want 400", got.Meta.Width)
	}
	// Aspect ratio: 800x600 → 400x300
	if got.Meta.Height != 300 {
		t.Errorf("height: got %d, want 300", got.Meta.Height)
	}
	if len(got.Data) == 0 {
		t.Error("encoded data is empty")
	}
}

func TestProcess_PNG_Decode(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedPNG(t, 100, 100)

	got, err := runSteps(context.Background(), reg, raw)
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	if got.Meta.Format != core.FormatPNG {
		t.Errorf("format: got %s, want png", got.Meta.Format)
	}
}

func TestProcess_FormatConversion_JPEG_to_PNG(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedJPEG(t, 200, 200)

	got, err := runSteps(context.Background(), reg, raw,
		imagepipe.ConvertFormat(imagepipe.PNG),
		imagepipe.EncodeWith(reg, core.EncodeOptions{}),
	)
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	if got.Format != core.FormatPNG {
		t.Errorf("output format: got %s, want png", got.Format)
	}
}

func TestProcess_Thumbnail(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedJPEG(t, 800, 400) // wide landscape

	got, err := runSteps(context.Background(), reg, raw,
		imagepipe.Thumbnail(100),
		imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
	)
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	if got.Meta.Width != 100 || got.Meta.Height != 100 {
		t.Errorf("thumbnail dimensions: %dx%d, want 100x100", got.Meta.Width, got.Meta.Height)
	}
}

func TestProcess_StripEXIF(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedJPEG(t, 100, 100)

	got, err := runSteps(context.Background(), reg, raw, imagepipe.StripEXIF())
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	if got.Meta.EXIF != nil {
		t.Error("EXIF not stripped")
	}
}

func TestProcess_Grayscale(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedJPEG(t, 50, 50)

	got, err := runSteps(context.Background(), reg, raw, imagepipe.Grayscale())
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	if got.Meta.ColorSpace != core.ColorSpaceGray {
		t.Errorf("color space: got %s, want gray", got.Meta.ColorSpace)
	}
}

func TestProcess_ContextCancel(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedJPEG(t, 100, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := runSteps(ctx, reg, raw)
	if err == nil {
		t.Error("expected context cancellation error, got nil")
	}
}

// ── Table-driven tests ────────────────────────────────────────────────────────

func TestScaleDimensions(t *testing.T) {
	tests := []struct {
		srcW, srcH, targetW, targetH int
		wantW, wantH                 int
	}{
		{800, 600, 400, 0, 400, 300},
		{800, 600, 0, 300, 400, 300},
		{800, 600, 200, 200, 200, 200},
		{800, 600, 0, 0, 800, 600},
	}
	for _, tc := range tests {
		gotW, gotH := utils.ScaleDimensions(tc.srcW, tc.srcH, tc.targetW, tc.targetH)
		if gotW != tc.wantW || gotH != tc.wantH {
			t.Errorf("ScaleDimensions(%d,%d,%d,%d) = %d,%d; want %d,%d",
				tc.srcW, tc.srcH, tc.targetW, tc.targetH, gotW, gotH, tc.wantW, tc.wantH)
		}
	}
}

// ── Concurrency test ──────────────────────────────────────────────────────────

func TestProcess_ConcurrentSafety(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedJPEG(t, 200, 200)

	const goroutines = 20
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = runSteps(context.Background(), reg, raw,
				imagepipe.Resize(100, 0),
				imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
			)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
}

// ── Hooks / metrics test ──────────────────────────────────────────────────────

func TestMetricsHook(t *testing.T) {
	reg := newRegistryForTest()
	m := hooks.NewInMemoryMetrics()

	raw := newRedJPEG(t, 100, 100)
	all := []core.Step{&pipeline.DecodeStep{Registry: reg}, imagepipe.Resize(50, 0)}
	pl := pipeline.New().Use(all...).AddHook(hooks.NewMetricsHook(m))
	_, _, err := pl.Run(context.Background(), rawImageData(raw))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := m.Snapshot()
	if snap.StepCalls["resize"] == 0 {
		t.Error("resize step was not recorded in metrics")
	}
}

// ── Custom step test ──────────────────────────────────────────────────────────

// brightenStep is a custom pipeline step for testing extensibility.
type brightenStep struct{ delta uint8 }

func (b *brightenStep) Name() string { return "brighten" }
func (b *brightenStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, ok := img.Image.(image.Image)
	if !ok {
		return img, nil
	}
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, bv, a := src.At(x, y).RGBA()
			dst.SetRGBA(x, y, color.RGBA{
				R: clampAdd(uint8(r>>8), b.delta),
				G: clampAdd(uint8(g>>8), b.delta),
				B: clampAdd(uint8(bv>>8), b.delta),
				A: uint8(a >> 8),
			})
		}
	}
	out := *img
	out.Image = dst
	return &out, nil
}

func clampAdd(a, b uint8) uint8 {
	if int(a)+int(b) > 255 {
		return 255
	}
	return a + b
}

func TestCustomStep(t *testing.T) {
	reg := newRegistryForTest()
	raw := newRedJPEG(t, 50, 50)

	_, err := runSteps(context.Background(), reg, raw,
		&brightenStep{delta: 10},
		imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
	)
	if err != nil {
		t.Fatalf("runSteps with custom step: %v", err)
	}
}

// ── Config validation test ────────────────────────────────────────────────────

func TestConfigValidation(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultQuality = 0 // invalid
	if err := config.Validate(cfg); err == nil {
		t.Error("expected validation error for quality=0")
	}
}

// ── Benchmarks ────────────────────────────────────────────────────────────────

func BenchmarkProcess_Resize_JPEG(b *testing.B) {
	reg := imagepipe.DefaultRegistry(imagepipe.DefaultConfig())
	raw := makeRedJPEGBench(b, 1920, 1080)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := runSteps(context.Background(), reg, raw,
			imagepipe.Resize(960, 0),
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 85}),
		)
		if err != nil {
			b.Fatalf("runSteps: %v", err)
		}
	}
}

func BenchmarkProcess_Thumbnail(b *testing.B) {
	reg := imagepipe.DefaultRegistry(imagepipe.DefaultConfig())
	raw := makeRedJPEGBench(b, 1024, 768)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := runSteps(context.Background(), reg, raw,
			imagepipe.Thumbnail(150),
			imagepipe.EncodeWith(reg, core.EncodeOptions{Quality: 80}),
		)
		if err != nil {
			b.Fatalf("runSteps: %v", err)
		}
	}
}

func BenchmarkBatch_Parallel(b *testing.B) {
	reg := imagepipe.DefaultRegistry(imagepipe.DefaultConfig())
	raw := makeRedJPEGBench(b, 800, 600)

	const batchSize = 10

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		for j := 0; j < batchSize; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				runSteps(context.Background(), reg, raw, imagepipe.Resize(400, 0))
			}()
		}
		wg.Wait()
	}
}

func makeRedJPEGBench(b *testing.B, w, h int) []byte {
	b.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 50, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}
