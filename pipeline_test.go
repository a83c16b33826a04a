package imagepipe_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync/atomic"
	"testing"
	"time"

	imagepipe "github.com/kean/imagepipe"
	"github.com/kean/imagepipe/adapters/decoder"
	"github.com/kean/imagepipe/config"
	"github.com/kean/imagepipe/core"
	"github.com/kean/imagepipe/loader"
	"github.com/kean/imagepipe/request"
	"github.com/kean/imagepipe/result"
	"github.com/kean/imagepipe/task"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newRegistry() core.Registry {
	reg := core.NewRegistry()
	reg.RegisterDecoder(core.FormatJPEG, decoder.NewJPEG())
	return reg
}

func newTestPipeline(t *testing.T, dl loader.Loader) (*imagepipe.Pipeline, *countingStorage) {
	t.Helper()
	cfg := config.Default()
	store := &countingStorage{data: map[string][]byte{}}
	p := imagepipe.New(cfg, imagepipe.Deps{
		Registry:   newRegistry(),
		Storage:    store,
		DataLoader: dl,
	})
	return p, store
}

// countingStorage is a minimal in-memory core.StorageAdapter.
type countingStorage struct {
	data map[string][]byte
}

func (s *countingStorage) Put(_ context.Context, key core.StorageKey, r io.Reader, _ map[string]string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.data[key.Bucket+"/"+key.Path] = b
	return nil
}

func (s *countingStorage) Get(_ context.Context, key core.StorageKey) (io.ReadCloser, error) {
	b, ok := s.data[key.Bucket+"/"+key.Path]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *countingStorage) Delete(_ context.Context, key core.StorageKey) error {
	delete(s.data, key.Bucket+"/"+key.Path)
	return nil
}

func (s *countingStorage) Exists(_ context.Context, key core.StorageKey) (bool, error) {
	_, ok := s.data[key.Bucket+"/"+key.Path]
	return ok, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

func awaitOK(t *testing.T, tsk *task.Task, timeout time.Duration) *result.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := tsk.AwaitResponse(ctx)
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	return resp
}

func TestLoadImageViaProducerDecodesSuccessfully(t *testing.T) {
	data := testJPEG(t, 64, 48)
	p, _ := newTestPipeline(t, nil)

	req := request.Request{
		Resource: request.Resource{
			Producer: func() ([]byte, error) { return data, nil },
		},
		ImageID: "img-1",
	}

	resp := awaitOK(t, p.LoadImage(req), 5*time.Second)
	if resp.Image == nil || resp.Image.Meta.Width != 64 || resp.Image.Meta.Height != 48 {
		t.Fatalf("unexpected decoded image: %+v", resp.Image)
	}
	if resp.Origin != result.OriginNetwork {
		t.Fatalf("expected network origin for a fresh load, got %s", resp.Origin)
	}
}

func TestLoadImageCoalescesConcurrentIdenticalRequests(t *testing.T) {
	data := testJPEG(t, 32, 32)
	var calls int32
	p, _ := newTestPipeline(t, nil)

	req := request.Request{
		Resource: request.Resource{
			Producer: func() ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(20 * time.Millisecond) // widen the coalescing window
				return data, nil
			},
		},
		ImageID: "img-shared",
	}

	t1 := p.LoadImage(req)
	t2 := p.LoadImage(req)

	type outcome struct {
		resp *result.Response
		err  error
	}
	results := make(chan outcome, 2)
	for _, tsk := range []*task.Task{t1, t2} {
		go func(tsk *task.Task) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := tsk.AwaitResponse(ctx)
			results <- outcome{resp: resp, err: err}
		}(tsk)
	}
	r1 := <-results
	r2 := <-results

	if r1.err != nil || r2.err != nil {
		t.Fatalf("unexpected errors: %v %v", r1.err, r2.err)
	}
	if r1.resp.Image.Meta.Width != 32 || r2.resp.Image.Meta.Width != 32 {
		t.Fatalf("unexpected dimensions: %+v %+v", r1.resp.Image, r2.resp.Image)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected the producer to run exactly once for coalesced requests, got %d", got)
	}
}

func TestLoadImageServesSecondLoadFromMemoryCache(t *testing.T) {
	data := testJPEG(t, 16, 16)
	p, _ := newTestPipeline(t, nil)

	req := request.Request{
		Resource: request.Resource{Producer: func() ([]byte, error) { return data, nil }},
		ImageID:  "img-cache",
	}

	first := awaitOK(t, p.LoadImage(req), 5*time.Second)
	if first.Origin != result.OriginNetwork {
		t.Fatalf("expected first load origin network, got %s", first.Origin)
	}

	second := awaitOK(t, p.LoadImage(req), 5*time.Second)
	if second.Origin != result.OriginMemory {
		t.Fatalf("expected second load to be served from the memory cache, got %s", second.Origin)
	}
}

func TestLoadImageReturnCacheDataDontLoadFailsWithoutCache(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	req := request.Request{
		Resource: request.Resource{URL: "https://example.invalid/never-fetched.jpg"},
		ImageID:  "img-uncached",
		Options:  request.ReturnCacheDataDontLoad,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.LoadImage(req).AwaitResponse(ctx)
	if err == nil {
		t.Fatal("expected an error when ReturnCacheDataDontLoad is set and nothing is cached")
	}
}

func TestLoadImageInvalidRequestFailsFast(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	req := request.Request{} // no URL, no Producer: fails Validate
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.LoadImage(req).AwaitResponse(ctx)
	if err == nil {
		t.Fatal("expected validation error for an empty request")
	}
}
