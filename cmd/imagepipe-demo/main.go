// Command imagepipe-demo exercises the asynchronous Pipeline end to end:
// local-file loading, the synchronous processor steps as request
// processors, priority, and cache warm-up.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	imagepipe "github.com/kean/imagepipe"
	"github.com/kean/imagepipe/adapters/storage"
	"github.com/kean/imagepipe/config"
	"github.com/kean/imagepipe/core"
	"github.com/kean/imagepipe/decompress"
	"github.com/kean/imagepipe/hooks"
	"github.com/kean/imagepipe/loader"
	"github.com/kean/imagepipe/priority"
	"github.com/kean/imagepipe/request"
)

func main() {
	cfg := config.Default()
	reg := imagepipe.DefaultRegistry(cfg)

	logger := hooks.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cacheDir, err := os.MkdirTemp("", "imagepipe-demo-cache")
	if err != nil {
		log.Fatalf("mkdir cache dir: %v", err)
	}
	defer os.RemoveAll(cacheDir)
	backend, err := storage.NewLocal(cacheDir, 0)
	if err != nil {
		log.Fatalf("local storage: %v", err)
	}

	pipe := imagepipe.New(cfg, imagepipe.Deps{
		Registry:          reg,
		Storage:           backend,
		DataLoader:        loader.NewHTTPLoader(30*time.Second, 64*1024, 64<<20),
		DecompressAdvisor: decompress.New(200 * 200),
		Logger:            logger,
	})

	path := "./profile.jpg"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	req := request.Request{
		Resource: request.Resource{URL: "file://" + path},
		Priority: priority.High,
		Processors: []core.Step{
			imagepipe.Resize(1024, 0),
		},
	}

	t := pipe.LoadImage(req)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := t.AwaitResponse(ctx)
	if err != nil {
		log.Fatalf("load failed: %v", err)
	}
	fmt.Printf("loaded %s image: %dx%d (origin=%s)\n",
		resp.Type, resp.Image.Meta.Width, resp.Image.Meta.Height, resp.Origin)

	// A second load of the same request is served straight from the memory
	// cache the first load populated.
	t2 := pipe.LoadImage(req)
	resp2, err := t2.AwaitResponse(ctx)
	if err != nil {
		log.Fatalf("second load failed: %v", err)
	}
	fmt.Printf("second load origin=%s (expect memory)\n", resp2.Origin)
}
