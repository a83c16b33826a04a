// Package datacache implements the on-disk/object-store cache of raw and
// encoded image bytes, sitting between the network data loader and the
// decode stage. It is a thin policy layer over a core.StorageAdapter.
package datacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/kean/imagepipe/core"
	apperrors "github.com/kean/imagepipe/errors"
	"github.com/kean/imagepipe/keys"
	"github.com/kean/imagepipe/queue"
	"github.com/kean/imagepipe/request"
)

// Policy controls which byte representations the cache retains.
type Policy int

const (
	// StoreOriginalData keeps the bytes exactly as fetched from the network.
	StoreOriginalData Policy = iota
	// StoreEncodedImages keeps the pipeline's re-encoded output instead.
	StoreEncodedImages
	// StoreAll keeps both.
	StoreAll
	// Automatic keeps original data for requests with no processors, and the
	// encoded output for requests with at least one processor.
	Automatic
)

// DataCache fronts a core.StorageAdapter with the pipeline's caching policy
// and routes writes through a bounded queue so callers never block on disk
// or object-store I/O.
type DataCache struct {
	backend    core.StorageAdapter
	policy     Policy
	writeStage *queue.Stage
	logger     core.Logger
}

// New creates a DataCache. writeConcurrency bounds how many cache writes run
// at once; it is independent of the pipeline's decode/process/decompress
// stages since disk and network I/O have very different cost profiles.
func New(backend core.StorageAdapter, policy Policy, writeConcurrency int, logger core.Logger) *DataCache {
	return &DataCache{
		backend:    backend,
		policy:     policy,
		writeStage: queue.NewStage("data-cache-write", writeConcurrency),
		logger:     logger,
	}
}

// Get returns the cached bytes for key, if present.
func (c *DataCache) Get(ctx context.Context, key keys.DataLoadKey) ([]byte, bool, error) {
	rc, err := c.backend.Get(ctx, StorageKeyFor(key))
	if err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryStorage) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.CategoryStorage, "datacache.get", err)
	}
	return b, true, nil
}

// ShouldStoreRaw reports whether the raw fetched bytes should be persisted
// for req, under the cache's configured policy.
func (c *DataCache) ShouldStoreRaw(req request.Request) bool {
	if req.Options.Has(request.SkipDiskWrites) {
		return false
	}
	switch c.policy {
	case StoreOriginalData, StoreAll:
		return true
	case Automatic:
		return len(req.Processors) == 0
	default:
		return false
	}
}

// ShouldStoreEncoded reports whether re-encoded pipeline output should be
// persisted for req.
func (c *DataCache) ShouldStoreEncoded(req request.Request) bool {
	if req.Options.Has(request.SkipDiskWrites) {
		return false
	}
	switch c.policy {
	case StoreEncodedImages, StoreAll:
		return true
	case Automatic:
		return len(req.Processors) > 0
	default:
		return false
	}
}

// PutRaw asynchronously persists raw bytes for key. Failures are logged and
// swallowed: a data-cache write failure must never fail the caller's image
// load, since the bytes are still available from the response just handed
// out.
func (c *DataCache) PutRaw(ctx context.Context, key keys.DataLoadKey, data []byte) {
	c.putAsync(ctx, StorageKeyFor(key), data)
}

// PutEncoded asynchronously persists re-encoded bytes under a distinct
// storage key derived from mem, so raw and encoded representations of the
// same subject never collide.
func (c *DataCache) PutEncoded(ctx context.Context, mem keys.MemoryCacheKey, data []byte) {
	c.putAsync(ctx, storageKeyForMemory(mem), data)
}

func (c *DataCache) putAsync(ctx context.Context, sk core.StorageKey, data []byte) {
	// ready hands the just-created Handle to its own onAdmit callback,
	// which may start running before Submit returns.
	ready := make(chan *queue.Handle, 1)
	h := c.writeStage.Submit(0, func() {
		hd := <-ready
		err := c.backend.Put(context.Background(), sk, bytesReader(data), nil)
		if err != nil && c.logger != nil {
			c.logger.Warn("data cache write failed", "key", sk.Path, "error", err)
		}
		hd.Finish()
	})
	ready <- h
}

func bytesReader(b []byte) io.Reader {
	return &byteSliceReader{b: b}
}

type byteSliceReader struct {
	b []byte
	i int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

// StorageKeyFor maps a DataLoadKey to the storage key under which its raw
// bytes are kept.
func StorageKeyFor(key keys.DataLoadKey) core.StorageKey {
	return core.StorageKey{Bucket: "data", Path: hashSubject(key.Subject, key.CachePolicy)}
}

func storageKeyForMemory(key keys.MemoryCacheKey) core.StorageKey {
	return core.StorageKey{Bucket: "encoded", Path: hashSubject(key.Subject, key.Processors)}
}

func hashSubject(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		io.WriteString(h, p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
