// Package request defines the caller-facing image request value and the
// fingerprints derived from it.
package request

import (
	"fmt"
	"strings"

	"github.com/kean/imagepipe/core"
	apperrors "github.com/kean/imagepipe/errors"
	"github.com/kean/imagepipe/keys"
	"github.com/kean/imagepipe/priority"
)

// Options is a bitset of request-level switches.
type Options uint16

const (
	SkipMemoryRead Options = 1 << iota
	SkipMemoryWrite
	SkipDiskWrites
	ReloadIgnoringCache
	ReturnCacheDataDontLoad
	SkipDecompression
)

// Has reports whether opt is set in o.
func (o Options) Has(opt Options) bool { return o&opt != 0 }

// ThumbnailOptions requests a bounded decode.
type ThumbnailOptions struct {
	MaxPixelSize   int
	PreferEmbedded bool
}

// Resource is where the raw bytes come from: a URL, or a caller-supplied
// asynchronous byte producer. Exactly one of URL/Producer should be set.
type Resource struct {
	URL string

	// Producer, when set, is a caller-supplied byte source used instead of
	// the network data loader. It is called once, off the caller's
	// goroutine, and returns the whole payload in one slice.
	Producer ProducerFunc

	// AllowsCellular mirrors the platform "allow cellular access" toggle;
	// it contributes to the DataLoadKey so cellular and non-cellular
	// fetches of the same URL never coalesce.
	AllowsCellular bool
}

// ProducerFunc is a caller-supplied asynchronous byte source.
type ProducerFunc func() ([]byte, error)

// IsLocalFile reports whether Resource points at a local file:// URL.
func (r Resource) IsLocalFile() bool {
	return len(r.URL) >= 7 && r.URL[:7] == "file://"
}

// Request is the value a caller builds to describe one image load. It is
// clone-cheap and compared by value everywhere except its Processors slice,
// which is compared by the joined identifier string via MemoryCacheKey and
// ImageLoadKey.
//
// Processors carry a stable textual identifier; a core.Step's Name() serves
// as that identifier, so the request's processor list doubles as the
// process stage's step list.
type Request struct {
	Resource   Resource
	Processors []core.Step
	Thumbnail  *ThumbnailOptions
	Options    Options
	Priority   priority.Priority
	ImageID    string // overrides URL as the cache-key subject, if non-empty
	UserInfo   map[string]interface{}

	// CachePolicy is an opaque string the data loader/cache layer uses to
	// further distinguish data-load jobs (e.g. "default", "no-cache").
	CachePolicy string
}

// Validate enforces the request invariants: processor identifiers non-empty
// and free of the 0x1f key separator, image-id non-empty if present.
func (r Request) Validate() error {
	if r.ImageID != "" && len(r.ImageID) == 0 {
		return apperrors.New(apperrors.CategoryInput, "request.validate", fmt.Errorf("image-id must not be empty when set"))
	}
	if r.Resource.URL == "" && r.Resource.Producer == nil {
		return apperrors.New(apperrors.CategoryInput, "request.validate", fmt.Errorf("resource must specify a URL or a producer"))
	}
	for _, p := range r.Processors {
		if p.Name() == "" {
			return apperrors.New(apperrors.CategoryInput, "request.validate", fmt.Errorf("processor identifier must not be empty"))
		}
		if strings.Contains(p.Name(), "\x1f") {
			return apperrors.New(apperrors.CategoryInput, "request.validate", fmt.Errorf("processor identifier %q must not contain the key separator", p.Name()))
		}
	}
	return nil
}

// Subject returns the cache-key subject: ImageID if set, else the URL.
func (r Request) Subject() string {
	if r.ImageID != "" {
		return r.ImageID
	}
	return r.Resource.URL
}

// ProcessorIDs returns the ordered list of processor identifiers.
func (r Request) ProcessorIDs() []string {
	ids := make([]string, len(r.Processors))
	for i, p := range r.Processors {
		ids[i] = p.Name()
	}
	return ids
}

// Clone returns a value copy of r; Processors and UserInfo are copied
// shallowly (their elements are treated as immutable).
func (r Request) Clone() Request {
	out := r
	if r.Processors != nil {
		out.Processors = append([]core.Step(nil), r.Processors...)
	}
	if r.UserInfo != nil {
		out.UserInfo = make(map[string]interface{}, len(r.UserInfo))
		for k, v := range r.UserInfo {
			out.UserInfo[k] = v
		}
	}
	return out
}

// MemoryCacheKey derives the memory-cache fingerprint.
func (r Request) MemoryCacheKey() keys.MemoryCacheKey {
	maxPixels, preferEmbed := 0, false
	if r.Thumbnail != nil {
		maxPixels = r.Thumbnail.MaxPixelSize
		preferEmbed = r.Thumbnail.PreferEmbedded
	}
	return keys.NewMemoryCacheKey(r.Subject(), r.ProcessorIDs(), maxPixels, preferEmbed)
}

// DataLoadKey derives the raw-bytes fingerprint.
func (r Request) DataLoadKey() keys.DataLoadKey {
	return keys.DataLoadKey{
		Subject:        r.Subject(),
		CachePolicy:    r.CachePolicy,
		AllowsCellular: r.Resource.AllowsCellular,
	}
}

// ImageLoadKey derives the whole-load fingerprint used to coalesce decode+
// process+decompress work.
func (r Request) ImageLoadKey() keys.ImageLoadKey {
	return keys.ImageLoadKey{
		Memory:  r.MemoryCacheKey(),
		Options: uint16(r.Options),
		Data:    r.DataLoadKey(),
	}
}
