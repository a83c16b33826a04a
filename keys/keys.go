// Package keys derives the coalescing and cache fingerprints from a request.
// Every key type here is a plain comparable struct so it can be used
// directly as a Go map key with structural equality and hashing for free.
package keys

import "strings"

const processorSep = "\x1f"

// MemoryCacheKey identifies a decoded-and-processed result in the memory
// cache: (image-id or URL, ordered processor identifiers, thumbnail options).
type MemoryCacheKey struct {
	Subject              string
	Processors           string // processor identifiers joined by \x1f, order-preserving
	ThumbnailMaxPixels   int
	ThumbnailPreferEmbed bool
}

// NewMemoryCacheKey builds a MemoryCacheKey from its constituent parts.
// subject is the request's image-id if set, else its URL.
func NewMemoryCacheKey(subject string, processorIDs []string, thumbMaxPixels int, thumbPreferEmbed bool) MemoryCacheKey {
	return MemoryCacheKey{
		Subject:              subject,
		Processors:           JoinProcessorIDs(processorIDs),
		ThumbnailMaxPixels:   thumbMaxPixels,
		ThumbnailPreferEmbed: thumbPreferEmbed,
	}
}

// JoinProcessorIDs renders an ordered processor-identifier list into the
// string form MemoryCacheKey.Processors uses. Identifiers must not contain
// the separator byte; this is an invariant of Request validation.
func JoinProcessorIDs(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return strings.Join(ids, processorSep)
}

// DataLoadKey identifies the raw-bytes fetch for a resource, independent of
// any processing that will later be applied: (image-id or URL, cache-policy,
// allows-cellular).
type DataLoadKey struct {
	Subject        string
	CachePolicy    string
	AllowsCellular bool
}

// ImageLoadKey identifies the whole decode+process+decompress load, so that
// two requests producing identical output share one job.
type ImageLoadKey struct {
	Memory  MemoryCacheKey
	Options uint16 // the request's options bitset, numerically
	Data    DataLoadKey
}
