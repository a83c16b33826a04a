// Package result defines the value a task hands back to its caller, and the
// lightweight origin/metadata types that travel with it.
package result

import "github.com/kean/imagepipe/core"

// Origin records which layer produced a Response, for callers that want to
// distinguish a cache hit from a fresh network decode.
type Origin string

const (
	OriginNetwork Origin = "network"
	OriginMemory  Origin = "memory-cache"
	OriginDisk    Origin = "data-cache"
)

// URLResponse carries the subset of an HTTP response a caller may want
// without pulling a full *http.Response through the pipeline.
type URLResponse struct {
	StatusCode    int
	ExpectedSize  int64
	ETag          string
	LastModified  string
	AcceptsRanges bool
}

// Response is the value delivered to a task subscriber: a decoded (and
// processed) image, or a progressive preview of one.
type Response struct {
	Image        *core.ImageData
	OriginalData []byte // raw encoded bytes, present only when the request asked to keep them
	Type         core.Format
	IsPreview    bool
	UserInfo     map[string]interface{}
	Origin       Origin
	URLResponse  URLResponse
}

// Clone returns a shallow value copy; Image and OriginalData are shared,
// since both are treated as immutable once a Response is published.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}
