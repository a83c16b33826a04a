package imagepipe

import (
	"context"
	"io"
	"os"
	"strings"

	apperrors "github.com/kean/imagepipe/errors"
	"github.com/kean/imagepipe/job"
	"github.com/kean/imagepipe/loader"
	"github.com/kean/imagepipe/request"
	"github.com/kean/imagepipe/resumable"
)

// dataChunk is what a fetch_data job emits: the buffer accumulated so far
// and the response metadata observed on the first network chunk.
type dataChunk struct {
	Bytes    []byte
	Response loader.ResponseMeta
}

// fetchData returns the (possibly shared) job producing req's raw bytes,
// coalesced by DataLoadKey.
func (p *Pipeline) fetchData(req request.Request) *job.Job {
	key := req.DataLoadKey()
	return p.dataCoalescer.GetOrInsert(key, func(onDisposed func()) *job.Job {
		ctx, cancel := context.WithCancel(context.Background())
		j := job.New(func() {
			cancel()
			onDisposed()
		})
		go p.runFetchData(ctx, req, j)
		return j
	})
}

func (p *Pipeline) runFetchData(ctx context.Context, req request.Request, j *job.Job) {
	if req.Resource.Producer != nil {
		p.runProducerFetch(req, j)
		return
	}
	if req.Resource.IsLocalFile() && p.cfg.IsLocalResourcesSupportEnabled {
		p.runLocalFetch(req, j)
		return
	}
	p.runNetworkFetch(ctx, req, j)
}

func (p *Pipeline) runProducerFetch(req request.Request, j *job.Job) {
	data, err := req.Resource.Producer()
	if err != nil {
		j.Send(job.ErrorEvent(apperrors.DataLoadingFailed("fetch_data.producer", err)))
		return
	}
	j.Send(job.ValueEvent(dataChunk{Bytes: data}, true))
}

func (p *Pipeline) runLocalFetch(req request.Request, j *job.Job) {
	path := strings.TrimPrefix(req.Resource.URL, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		j.Send(job.ErrorEvent(apperrors.DataLoadingFailed("fetch_data.local", err)))
		return
	}
	j.Send(job.ValueEvent(dataChunk{Bytes: data}, true))
}

func (p *Pipeline) runNetworkFetch(ctx context.Context, req request.Request, j *job.Job) {
	url := req.Resource.URL

	var resumedState resumable.State
	hasResumable := false
	if p.cfg.IsResumableDataEnabled {
		resumedState, hasResumable = p.resumableRegistry.Take(url)
	}

	h, err := p.dataQueue.Acquire(ctx, j.Priority())
	if err != nil {
		j.Send(job.ErrorEvent(apperrors.DataLoadingFailed("fetch_data", err)))
		return
	}
	defer h.Finish()

	loadReq := loader.Request{URL: url}
	if hasResumable {
		loadReq.RangeStart = int64(len(resumedState.Bytes))
		if resumedState.Validator.ETag != "" {
			loadReq.IfRange = resumedState.Validator.ETag
		} else {
			loadReq.IfRange = resumedState.Validator.LastModified
		}
	}

	stream, err := p.dataLoader.Load(ctx, loadReq)
	if err != nil {
		j.Send(job.ErrorEvent(apperrors.DataLoadingFailed("fetch_data", err)))
		return
	}
	defer stream.Cancel()

	var buffer []byte
	var resumedCount int64
	var validator resumable.Validator
	expectedLength := int64(-1)
	first := true

	for {
		chunk, err := stream.Next(ctx)
		if err != nil && err != io.EOF {
			p.saveResumableOnError(url, validator, buffer, expectedLength)
			j.Send(job.ErrorEvent(apperrors.DataLoadingFailed("fetch_data", err)))
			return
		}

		if len(chunk.Data) > 0 {
			if first {
				validator = resumable.Validator{ETag: chunk.Response.ETag, LastModified: chunk.Response.LastModified}
				expectedLength = chunk.Response.ExpectedLength
				if hasResumable && chunk.Response.AcceptsRanges && validator.Matches(resumedState.Validator) {
					buffer = append(buffer, resumedState.Bytes...)
					resumedCount = int64(len(resumedState.Bytes))
				}
				first = false
			}
			buffer = append(buffer, chunk.Data...)

			total := int64(-1)
			if expectedLength >= 0 {
				total = expectedLength + resumedCount
			}
			j.Send(job.ProgressEvent(job.Progress{Completed: int64(len(buffer)), Total: total}))

			if total < 0 || int64(len(buffer)) < total {
				snapshot := append([]byte(nil), buffer...)
				j.Send(job.ValueEvent(dataChunk{Bytes: snapshot, Response: chunk.Response}, false))
			}
		}

		if err == io.EOF {
			break
		}
	}

	if len(buffer) == 0 {
		j.Send(job.ErrorEvent(apperrors.New(apperrors.CategoryTransient, "fetch_data", apperrors.ErrDataIsEmpty)))
		return
	}

	if p.dataCache != nil && p.dataCache.ShouldStoreRaw(req) {
		p.dataCache.PutRaw(context.Background(), req.DataLoadKey(), buffer)
	}

	j.Send(job.ValueEvent(dataChunk{
		Bytes: buffer,
		Response: loader.ResponseMeta{
			ETag:           validator.ETag,
			LastModified:   validator.LastModified,
			ExpectedLength: expectedLength,
		},
	}, true))
}

func (p *Pipeline) saveResumableOnError(url string, validator resumable.Validator, buffer []byte, expectedLength int64) {
	if !p.cfg.IsResumableDataEnabled {
		return
	}
	if validator.ETag == "" && validator.LastModified == "" {
		return
	}
	if len(buffer) == 0 {
		return
	}
	p.resumableRegistry.Put(url, resumable.State{
		Bytes:         buffer,
		Validator:     validator,
		ExpectedTotal: expectedLength,
	})
}
