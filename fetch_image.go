package imagepipe

import (
	"context"
	"sync"

	apperrors "github.com/kean/imagepipe/errors"
	"github.com/kean/imagepipe/job"
	"github.com/kean/imagepipe/memcache"
	"github.com/kean/imagepipe/priority"
	"github.com/kean/imagepipe/request"
	"github.com/kean/imagepipe/result"
	"github.com/kean/imagepipe/task"
)

// newTask builds a suspended Task whose lazy attach function wires it to the
// fetch_image job graph for req on first observation.
func (p *Pipeline) newTask(id uint64, req request.Request) *task.Task {
	if err := req.Validate(); err != nil {
		return p.failedTask(id, req, err)
	}

	t := task.New(id, req.Priority, func(sub job.Subscriber) *job.Subscription {
		j := p.fetchImage(req)
		s, ok := j.Subscribe(sub)
		if !ok {
			// The coalesced job disposed between construction and
			// subscription (its last other subscriber left first); retry
			// once against a fresh job.
			j = p.fetchImage(req)
			s, ok = j.Subscribe(sub)
			if !ok {
				s = nil
			}
		}
		return s
	})

	return t
}

// failedTask returns a Task that is already in its terminal state, for a
// request that fails validation before any job is ever created.
func (p *Pipeline) failedTask(id uint64, req request.Request, err error) *task.Task {
	t := task.New(id, req.Priority, func(sub job.Subscriber) *job.Subscription {
		j := job.New(nil)
		s, _ := j.Subscribe(sub)
		j.Send(job.ErrorEvent(err))
		return s
	})
	return t
}

// fetchImage returns the (possibly shared) job computing req's fully
// decoded-and-processed result, coalesced by ImageLoadKey.
func (p *Pipeline) fetchImage(req request.Request) *job.Job {
	key := req.ImageLoadKey()
	return p.imageCoalescer.GetOrInsert(key, func(onDisposed func()) *job.Job {
		j := job.New(onDisposed)
		go p.runFetchImage(req, j)
		return j
	})
}

func (p *Pipeline) runFetchImage(req request.Request, j *job.Job) {
	memKey := req.MemoryCacheKey()

	if !req.Options.Has(request.SkipMemoryRead) {
		if resp, ok := p.memCache.Get(memKey); ok {
			resp = resp.Clone()
			resp.Origin = result.OriginMemory
			if !resp.IsPreview {
				j.Send(job.ValueEvent(resp, true))
				return
			}
			if p.cfg.IsProgressiveDecodingEnabled {
				j.Send(job.ValueEvent(resp, false))
			}
		}
	}

	if !req.Options.Has(request.ReloadIgnoringCache) && p.dataCache != nil {
		if data, ok, _ := p.dataCache.Get(context.Background(), req.DataLoadKey()); ok {
			resp, err := p.runDecodeProcessDecompress(context.Background(), req, data, true, j.Priority(), result.OriginDisk)
			if err != nil {
				j.Send(job.ErrorEvent(err))
				return
			}
			if resp != nil {
				p.writeBack(req, resp)
				j.Send(job.ValueEvent(resp, true))
				return
			}
		}
	}

	if req.Options.Has(request.ReturnCacheDataDontLoad) {
		j.Send(job.ErrorEvent(apperrors.New(apperrors.CategoryCache, "fetch_image", apperrors.ErrDataMissingInCache)))
		return
	}

	dataJob := p.fetchData(req)
	ds := &dataSubscriber{pipeline: p, req: req, outer: j}
	sub, ok := dataJob.Subscribe(ds)
	if !ok {
		dataJob = p.fetchData(req)
		sub, ok = dataJob.Subscribe(ds)
		if !ok {
			j.Send(job.ErrorEvent(apperrors.New(apperrors.CategoryTransient, "fetch_image", apperrors.ErrDataLoadingFailed)))
			return
		}
	}
	j.SetDependency(sub)
}

// writeBack persists a successful response to the memory cache and, per
// policy, the data cache.
func (p *Pipeline) writeBack(req request.Request, resp *result.Response) {
	if resp.Image == nil {
		return
	}
	if !req.Options.Has(request.SkipMemoryWrite) {
		cost := memcache.ComputeCost(resp.Image.Meta, p.cfg.BytesPerPixelEstimate)
		p.memCache.Insert(req.MemoryCacheKey(), resp, cost, resp.IsPreview)
	}
	if !resp.IsPreview && p.dataCache != nil && p.dataCache.ShouldStoreEncoded(req) && len(resp.Image.Data) > 0 {
		p.dataCache.PutEncoded(context.Background(), req.MemoryCacheKey(), resp.Image.Data)
	}
}

// dataSubscriber bridges a fetch_data job to the outer fetch_image job: it
// runs decode/process/decompress on each emitted chunk and forwards the
// resulting Response (or error) upward.
type dataSubscriber struct {
	pipeline *Pipeline
	req      request.Request
	outer    *job.Job

	mu          sync.Mutex
	progressing bool
}

func (s *dataSubscriber) Priority() priority.Priority { return s.outer.Priority() }

func (s *dataSubscriber) Receive(ev job.Event) {
	switch ev.Kind {
	case job.EventProgress:
		s.outer.Send(ev)
	case job.EventError:
		s.outer.Send(ev)
	case job.EventValue:
		s.receiveValue(ev)
	}
}

func (s *dataSubscriber) receiveValue(ev job.Event) {
	chunk, _ := ev.Value.(dataChunk)

	if !ev.Completed {
		if !s.pipeline.cfg.IsProgressiveDecodingEnabled {
			return
		}
		s.mu.Lock()
		if s.progressing {
			s.mu.Unlock()
			return // backpressure: previous progressive stage still executing
		}
		s.progressing = true
		s.mu.Unlock()

		go func() {
			defer func() {
				s.mu.Lock()
				s.progressing = false
				s.mu.Unlock()
			}()
			resp, err := s.pipeline.runDecodeProcessDecompress(context.Background(), s.req, chunk.Bytes, false, s.outer.Priority(), result.OriginNetwork)
			if err != nil || resp == nil {
				return
			}
			s.outer.Send(job.ValueEvent(resp, false))
		}()
		return
	}

	// The final chunk always proceeds, regardless of an in-flight
	// progressive attempt.
	resp, err := s.pipeline.runDecodeProcessDecompress(context.Background(), s.req, chunk.Bytes, true, s.outer.Priority(), result.OriginNetwork)
	if err != nil {
		s.outer.Send(job.ErrorEvent(err))
		return
	}
	s.pipeline.writeBack(s.req, resp)
	s.outer.Send(job.ValueEvent(resp, true))
}
