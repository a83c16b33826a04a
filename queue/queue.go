// Package queue implements the priority-ordered, bounded-concurrency work
// admission used by every pipeline stage (decode, process, decompress, and
// data loading). Waiters are ordered by priority, and FIFO within a
// priority band; a stage optionally layers congestion control and rate
// limiting on top, for the data-loading stage specifically.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/kean/imagepipe/priority"
	"golang.org/x/time/rate"
)

// waiterHeap orders pending admissions by priority desc, then by enqueue
// sequence asc (FIFO within a priority band). It implements container/heap.
type waiterHeap []*Handle

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].pri != h[j].pri {
		return h[i].pri > h[j].pri
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *waiterHeap) Push(x interface{}) {
	hd := x.(*Handle)
	hd.idx = len(*h)
	*h = append(*h, hd)
}

func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	hd := old[n-1]
	old[n-1] = nil
	hd.idx = -1
	*h = old[:n-1]
	return hd
}

// Stage is one bounded-concurrency admission point. Zero value is not
// usable; construct with NewStage.
type Stage struct {
	mu            sync.Mutex
	name          string
	maxConcurrent int
	executing     int
	waiting       waiterHeap
	seq           uint64

	congestion bool
	limiter    *RateLimiter
}

// StageOption configures optional behavior on a Stage.
type StageOption func(*Stage)

// WithCongestionControl enables an admission backoff that grows with the
// number of in-flight items, approximating a leaky bucket on top of the
// hard maxConcurrent cap. Intended for the data-loading stage.
func WithCongestionControl() StageOption {
	return func(s *Stage) { s.congestion = true }
}

// WithRateLimiter attaches a token-bucket limiter. Acquire waits on it before
// requesting admission; Submit does not consult it.
func WithRateLimiter(l *RateLimiter) StageOption {
	return func(s *Stage) { s.limiter = l }
}

// NewStage creates a Stage that admits at most maxConcurrent items at once.
func NewStage(name string, maxConcurrent int, opts ...StageOption) *Stage {
	s := &Stage{name: name, maxConcurrent: maxConcurrent}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle is a single admission request: either already running, or waiting
// in the stage's priority heap.
type Handle struct {
	stage *Stage
	id    uint64
	pri   priority.Priority
	seq   uint64
	onAdmit func()

	idx       int // index in the waiting heap; -1 when not waiting
	admitted  bool
	cancelled bool
	finished  bool
}

// Submit requests admission at priority pri. onAdmit is called at most once,
// on a new goroutine: right away if a slot is free, otherwise when another
// Handle's Finish/Cancel releases a slot; it is not called if h is cancelled
// while waiting. Callbacks of separately admitted handles may run
// concurrently.
func (s *Stage) Submit(pri priority.Priority, onAdmit func()) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	h := &Handle{stage: s, pri: pri, seq: s.seq, onAdmit: onAdmit, idx: -1}

	if s.executing < s.maxConcurrent {
		s.executing++
		h.admitted = true
		go h.onAdmit()
		return h
	}

	heap.Push(&s.waiting, h)
	return h
}

// ChangePriority re-sorts h's position in the waiting heap. A no-op once h
// has been admitted. Implements job.QueueHandle.
func (h *Handle) ChangePriority(p priority.Priority) {
	s := h.stage
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.admitted || h.cancelled || h.idx < 0 {
		h.pri = p
		return
	}
	h.pri = p
	heap.Fix(&s.waiting, h.idx)
}

// Cancel withdraws h. If h had not yet been admitted, it is removed from the
// waiting heap. If h had been admitted, its slot is released and the next
// waiter (if any) is admitted. Implements job.QueueHandle. Idempotent.
func (h *Handle) Cancel() {
	s := h.stage
	s.mu.Lock()
	if h.cancelled || h.finished {
		s.mu.Unlock()
		return
	}
	h.cancelled = true
	wasAdmitted := h.admitted
	if !wasAdmitted && h.idx >= 0 {
		heap.Remove(&s.waiting, h.idx)
	}
	s.mu.Unlock()

	if wasAdmitted {
		s.release()
	}
}

// Finish releases h's slot after normal completion of the admitted work,
// admitting the next waiter if any. Distinct from Cancel: callers use
// Finish when the work ran to completion, Cancel when it was aborted before
// or during admission.
func (h *Handle) Finish() {
	s := h.stage
	s.mu.Lock()
	if h.finished || h.cancelled {
		s.mu.Unlock()
		return
	}
	h.finished = true
	s.mu.Unlock()
	s.release()
}

func (s *Stage) release() {
	s.mu.Lock()
	if s.executing > 0 {
		s.executing--
	}
	s.admitNext()
	s.mu.Unlock()
}

// admitNext must be called with s.mu held. It pops waiters while slots are
// free, applying a congestion-control delay per admission when enabled.
func (s *Stage) admitNext() {
	for s.executing < s.maxConcurrent && s.waiting.Len() > 0 {
		h := heap.Pop(&s.waiting).(*Handle)
		h.admitted = true
		s.executing++
		delay := s.admissionDelayLocked()
		go func(h *Handle, delay time.Duration) {
			if delay > 0 {
				time.Sleep(delay)
			}
			h.onAdmit()
		}(h, delay)
	}
}

// admissionDelayLocked must be called with s.mu held. Approximates a leaky
// bucket: the more items currently in flight, the longer the next admission
// waits, capped at 30ms.
func (s *Stage) admissionDelayLocked() time.Duration {
	if !s.congestion {
		return 0
	}
	d := 8*time.Millisecond + time.Duration(s.executing)*time.Millisecond
	if d > 30*time.Millisecond {
		d = 30 * time.Millisecond
	}
	return d
}

// Wait blocks until the stage's rate limiter (if any) releases a token, or
// ctx is done. A stage without a rate limiter never blocks here.
func (s *Stage) Wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// Acquire is the synchronous counterpart to Submit, for callers that do
// their work inline rather than from within onAdmit: it blocks until a slot
// is admitted (honoring the stage's rate limiter first, if any) or ctx is
// done. The returned Handle must be released with Finish or Cancel exactly
// once, the same as a Submit-returned Handle.
func (s *Stage) Acquire(ctx context.Context, pri priority.Priority) (*Handle, error) {
	if err := s.Wait(ctx); err != nil {
		return nil, err
	}

	admitted := make(chan struct{})
	h := s.Submit(pri, func() { close(admitted) })

	select {
	case <-admitted:
		return h, nil
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}

// RateLimiter wraps golang.org/x/time/rate as an enable-able leaky-bucket
// gate for the data-loading stage.
type RateLimiter struct {
	enabled bool
	lim     *rate.Limiter
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst. When enabled is false, Wait never blocks.
func NewRateLimiter(enabled bool, rps float64, burst int) *RateLimiter {
	return &RateLimiter{enabled: enabled, lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || !r.enabled {
		return nil
	}
	return r.lim.Wait(ctx)
}
