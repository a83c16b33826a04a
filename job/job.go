// Package job implements the reference-counted, priority-aggregating unit of
// in-flight work shared by every stage of the pipeline. A Job has no
// knowledge of what it computes; it only fans out events to subscribers,
// aggregates their priorities, and disposes itself once nobody is listening.
package job

import (
	"sync"

	"github.com/kean/imagepipe/priority"
)

// EventKind distinguishes the three event shapes a Job can send.
type EventKind int

const (
	EventValue EventKind = iota
	EventProgress
	EventError
)

// Progress reports byte or item counters; Total <= 0 means unknown.
type Progress struct {
	Completed int64
	Total     int64
}

// Event is what a Job sends to its subscribers. Exactly one of Value/Err is
// meaningful, selected by Kind; Completed is only meaningful on EventValue.
type Event struct {
	Kind      EventKind
	Value     interface{}
	Completed bool
	Progress  Progress
	Err       error
}

func ValueEvent(v interface{}, completed bool) Event {
	return Event{Kind: EventValue, Value: v, Completed: completed}
}

func ProgressEvent(p Progress) Event {
	return Event{Kind: EventProgress, Progress: p}
}

func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// Subscriber receives Job events and reports the priority at which it cares
// about them; a Job's effective priority is the max over live subscribers.
type Subscriber interface {
	Receive(Event)
	Priority() priority.Priority
}

// QueueHandle is the subset of a work-queue waiter a Job needs to control:
// reprioritizing or cancelling admission once nobody needs the result.
type QueueHandle interface {
	ChangePriority(priority.Priority)
	Cancel()
}

type subEntry struct {
	sub Subscriber
}

// Job is a single unit of cancellable, shareable, prioritized work. It holds
// no work logic itself — callers drive it by calling Send with the events
// their work produces, and the Job handles fan-out, priority aggregation,
// and disposal.
type Job struct {
	mu sync.Mutex

	subs   map[uint64]*subEntry
	nextID uint64

	pri priority.Priority

	dep         *Subscription // the job's own subscription to an upstream dependency, if any
	queueHandle QueueHandle   // the job's claim on a work-queue stage, if any

	disposed   bool
	onDisposed func()
}

// New creates a Job. onDisposed, if non-nil, is called exactly once, after
// the job has torn down its dependency subscription and queue handle, and
// under no lock — it typically removes the job from a coalescing pool.
func New(onDisposed func()) *Job {
	return &Job{
		subs:       make(map[uint64]*subEntry),
		onDisposed: onDisposed,
	}
}

// Subscription is a live subscriber's handle on a Job. The zero value is not
// usable; obtain one from Job.Subscribe.
type Subscription struct {
	job *Job
	id  uint64
}

// Unsubscribe detaches the subscription. If it was the job's last
// subscriber, the job disposes itself.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.job.unsubscribe(s.id)
}

// ChangePriority tells the job that this subscriber's priority changed. The
// job does not store p: it re-reads every subscriber's Priority() to
// recompute its aggregate, so the subscriber must already report the new
// value. If the max changed, the job re-propagates it upstream/downstream.
func (s *Subscription) ChangePriority(p priority.Priority) {
	if s == nil {
		return
	}
	s.job.changePriority(s.id, p)
}

// Subscribe attaches sub to the job. It returns (nil, false) if the job is
// already disposed — the caller must then create a fresh job instead.
func (j *Job) Subscribe(sub Subscriber) (*Subscription, bool) {
	j.mu.Lock()
	if j.disposed {
		j.mu.Unlock()
		return nil, false
	}
	id := j.nextID
	j.nextID++
	j.subs[id] = &subEntry{sub: sub}
	j.recomputePriorityLocked()
	j.mu.Unlock()
	return &Subscription{job: j, id: id}, true
}

func (j *Job) unsubscribe(id uint64) {
	j.mu.Lock()
	if _, ok := j.subs[id]; !ok {
		j.mu.Unlock()
		return
	}
	delete(j.subs, id)
	empty := len(j.subs) == 0
	j.recomputePriorityLocked()
	j.mu.Unlock()

	if empty {
		j.Dispose()
	}
}

func (j *Job) changePriority(id uint64, p priority.Priority) {
	j.mu.Lock()
	e, ok := j.subs[id]
	if !ok {
		j.mu.Unlock()
		return
	}
	_ = e // priority is read live from sub.Priority(); nothing to store per-entry
	j.recomputePriorityLocked()
	j.mu.Unlock()
}

// recomputePriorityLocked must be called with j.mu held. It recomputes the
// aggregate priority and, if it changed, propagates the new value to the
// job's own upstream subscription and queue handle.
func (j *Job) recomputePriorityLocked() {
	max := priority.VeryLow
	first := true
	for _, e := range j.subs {
		p := e.sub.Priority()
		if first || p > max {
			max = p
			first = false
		}
	}
	if first {
		// no subscribers left; keep the last known priority
		return
	}
	if max == j.pri {
		return
	}
	j.pri = max
	if j.dep != nil {
		j.dep.ChangePriority(max)
	}
	if j.queueHandle != nil {
		j.queueHandle.ChangePriority(max)
	}
}

// Priority returns the job's current aggregate priority.
func (j *Job) Priority() priority.Priority {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pri
}

// SetDependency records the job's own subscription to an upstream job, so
// that priority changes propagate and disposal cascades.
func (j *Job) SetDependency(dep *Subscription) {
	j.mu.Lock()
	j.dep = dep
	j.mu.Unlock()
}

// SetQueueHandle records the job's claim on a work-queue stage, so that
// priority changes propagate and disposal cancels the claim.
func (j *Job) SetQueueHandle(h QueueHandle) {
	j.mu.Lock()
	j.queueHandle = h
	j.mu.Unlock()
}

// Send dispatches ev to every current subscriber. A terminal event
// (EventValue with Completed true, or EventError) disposes the job after
// delivery.
func (j *Job) Send(ev Event) {
	j.mu.Lock()
	if j.disposed {
		j.mu.Unlock()
		return
	}
	snapshot := make([]Subscriber, 0, len(j.subs))
	for _, e := range j.subs {
		snapshot = append(snapshot, e.sub)
	}
	j.mu.Unlock()

	for _, sub := range snapshot {
		sub.Receive(ev)
	}

	if ev.Kind == EventError || (ev.Kind == EventValue && ev.Completed) {
		j.Dispose()
	}
}

// Dispose tears the job down: it unsubscribes from its dependency, cancels
// its queue handle, and invokes onDisposed. Safe to call more than once and
// from multiple goroutines; only the first call has effect.
func (j *Job) Dispose() {
	j.mu.Lock()
	if j.disposed {
		j.mu.Unlock()
		return
	}
	j.disposed = true
	dep := j.dep
	qh := j.queueHandle
	j.dep = nil
	j.queueHandle = nil
	cb := j.onDisposed
	j.mu.Unlock()

	if dep != nil {
		dep.Unsubscribe()
	}
	if qh != nil {
		qh.Cancel()
	}
	if cb != nil {
		cb()
	}
}

// IsDisposed reports whether the job has finished and torn down.
func (j *Job) IsDisposed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.disposed
}
