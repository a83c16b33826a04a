// Package task implements the caller-facing handle returned for each image
// load: a cancellable, re-prioritizable operation that lazily starts the
// underlying job graph on first observation and fans out progress, preview,
// and terminal events to any number of listeners.
package task

import (
	"context"
	"sync"

	"github.com/kean/imagepipe/core"
	"github.com/kean/imagepipe/job"
	"github.com/kean/imagepipe/priority"
	"github.com/kean/imagepipe/result"
)

// State is the caller-visible lifecycle of a Task.
type State int

const (
	StateSuspended State = iota
	StateRunning
	StateCancelled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Result is a task's terminal outcome: exactly one of Response/Err is set.
type Result struct {
	Response *result.Response
	Err      error
}

// EventKind distinguishes the shapes of events a Task hands to listeners.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventPreview   EventKind = "preview"
	EventCancelled EventKind = "cancelled"
	EventFinished  EventKind = "finished"
)

// Event is what Task.Events delivers.
type Event struct {
	Kind     EventKind
	Progress job.Progress
	Preview  *result.Response
	Result   Result
}

func isTerminalKind(k EventKind) bool {
	return k == EventCancelled || k == EventFinished
}

// AttachFunc lazily wires a Task into the job graph the first time it is
// observed, returning the subscription the Task holds on the root job.
type AttachFunc func(job.Subscriber) *job.Subscription

// Task is a single caller-visible image load. It implements job.Subscriber
// so it can be attached directly to a root job.
type Task struct {
	id  uint64
	req interface{} // not set by New; always nil

	mu       sync.Mutex
	state    State
	pri      priority.Priority
	progress job.Progress
	result   *Result
	sub      *job.Subscription
	attach   AttachFunc
	listeners []chan Event

	startOnce sync.Once
}

// New creates a suspended Task. attach is invoked exactly once, the first
// time the task is observed via Events or AwaitResponse.
func New(id uint64, pri priority.Priority, attach AttachFunc) *Task {
	return &Task{
		id:     id,
		state:  StateSuspended,
		pri:    pri,
		attach: attach,
	}
}

// ID returns the task's identifier, stable for its lifetime.
func (t *Task) ID() uint64 { return t.id }

// ensureStarted wires the task into the job graph on first call and is a
// no-op thereafter.
func (t *Task) ensureStarted() {
	t.startOnce.Do(func() {
		t.mu.Lock()
		if t.state == StateCancelled || t.state == StateCompleted {
			t.mu.Unlock()
			return
		}
		t.state = StateRunning
		t.mu.Unlock()

		sub := t.attach(t)

		t.mu.Lock()
		if t.state == StateCancelled || t.state == StateCompleted {
			t.mu.Unlock()
			sub.Unsubscribe()
			return
		}
		t.sub = sub
		t.mu.Unlock()
	})
}

// Events starts the task (if not already started) and returns a channel of
// its events. The channel is closed after the terminal event is delivered.
// Each call to Events returns an independent channel that receives every
// event dispatched after that call; earlier events are not replayed, except
// that a call made after the task finished receives the terminal event.
func (t *Task) Events() <-chan Event {
	t.ensureStarted()

	ch := make(chan Event, 8)

	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateCancelled {
		res := Result{}
		if t.result != nil {
			res = *t.result
		}
		kind := EventFinished
		if t.state == StateCancelled {
			kind = EventCancelled
		}
		t.mu.Unlock()
		ch <- Event{Kind: kind, Result: res}
		close(ch)
		return ch
	}
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()
	return ch
}

// AwaitResponse blocks until the task reaches a terminal state or ctx is
// done, whichever comes first. On ctx cancellation it cancels the task.
func (t *Task) AwaitResponse(ctx context.Context) (*result.Response, error) {
	ch := t.Events()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil, context.Canceled
			}
			if isTerminalKind(ev.Kind) {
				return ev.Result.Response, ev.Result.Err
			}
		case <-ctx.Done():
			t.Cancel()
			return nil, ctx.Err()
		}
	}
}

// State returns the task's current lifecycle state. Safe for concurrent use;
// does not consume the event channel.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CurrentProgress returns the most recently observed progress, or the zero
// value if the task has not yet reported any. Safe for concurrent use; does
// not consume the event channel.
func (t *Task) CurrentProgress() job.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// AwaitImage is a convenience around AwaitResponse for callers that only want
// the decoded image, discarding origin/type/preview metadata.
func (t *Task) AwaitImage(ctx context.Context) (*core.ImageData, error) {
	resp, err := t.AwaitResponse(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Image, nil
}

// SetPriority updates the task's priority and propagates it to the root job
// subscription. A no-op once the task has reached a terminal state.
func (t *Task) SetPriority(p priority.Priority) {
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateCompleted {
		t.mu.Unlock()
		return
	}
	t.pri = p
	sub := t.sub
	t.mu.Unlock()

	if sub != nil {
		sub.ChangePriority(p)
	}
}

// Priority implements job.Subscriber.
func (t *Task) Priority() priority.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pri
}

// Cancel transitions the task to cancelled, unsubscribes it from the root
// job, and delivers a terminal "cancelled" event. Idempotent.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateCompleted {
		t.mu.Unlock()
		return
	}
	t.state = StateCancelled
	sub := t.sub
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	t.finish(Result{Err: context.Canceled}, EventCancelled)
}

// Receive implements job.Subscriber: it is called by the root job with
// progress, preview, and terminal events from the underlying job graph.
func (t *Task) Receive(ev job.Event) {
	switch ev.Kind {
	case job.EventProgress:
		t.dispatchProgress(ev.Progress)
	case job.EventValue:
		resp, _ := ev.Value.(*result.Response)
		if !ev.Completed {
			t.dispatchPreview(resp)
			return
		}
		t.finish(Result{Response: resp}, EventFinished)
	case job.EventError:
		t.finish(Result{Err: ev.Err}, EventFinished)
	}
}

func (t *Task) dispatchProgress(p job.Progress) {
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateCompleted {
		t.mu.Unlock()
		return
	}
	t.progress = p
	listeners := append([]chan Event(nil), t.listeners...)
	t.mu.Unlock()

	ev := Event{Kind: EventProgress, Progress: p}
	for _, ch := range listeners {
		ch <- ev
	}
}

func (t *Task) dispatchPreview(resp *result.Response) {
	t.mu.Lock()
	if t.state == StateCancelled || t.state == StateCompleted {
		t.mu.Unlock()
		return
	}
	listeners := append([]chan Event(nil), t.listeners...)
	t.mu.Unlock()

	ev := Event{Kind: EventPreview, Preview: resp}
	for _, ch := range listeners {
		ch <- ev
	}
}

// finish performs the one-time terminal transition shared by Cancel and
// Receive's completion paths.
func (t *Task) finish(r Result, kind EventKind) {
	t.mu.Lock()
	if t.state == StateCompleted || (t.state == StateCancelled && kind != EventCancelled) {
		t.mu.Unlock()
		return
	}
	if kind == EventFinished {
		t.state = StateCompleted
	}
	t.result = &r
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	ev := Event{Kind: kind, Result: r}
	for _, ch := range listeners {
		ch <- ev
		close(ch)
	}
}
