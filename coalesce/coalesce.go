// Package coalesce implements key-based job sharing: concurrent requests for
// the same fingerprint attach to one in-flight job instead of duplicating
// work. Disabling coalescing is a first-class mode, used when a caller wants
// every request independently cancellable.
package coalesce

import (
	"sync"

	"github.com/kean/imagepipe/job"
)

// Pool shares job.Job instances by key K. The pipeline uses the comparable
// fingerprint structs in package keys; any comparable type works.
type Pool[K comparable] struct {
	mu      sync.Mutex
	enabled bool
	items   map[K]*job.Job
}

// NewPool creates a coalescing pool. When enabled is false, GetOrInsert
// always constructs a fresh job and never shares it.
func NewPool[K comparable](enabled bool) *Pool[K] {
	return &Pool[K]{enabled: enabled, items: make(map[K]*job.Job)}
}

// GetOrInsert returns the job already registered for key, or constructs one
// via make and registers it. make receives an onDisposed callback that must
// be passed straight through to job.New; the pool uses it to evict the
// entry once the job tears down.
//
// The pool's mutex is held for the duration of make, which must not block or
// perform I/O — job construction only wires subscriptions and queue claims,
// never does work itself, so this holds the same "never block across a
// suspension point" rule the rest of the pipeline follows.
func (p *Pool[K]) GetOrInsert(key K, make func(onDisposed func()) *job.Job) *job.Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return make(func() {})
	}

	if j, ok := p.items[key]; ok {
		return j
	}

	var j *job.Job
	j = make(func() {
		p.mu.Lock()
		if p.items[key] == j {
			delete(p.items, key)
		}
		p.mu.Unlock()
	})
	p.items[key] = j
	return j
}

// Len returns the number of in-flight coalesced jobs. Intended for tests and
// diagnostics.
func (p *Pool[K]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
