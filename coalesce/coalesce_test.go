package coalesce

import (
	"testing"

	"github.com/kean/imagepipe/job"
)

func TestPoolSharesJobForSameKey(t *testing.T) {
	p := NewPool[string](true)
	builds := 0

	build := func(onDisposed func()) *job.Job {
		builds++
		return job.New(onDisposed)
	}

	j1 := p.GetOrInsert("a", build)
	j2 := p.GetOrInsert("a", build)

	if j1 != j2 {
		t.Fatal("expected the same job instance for the same key")
	}
	if builds != 1 {
		t.Fatalf("expected exactly one construction, got %d", builds)
	}
}

func TestPoolEvictsOnDispose(t *testing.T) {
	p := NewPool[string](true)
	build := func(onDisposed func()) *job.Job { return job.New(onDisposed) }

	j1 := p.GetOrInsert("a", build)
	if p.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", p.Len())
	}

	j1.Dispose()
	if p.Len() != 0 {
		t.Fatalf("expected entry to be evicted after dispose, got %d", p.Len())
	}

	j2 := p.GetOrInsert("a", build)
	if j2 == j1 {
		t.Fatal("expected a fresh job after the old one disposed")
	}
}

func TestPoolDisabledNeverShares(t *testing.T) {
	p := NewPool[string](false)
	build := func(onDisposed func()) *job.Job { return job.New(onDisposed) }

	j1 := p.GetOrInsert("a", build)
	j2 := p.GetOrInsert("a", build)

	if j1 == j2 {
		t.Fatal("disabled pool must never share jobs")
	}
	if p.Len() != 0 {
		t.Fatalf("disabled pool must not track entries, got %d", p.Len())
	}
}
