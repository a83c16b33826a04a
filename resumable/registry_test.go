package resumable

import "testing"

func TestRegistryPutThenTakeIsOneShot(t *testing.T) {
	r := New(0)
	st := State{Bytes: []byte("partial"), Validator: Validator{ETag: "v1"}, ExpectedTotal: 100}
	r.Put("https://example.com/a", st)

	got, ok := r.Take("https://example.com/a")
	if !ok {
		t.Fatal("expected a hit")
	}
	if string(got.Bytes) != "partial" {
		t.Fatalf("got %q", got.Bytes)
	}

	if _, ok := r.Take("https://example.com/a"); ok {
		t.Fatal("expected Take to be one-shot")
	}
}

func TestRegistryEvictsOverSizeLimit(t *testing.T) {
	r := New(10)
	r.Put("a", State{Bytes: make([]byte, 6)})
	r.Put("b", State{Bytes: make([]byte, 6)})

	if r.Len() != 1 {
		t.Fatalf("expected eviction to keep registry under the size limit, len=%d", r.Len())
	}
	if _, ok := r.Take("a"); ok {
		t.Fatal("expected the older entry to have been evicted")
	}
	if _, ok := r.Take("b"); !ok {
		t.Fatal("expected the newer entry to survive")
	}
}

func TestRegistryRejectsOversizedEntry(t *testing.T) {
	r := New(10)
	r.Put("big", State{Bytes: make([]byte, 20)})
	if r.Len() != 0 {
		t.Fatal("expected an entry larger than the whole registry to be rejected")
	}
}

func TestValidatorMatches(t *testing.T) {
	a := Validator{ETag: "abc"}
	b := Validator{ETag: "abc"}
	c := Validator{ETag: "xyz"}
	if !a.Matches(b) {
		t.Fatal("expected equal ETags to match")
	}
	if a.Matches(c) {
		t.Fatal("expected different ETags to not match")
	}
	if (Validator{}).Matches(Validator{}) {
		t.Fatal("expected empty validators to never match")
	}
}
