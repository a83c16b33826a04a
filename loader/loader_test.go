package loader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func drain(t *testing.T, s Stream) []byte {
	t.Helper()
	var out bytes.Buffer
	for {
		chunk, err := s.Next(context.Background())
		out.Write(chunk.Data)
		if err == io.EOF {
			return out.Bytes()
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
	}
}

func TestHTTPLoaderLoadsWholeBody(t *testing.T) {
	want := bytes.Repeat([]byte("a"), 200*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(want)
	}))
	defer srv.Close()

	l := NewHTTPLoader(5*time.Second, 64*1024, 0)
	s, err := l.Load(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drain(t, s)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %d bytes, want %d", len(got), len(want))
	}
}

func TestHTTPLoaderPropagatesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l := NewHTTPLoader(5*time.Second, 1024, 0)
	_, err := l.Load(context.Background(), Request{URL: srv.URL})
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestHTTPLoaderSendsRangeHeaderWhenResuming(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("rest"))
	}))
	defer srv.Close()

	l := NewHTTPLoader(5*time.Second, 1024, 0)
	s, err := l.Load(context.Background(), Request{URL: srv.URL, RangeStart: 100, IfRange: `"v1"`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(t, s)

	if gotRange != "bytes=100-" {
		t.Fatalf("Range header = %q, want %q", gotRange, "bytes=100-")
	}
}
