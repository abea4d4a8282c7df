package subgraph_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/n9te9/fedgraph-router/federation/subgraph"
)

func TestCallPlainQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"hello":"world"}}`))
	}))
	defer srv.Close()

	c := subgraph.New("products", srv.URL, srv.Client(), subgraph.Limits{})
	resp, err := c.Call(context.Background(), subgraph.Request{Query: "{ hello }"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Data) != `{"hello":"world"}` {
		t.Fatalf("unexpected data: %s", resp.Data)
	}
}

func TestAPQFallbackOnNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Write([]byte(`{"errors":[{"message":"not found","extensions":{"code":"PERSISTED_QUERY_NOT_FOUND"}}]}`))
			return
		}
		w.Write([]byte(`{"data":{"hello":"world"}}`))
	}))
	defer srv.Close()

	c := subgraph.New("products", srv.URL, srv.Client(), subgraph.Limits{})
	resp, err := c.Call(context.Background(), subgraph.Request{Query: "{ hello }"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls (hash-only then full query), got %d", calls)
	}
	if string(resp.Data) != `{"hello":"world"}` {
		t.Fatalf("unexpected data: %s", resp.Data)
	}
}

func TestAPQDisabledOnNotSupported(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"errors":[{"message":"nope","extensions":{"code":"PERSISTED_QUERY_NOT_SUPPORTED"}}]}`))
	}))
	defer srv.Close()

	c := subgraph.New("products", srv.URL, srv.Client(), subgraph.Limits{})
	c.Call(context.Background(), subgraph.Request{Query: "{ hello }"})
	c.Call(context.Background(), subgraph.Request{Query: "{ hello }"})

	// Second call should skip the hash-only round trip entirely once disabled,
	// so total calls is 2 (one per Call), not 3+.
	if calls != 2 {
		t.Fatalf("expected APQ to be disabled after NOT_SUPPORTED, got %d calls", calls)
	}
}

func TestRateLimiting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	c := subgraph.New("products", srv.URL, srv.Client(), subgraph.Limits{RateLimit: 1000, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Call(ctx, subgraph.Request{Query: "{ a }"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
