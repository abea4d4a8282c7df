package reqcontext_test

import (
	"sync"
	"testing"

	"github.com/n9te9/fedgraph-router/federation/reqcontext"
)

type testValue struct{ value string }

func TestBasicOperations(t *testing.T) {
	ctx := reqcontext.New()

	reqcontext.Insert(ctx, 42)
	reqcontext.Insert(ctx, "hello")

	if v, ok := reqcontext.Get[int](ctx); !ok || v != 42 {
		t.Fatalf("expected 42, got %v ok=%v", v, ok)
	}
	if v, ok := reqcontext.Get[string](ctx); !ok || v != "hello" {
		t.Fatalf("expected hello, got %v ok=%v", v, ok)
	}

	reqcontext.Remove[int](ctx)
	if _, ok := reqcontext.Get[int](ctx); ok {
		t.Fatal("expected int to be removed")
	}
	if v, ok := reqcontext.Get[string](ctx); !ok || v != "hello" {
		t.Fatalf("expected hello to survive removal of int, got %v ok=%v", v, ok)
	}
}

func TestMultipleTypes(t *testing.T) {
	ctx := reqcontext.New()
	reqcontext.Insert(ctx, 42)
	reqcontext.Insert(ctx, "hello")
	reqcontext.Insert(ctx, testValue{value: "world"})

	if v, _ := reqcontext.Get[testValue](ctx); v.value != "world" {
		t.Fatalf("expected world, got %v", v.value)
	}
}

func TestOverwriteValues(t *testing.T) {
	ctx := reqcontext.New()
	reqcontext.Insert(ctx, 42)
	reqcontext.Insert(ctx, 43)
	if v, _ := reqcontext.Get[int](ctx); v != 43 {
		t.Fatalf("expected 43, got %d", v)
	}
}

func TestRemoveNonexistent(t *testing.T) {
	ctx := reqcontext.New()
	reqcontext.Remove[int](ctx)
	if _, ok := reqcontext.Get[int](ctx); ok {
		t.Fatal("expected no int present")
	}
}

func TestConcurrentUpsert(t *testing.T) {
	ctx := reqcontext.New()
	reqcontext.Insert(ctx, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reqcontext.Upsert(ctx, func(current int, ok bool) int {
					return current + 1
				})
			}
		}()
	}
	wg.Wait()

	v, _ := reqcontext.Get[int](ctx)
	if v != 500 {
		t.Fatalf("expected 500, got %d", v)
	}
}

func TestRequestIDPersistsAcrossClone(t *testing.T) {
	ctx := reqcontext.New()
	clone := ctx.Clone()
	if clone.RequestID() != ctx.RequestID() {
		t.Fatal("expected clone to keep the same request ID")
	}
}
