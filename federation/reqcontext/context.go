// Package reqcontext implements a type-keyed, concurrency-safe value bag
// carried alongside a request through every layer of the pipeline, mirroring
// the insert/get/remove semantics of the Rust router's per-request Context.
package reqcontext

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Context is a concurrent map keyed by the Go type stored in it: at most one
// value of each concrete type can be present at a time. Values are looked up
// and inserted with the package-level generic functions Get/Insert/Remove,
// since Go methods cannot themselves carry type parameters.
type Context struct {
	id     string
	values sync.Map // reflect.Type -> any
}

// New creates an empty Context with a fresh correlation ID.
func New() *Context {
	return &Context{id: uuid.NewString()}
}

// RequestID returns the correlation ID generated for this context.
func (c *Context) RequestID() string {
	return c.id
}

// Clone returns a new Context carrying a copy of every stored value, used
// when a layer needs to fork work (e.g. one Context per Parallel branch)
// without later branches seeing each other's mutations.
func (c *Context) Clone() *Context {
	clone := &Context{id: c.id}
	c.values.Range(func(k, v any) bool {
		clone.values.Store(k, v)
		return true
	})
	return clone
}

func typeKey[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Insert stores value, replacing any existing value of the same type.
func Insert[T any](c *Context, value T) {
	c.values.Store(typeKey[T](), value)
}

// Get retrieves the value of type T, if one has been inserted.
func Get[T any](c *Context) (T, bool) {
	v, ok := c.values.Load(typeKey[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Remove deletes the value of type T, if present. Removing a type that was
// never inserted is a no-op.
func Remove[T any](c *Context) {
	c.values.Delete(typeKey[T]())
}

// Upsert atomically updates the value of type T: fn receives the current
// value (or the zero value and false if absent) and returns the value to
// store. Used for accumulator-style fields such as a running error list.
func Upsert[T any](c *Context, fn func(current T, ok bool) T) {
	key := typeKey[T]()
	for {
		var current T
		existing, ok := c.values.Load(key)
		if ok {
			current = existing.(T)
		}
		next := fn(current, ok)
		if !ok {
			if _, loaded := c.values.LoadOrStore(key, next); !loaded {
				return
			}
			continue
		}
		if c.values.CompareAndSwap(key, existing, next) {
			return
		}
	}
}
