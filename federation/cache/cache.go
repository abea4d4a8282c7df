// Package cache implements the query-plan cache: a fingerprinted, TTL'd LRU
// keyed on the combination of schema version, operation text, operation name
// and the shape of the supplied variables, with single-flight collapsing of
// concurrent misses for the same fingerprint.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fingerprint identifies a cacheable query plan.
type Fingerprint string

// NewFingerprint hashes the schema version, operation text, operation name,
// and variable-shape (keys + Go types, not values) into one cache key. Values
// are deliberately excluded so that two requests differing only in the
// literal values bound to variables share a plan.
func NewFingerprint(schemaVersion, operationText, operationName string, variables map[string]any) Fingerprint {
	h := sha256.New()
	fmt.Fprintf(h, "v=%s\x00op=%s\x00name=%s\x00", schemaVersion, operationText, operationName)

	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s:%T\x00", k, variables[k])
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

type entry struct {
	key       Fingerprint
	value     any
	expiresAt time.Time
	elem      *list.Element
}

// Cache is an LRU cache with per-entry TTL and single-flight miss collapsing.
// Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[Fingerprint]*entry
	order    *list.List // front = most recently used

	group singleflight.Group
}

// New creates a Cache holding at most capacity entries, each valid for ttl
// after insertion. A ttl of 0 means entries never expire on their own.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[Fingerprint]*entry),
		order:    list.New(),
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key Fingerprint) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		return nil, false
	}

	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Put inserts or replaces the cached value for key.
func (c *Cache) Put(key Fingerprint, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(e.elem)
		return
	}

	e := &entry{key: key, value: value, expiresAt: expiresAt}
	e.elem = c.order.PushFront(e)
	c.items[key] = e

	if c.capacity > 0 && len(c.items) > c.capacity {
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.removeLocked(oldest.Value.(*entry))
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.items, e.key)
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Invalidate drops every entry. The gateway does not call it: a hot reload
// builds a new engine with its own Cache.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Fingerprint]*entry)
	c.order.Init()
}

// GetOrCompute returns the cached plan for key, computing it via compute on a
// miss. Concurrent callers racing on the same key collapse into one compute
// call via singleflight; all of them receive the same result.
func (c *Cache) GetOrCompute(ctx context.Context, key Fingerprint, compute func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(string(key), func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
