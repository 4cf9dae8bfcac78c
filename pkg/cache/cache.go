// Package cache provides the short-lived lookup caches for decrypted keys
// and resolved grants, plus cross-instance invalidation.
package cache

import (
	"sync"
	"time"
)

// Entry is a cached value with the time it was stored and its lifetime.
type Entry[T any] struct {
	Value    T
	CachedAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the entry may still be served at now.
func (e Entry[T]) Fresh(now time.Time) bool {
	return now.Sub(e.CachedAt) <= e.TTL
}

// Option configures a LookupCache.
type Option[T any] func(*LookupCache[T])

// WithClock replaces time.Now, for tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *LookupCache[T]) { c.now = now }
}

// WithClone copies values on the way in and out so callers cannot mutate
// cached state.
func WithClone[T any](clone func(T) T) Option[T] {
	return func(c *LookupCache[T]) { c.clone = clone }
}

// LookupCache maps (contentID, principal) to a value with a bounded TTL.
// Each content id carries a generation counter that every invalidation
// bumps; a Set carrying an older generation is dropped so an in-flight
// lookup cannot resurrect state cleared by a rotation or revocation.
type LookupCache[T any] struct {
	mu          sync.RWMutex
	ttl         time.Duration
	now         func() time.Time
	clone       func(T) T
	entries     map[string]map[string]Entry[T]
	generations map[string]uint64
}

// New creates a cache. A non-positive ttl disables caching entirely.
func New[T any](ttl time.Duration, opts ...Option[T]) *LookupCache[T] {
	c := &LookupCache[T]{
		ttl:         ttl,
		now:         time.Now,
		entries:     make(map[string]map[string]Entry[T]),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LookupCache[T]) Enabled() bool {
	return c != nil && c.ttl > 0
}

func (c *LookupCache[T]) TTL() time.Duration {
	return c.ttl
}

// Get returns a fresh entry's value. Stale entries are removed.
func (c *LookupCache[T]) Get(contentID, principal string) (T, bool) {
	var zero T
	if !c.Enabled() {
		return zero, false
	}

	c.mu.RLock()
	entry, ok := c.entries[contentID][principal]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}

	if !entry.Fresh(c.now()) {
		c.mu.Lock()
		if current, still := c.entries[contentID][principal]; still && current.CachedAt.Equal(entry.CachedAt) {
			c.deleteLocked(contentID, principal)
		}
		c.mu.Unlock()
		return zero, false
	}

	if c.clone != nil {
		return c.clone(entry.Value), true
	}
	return entry.Value, true
}

// Generation returns the invalidation counter for contentID. Read it before
// starting the lookup whose result will be passed to Set.
func (c *LookupCache[T]) Generation(contentID string) uint64 {
	if !c.Enabled() {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[contentID]
}

// Set stores value if no invalidation of contentID happened since gen was
// read. It reports whether the value was stored.
func (c *LookupCache[T]) Set(contentID, principal string, value T, gen uint64) bool {
	return c.SetFor(contentID, principal, value, gen, c.ttl)
}

// SetFor is Set with the entry's lifetime capped at ttl, for values that
// must not outlive the authorization they were derived from. A
// non-positive ttl stores nothing.
func (c *LookupCache[T]) SetFor(contentID, principal string, value T, gen uint64, ttl time.Duration) bool {
	if !c.Enabled() || ttl <= 0 {
		return false
	}
	if ttl > c.ttl {
		ttl = c.ttl
	}
	if c.clone != nil {
		value = c.clone(value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[contentID] != gen {
		return false
	}
	byPrincipal, ok := c.entries[contentID]
	if !ok {
		byPrincipal = make(map[string]Entry[T])
		c.entries[contentID] = byPrincipal
	}
	byPrincipal[principal] = Entry[T]{Value: value, CachedAt: c.now(), TTL: ttl}
	return true
}

// Invalidate drops the entry for (contentID, principal).
func (c *LookupCache[T]) Invalidate(contentID, principal string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[contentID]++
	c.deleteLocked(contentID, principal)
}

// InvalidateContent drops every entry for contentID.
func (c *LookupCache[T]) InvalidateContent(contentID string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[contentID]++
	delete(c.entries, contentID)
}

// Purge removes expired entries and returns how many were dropped.
func (c *LookupCache[T]) Purge() int {
	if !c.Enabled() {
		return 0
	}
	now := c.now()
	removed := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for contentID, byPrincipal := range c.entries {
		for principal, entry := range byPrincipal {
			if !entry.Fresh(now) {
				delete(byPrincipal, principal)
				removed++
			}
		}
		if len(byPrincipal) == 0 {
			delete(c.entries, contentID)
		}
	}
	return removed
}

// Len counts stored entries, fresh or not.
func (c *LookupCache[T]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, byPrincipal := range c.entries {
		n += len(byPrincipal)
	}
	return n
}

func (c *LookupCache[T]) deleteLocked(contentID, principal string) {
	byPrincipal, ok := c.entries[contentID]
	if !ok {
		return
	}
	delete(byPrincipal, principal)
	if len(byPrincipal) == 0 {
		delete(c.entries, contentID)
	}
}
