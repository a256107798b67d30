package store

import (
	"context"
	"sync"
	"time"

	"alarmd/internal/alarm"
)

const globalScope = ""

type callerKey struct{}

// WithCaller tags ctx with a cache scope. Loads made with the returned
// context are cached separately from the global scope, so one caller can
// keep a stable view without affecting others. InvalidateCache clears every
// scope.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFrom(ctx context.Context) string {
	if ctx == nil {
		return globalScope
	}
	s, _ := ctx.Value(callerKey{}).(string)
	return s
}

type cacheEntry struct {
	rec     alarm.Record
	expires time.Time
}

// recordCache is a TTL cache keyed by scope. gen changes on every
// invalidation; a reader that started before an invalidation must not
// repopulate the cache with what it read.
type recordCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	gen     uint64
	entries map[string]cacheEntry
}

func newRecordCache(ttl time.Duration) *recordCache {
	return &recordCache{ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *recordCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// get returns a private copy of the cached record for scope, falling back
// to the global scope.
func (c *recordCache) get(scope string, now time.Time) (alarm.Record, bool) {
	if c.ttl <= 0 {
		return alarm.Record{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range []string{scope, globalScope} {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if now.After(e.expires) {
			delete(c.entries, key)
			continue
		}
		return e.rec.Clone(), true
	}
	return alarm.Record{}, false
}

// put stores rec for scope (and the global scope) unless the cache was
// invalidated after gen was observed.
func (c *recordCache) put(scope string, rec alarm.Record, gen uint64, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	e := cacheEntry{rec: rec.Clone(), expires: now.Add(c.ttl)}
	c.entries[globalScope] = e
	if scope != globalScope {
		c.entries[scope] = cacheEntry{rec: rec.Clone(), expires: e.expires}
	}
}

func (c *recordCache) invalidate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.entries)
	return c.gen
}
