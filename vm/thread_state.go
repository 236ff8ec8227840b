package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// ThreadState: per-worker scheduling state
// ---------------------------------------------------------------------------

// ThreadState belongs to one scheduler worker: its run queue, the monitor it
// sleeps on while idle and its dispatch cache.
type ThreadState struct {
	id    int
	queue ProcessQueue
	cache LookupCache

	idleMu   sync.Mutex
	idleCond *sync.Cond

	// Link in the scheduler's idle stack. nil means "not on the stack";
	// the bottom entry points at the empty sentinel.
	nextIdle atomic.Pointer[ThreadState]
}

func newThreadState() *ThreadState {
	ts := &ThreadState{id: -1}
	ts.idleCond = sync.NewCond(&ts.idleMu)
	return ts
}

// ID returns the worker index.
func (ts *ThreadState) ID() int { return ts.id }

// Queue returns the worker's run queue.
func (ts *ThreadState) Queue() *ProcessQueue { return &ts.queue }

// Cache returns the worker's dispatch cache.
func (ts *ThreadState) Cache() *LookupCache { return &ts.cache }

func (ts *ThreadState) notify() {
	ts.idleMu.Lock()
	ts.idleCond.Signal()
	ts.idleMu.Unlock()
}

// ---------------------------------------------------------------------------
// LookupCache
// ---------------------------------------------------------------------------

// LookupCache is a per-worker memo an interpreter may use for method
// dispatch. It is cleared whenever the worker pauses, since a stopped
// program may have its classes changed.
type LookupCache struct {
	entries map[LookupKey]any
	hits    int
	misses  int
}

// LookupKey identifies a cached dispatch: a class and a selector.
type LookupKey struct {
	Class    uint64
	Selector int64
}

// Lookup returns the cached target for key.
func (c *LookupCache) Lookup(key LookupKey) (any, bool) {
	v, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Put caches target for key.
func (c *LookupCache) Put(key LookupKey, target any) {
	if c.entries == nil {
		c.entries = make(map[LookupKey]any)
	}
	c.entries[key] = target
}

// Clear drops every entry.
func (c *LookupCache) Clear() { clear(c.entries) }

// Len returns the number of cached entries.
func (c *LookupCache) Len() int { return len(c.entries) }

// Stats returns the hit and miss counts.
func (c *LookupCache) Stats() (hits, misses int) { return c.hits, c.misses }
