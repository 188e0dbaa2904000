// Package stats implements the atomic counters backing the statistics and
// snapshot component (C13): one set of global counters, lazily-created
// per-thread counters, and lazily-created per-tag counters, all updated
// with relaxed atomics on the hot allocation path.
package stats

import (
	"sync"
	"sync/atomic"
)

func loadInt64(addr *int64) int64                       { return atomic.LoadInt64(addr) }
func storeInt64(addr *int64, val int64)                  { atomic.StoreInt64(addr, val) }
func addInt64(addr *int64, delta int64) int64            { return atomic.AddInt64(addr, delta) }
func compareAndSwapInt64(addr *int64, old, new int64) bool {
	return atomic.CompareAndSwapInt64(addr, old, new)
}

// Backend identifies which of the three allocation backends a counter
// update applies to.
type Backend int

const (
	Frame Backend = iota
	Pool
	Heap
)

// Counters is one scope's live byte/allocation bookkeeping. Safe for
// concurrent use; every field is updated via atomic operations obtained
// through the accessor methods below (no bare field access from outside the
// package).
type Counters struct {
	frameLive  int64
	poolLive   int64
	heapLive   int64
	peakBytes  int64

	frameAllocs, frameDeallocs int64
	poolAllocs, poolDeallocs   int64
	heapAllocs, heapDeallocs   int64
}

// Snapshot is a point-in-time, non-atomic read of a Counters.
type Snapshot struct {
	FrameBytes, PoolBytes, HeapBytes, PeakBytes int64
	FrameAllocs, FrameDeallocs                  int64
	PoolAllocs, PoolDeallocs                    int64
	HeapAllocs, HeapDeallocs                    int64
}

// Read returns a Snapshot of c. Individual fields may be torn relative to
// each other under concurrent writers; this mirrors the relaxed-atomics
// contract spec'd for statistics.
func (c *Counters) Read() Snapshot {
	return Snapshot{
		FrameBytes:     loadInt64(&c.frameLive),
		PoolBytes:      loadInt64(&c.poolLive),
		HeapBytes:      loadInt64(&c.heapLive),
		PeakBytes:      loadInt64(&c.peakBytes),
		FrameAllocs:    loadInt64(&c.frameAllocs),
		FrameDeallocs:  loadInt64(&c.frameDeallocs),
		PoolAllocs:     loadInt64(&c.poolAllocs),
		PoolDeallocs:   loadInt64(&c.poolDeallocs),
		HeapAllocs:     loadInt64(&c.heapAllocs),
		HeapDeallocs:   loadInt64(&c.heapDeallocs),
	}
}

// RecordAlloc credits backend with a newly-live allocation of size bytes,
// updating the live and peak totals.
func (c *Counters) RecordAlloc(backend Backend, size int64) {
	var live *int64
	switch backend {
	case Frame:
		live = &c.frameLive
		addInt64(&c.frameAllocs, 1)
	case Pool:
		live = &c.poolLive
		addInt64(&c.poolAllocs, 1)
	case Heap:
		live = &c.heapLive
		addInt64(&c.heapAllocs, 1)
	}
	newVal := addInt64(live, size)
	c.bumpPeak(loadInt64(&c.frameLive) + loadInt64(&c.poolLive) + loadInt64(&c.heapLive))
	_ = newVal
}

// RecordFree debits backend by size bytes for a freed/reset allocation.
func (c *Counters) RecordFree(backend Backend, size int64) {
	switch backend {
	case Frame:
		addInt64(&c.frameLive, -size)
		addInt64(&c.frameDeallocs, 1)
	case Pool:
		addInt64(&c.poolLive, -size)
		addInt64(&c.poolDeallocs, 1)
	case Heap:
		addInt64(&c.heapLive, -size)
		addInt64(&c.heapDeallocs, 1)
	}
}

// ResetFrame zeroes frame-backend live bytes at frame reset without
// touching allocation counts (which are cumulative for the process
// lifetime) or pool/heap totals.
func (c *Counters) ResetFrame() {
	storeInt64(&c.frameLive, 0)
}

func (c *Counters) bumpPeak(total int64) {
	for {
		p := loadInt64(&c.peakBytes)
		if total <= p {
			return
		}
		if compareAndSwapInt64(&c.peakBytes, p, total) {
			return
		}
	}
}

// TagCounters tracks per-tag attribution: live bytes, cumulative allocation
// count, and how many of this tag's retained entries were promoted.
type TagCounters struct {
	liveBytes  int64
	allocs     int64
	promotions int64
}

func (t *TagCounters) RecordAlloc(size int64) {
	addInt64(&t.liveBytes, size)
	addInt64(&t.allocs, 1)
}

func (t *TagCounters) RecordFree(size int64) {
	addInt64(&t.liveBytes, -size)
}

func (t *TagCounters) RecordPromotion() {
	addInt64(&t.promotions, 1)
}

func (t *TagCounters) Read() (liveBytes, allocs, promotions int64) {
	return loadInt64(&t.liveBytes), loadInt64(&t.allocs), loadInt64(&t.promotions)
}

// Registry owns the global counters plus lazily-created per-thread and
// per-tag counters.
type Registry struct {
	Global *Counters

	mu      sync.Mutex
	threads map[uint64]*Counters
	tags    map[string]*TagCounters
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		Global:  &Counters{},
		threads: make(map[uint64]*Counters),
		tags:    make(map[string]*TagCounters),
	}
}

// ThreadCounters returns the Counters for threadID, creating it on first
// use.
func (r *Registry) ThreadCounters(threadID uint64) *Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.threads[threadID]
	if !ok {
		c = &Counters{}
		r.threads[threadID] = c
	}
	return c
}

// TagCounters returns the TagCounters for path, creating it on first use.
func (r *Registry) TagCounters(path string) *TagCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.tags[path]
	if !ok {
		c = &TagCounters{}
		r.tags[path] = c
	}
	return c
}

// Threads returns a snapshot of every registered thread ID and its current
// counters.
func (r *Registry) Threads() map[uint64]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]Snapshot, len(r.threads))
	for id, c := range r.threads {
		out[id] = c.Read()
	}
	return out
}

// Tags returns a snapshot of every registered tag path and its counters.
func (r *Registry) Tags() map[string]struct{ LiveBytes, Allocs, Promotions int64 } {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{ LiveBytes, Allocs, Promotions int64 }, len(r.tags))
	for path, c := range r.tags {
		lb, a, p := c.Read()
		out[path] = struct{ LiveBytes, Allocs, Promotions int64 }{lb, a, p}
	}
	return out
}
