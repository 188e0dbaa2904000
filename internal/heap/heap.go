// Package heap implements the system heap adapter (C1): the fallback
// backend for allocations that bypass the pool's size classes, and the
// source of new pages for the slab registry. All state is protected by a
// single mutex since heap calls are expected to be comparatively rare.
package heap

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/faintmark/faalloc/memutils"
)

// Layout describes the size and alignment of a single allocation.
type Layout struct {
	Size  int
	Align uintptr
}

// Record is the bookkeeping kept for every live heap allocation when debug
// leak detection is enabled.
type Record struct {
	Layout  Layout
	TagPath string
}

// Adapter backs large/fallback allocations with Go-managed memory and tracks
// live bytes for budget accounting. With leak tracking on (New(true) or
// EnableLeakTracking) it additionally tracks every live block for leak
// detection.
type Adapter struct {
	mu state

	trackLeaks bool
}

type state struct {
	sync.Mutex
	live   memutils.Statistics
	peak   memutils.PeakTracker
	blocks map[unsafe.Pointer]Record
}

// New constructs a heap adapter. trackLeaks enables the per-block leak
// detection map, intended for debug/test builds where the extra bookkeeping
// cost is acceptable.
func New(trackLeaks bool) *Adapter {
	a := &Adapter{trackLeaks: trackLeaks}
	if trackLeaks {
		a.mu.blocks = make(map[unsafe.Pointer]Record)
	}
	return a
}

// Allocate backs a Layout with freshly made Go memory and returns a pointer
// to the first byte satisfying the requested alignment. The returned pointer
// remains valid for as long as the caller keeps it reachable — it points
// into the middle of a Go-allocated byte slice, which the garbage collector
// treats as keeping the whole slice alive.
func (a *Adapter) Allocate(layout Layout, tagPath string) (unsafe.Pointer, error) {
	if layout.Size <= 0 {
		return nil, errors.New("heap: allocation size must be positive")
	}

	align := layout.Align
	if align < 1 {
		align = 1
	}
	buf := make([]byte, layout.Size+int(align))
	base := uintptr(unsafe.Pointer(&buf[0]))
	padding := (int(align) - int(base%align)) % int(align)
	ptr := unsafe.Add(unsafe.Pointer(&buf[0]), padding)

	a.mu.Lock()
	a.mu.live.AllocationCount++
	a.mu.live.AllocationBytes += layout.Size
	a.mu.peak.Add(layout.Size)
	if a.trackLeaks {
		a.mu.blocks[ptr] = Record{Layout: layout, TagPath: tagPath}
	}
	a.mu.Unlock()

	return ptr, nil
}

// Free releases a previously allocated block. layout must match the layout
// passed to Allocate.
func (a *Adapter) Free(ptr unsafe.Pointer, layout Layout) error {
	if ptr == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.trackLeaks {
		if _, ok := a.mu.blocks[ptr]; !ok {
			return errors.Newf("heap: free of untracked pointer")
		}
		delete(a.mu.blocks, ptr)
	}

	a.mu.live.AllocationCount--
	a.mu.live.AllocationBytes -= layout.Size
	a.mu.peak.Add(-layout.Size)

	return nil
}

// LiveStatistics returns a snapshot of current live byte/allocation counts.
func (a *Adapter) LiveStatistics() memutils.Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mu.live
}

// PeakBytes returns the highest live byte total ever observed.
func (a *Adapter) PeakBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mu.peak.Peak()
}

// EnableLeakTracking turns on per-block leak tracking if it wasn't already
// enabled at construction time. Existing live blocks allocated before this
// call are not retroactively tracked.
func (a *Adapter) EnableLeakTracking() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.trackLeaks {
		return
	}
	a.trackLeaks = true
	a.mu.blocks = make(map[unsafe.Pointer]Record)
}

// LeakedBlocks returns the Record for every still-live allocation, for use
// in debug-mode leak reports. Returns nil if leak tracking is disabled.
func (a *Adapter) LeakedBlocks() map[unsafe.Pointer]Record {
	if !a.trackLeaks {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[unsafe.Pointer]Record, len(a.mu.blocks))
	for k, v := range a.mu.blocks {
		out[k] = v
	}
	return out
}
