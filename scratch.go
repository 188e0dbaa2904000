package faalloc

import (
	"sync"
	"unsafe"

	"github.com/faintmark/faalloc/internal/arena"
	"github.com/faintmark/faalloc/internal/heap"
)

// ScratchPool is a named, persistent arena that survives frame resets. It is
// guarded by its own mutex since — unlike a thread-owned FrameArena — it may
// be written to by whichever thread's end_frame_with_promotions targets it.
type ScratchPool struct {
	mu              sync.Mutex
	arena           *arena.FrameArena
	checkpointDepth int
	capBytes        int
}

func newScratchPool(h *heap.Adapter, initialChunk, maxChunk, capBytes int) *ScratchPool {
	a := arena.New(h, initialChunk, maxChunk, 1)
	a.Begin() // scratch pools are always "active"; only an explicit Reset clears them
	return &ScratchPool{arena: a, capBytes: capBytes}
}

// Allocate reserves layout-shaped space in the pool. Returns
// ErrScratchPoolFull if capBytes is configured and would be exceeded.
func (p *ScratchPool) Allocate(layout arena.Layout, name string) (unsafe.Pointer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capBytes > 0 && p.arena.LiveBytes()+layout.Size > p.capBytes {
		return nil, ErrScratchPoolFull(name)
	}
	return p.arena.Allocate(layout)
}

// Checkpoint captures the pool's current cursor, marking it busy until a
// matching RollbackTo (or the checkpoint is simply abandoned by the caller,
// which permanently pins that memory — callers are expected to roll back).
func (p *ScratchPool) Checkpoint() arena.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpointDepth++
	return p.arena.Checkpoint()
}

// RollbackTo restores the pool to cp and decrements the busy count.
func (p *ScratchPool) RollbackTo(cp arena.Checkpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arena.RollbackTo(cp)
	if p.checkpointDepth > 0 {
		p.checkpointDepth--
	}
}

// Reset clears the pool's contents, invalidating every pointer it has ever
// returned. Fails with ErrScratchPoolBusy if any checkpoint is outstanding.
func (p *ScratchPool) Reset(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkpointDepth > 0 {
		return ErrScratchPoolBusy(name)
	}
	p.arena.Reset()
	p.arena.Begin()
	return nil
}

// LiveBytes reports the pool's current live byte count.
func (p *ScratchPool) LiveBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arena.LiveBytes()
}

// ScratchRegistry is the process-global, named map from scratch-pool name to
// its dedicated ScratchPool.
type ScratchRegistry struct {
	mu    sync.Mutex
	heap  *heap.Adapter
	pools map[string]*ScratchPool

	initialChunk, maxChunk, capBytes int
}

func newScratchRegistry(h *heap.Adapter, initialChunk, maxChunk, capBytes int) *ScratchRegistry {
	return &ScratchRegistry{
		heap:         h,
		pools:        make(map[string]*ScratchPool),
		initialChunk: initialChunk,
		maxChunk:     maxChunk,
		capBytes:     capBytes,
	}
}

// Pool returns the named scratch pool, creating it on first use.
func (r *ScratchRegistry) Pool(name string) *ScratchPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[name]
	if !ok {
		p = newScratchPool(r.heap, r.initialChunk, r.maxChunk, r.capBytes)
		r.pools[name] = p
	}
	return p
}

// Names returns every scratch pool name registered so far.
func (r *ScratchRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}
