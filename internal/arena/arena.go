// Package arena implements the frame arena (C3): a per-thread, chunked bump
// allocator with checkpoints and an amortized reset. Nothing in this
// package synchronizes with other threads — a FrameArena must only ever be
// touched by the thread that owns it; this is a hard invariant, not an
// optimization, and is unchecked at runtime.
package arena

import (
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/faintmark/faalloc/internal/heap"
	"github.com/faintmark/faalloc/memutils"
)

// ErrExhausted is wrapped (via errors.Is) by every error returned when a
// requested allocation exceeds what chunk growth can ever satisfy. The
// router package matches on it to attach the stable ArenaExhausted
// diagnostic code.
var ErrExhausted = errors.New("frame arena exhausted")

func errArenaExhausted(requested, cap int) error {
	return errors.Wrapf(ErrExhausted, "requested %d bytes exceeds chunk cap of %d bytes", requested, cap)
}

// Layout describes the size and alignment of a single allocation.
type Layout struct {
	Size  int
	Align uintptr
}

// Chunk is one contiguous byte range owned by a FrameArena.
type Chunk struct {
	buf    []byte
	base   unsafe.Pointer
	size   int
	cursor int
}

func newChunk(buf []byte) *Chunk {
	return &Chunk{buf: buf, base: unsafe.Pointer(&buf[0]), size: len(buf)}
}

func (c *Chunk) remaining() int { return c.size - c.cursor }

// Checkpoint captures a FrameArena cursor position for later rollback.
type Checkpoint struct {
	chunkIndex int
	cursor     int
}

// FrameArena is a per-thread chunked bump allocator. The first chunk is
// retained across resets to amortize the cost of the next frame's first
// allocation; additional chunks beyond FrameRetainedChunks are returned to
// the heap adapter at reset.
//
// Chunks are sourced directly from the heap adapter (C1) rather than the
// slab registry (C2): the largest pool size class tops out at a few KiB,
// well under the configured 64KiB..1MiB chunk range, so every chunk would
// bypass the registry back to C1 anyway. Routing chunk growth through C1
// directly keeps that bypass honest instead of bouncing through a registry
// that would immediately delegate back to C1 itself.
type FrameArena struct {
	heap *heap.Adapter

	chunks          []*Chunk
	currentChunk    int
	initialChunk    int
	maxChunk        int
	retainedChunks  int
	active          bool
	checkpoints     []Checkpoint
	peak            memutils.PeakTracker
	liveBytes       int
}

// New constructs an empty FrameArena. No chunk is allocated until the first
// Allocate call.
func New(h *heap.Adapter, initialChunkSize, maxChunkSize, retainedChunks int) *FrameArena {
	if retainedChunks < 1 {
		retainedChunks = 1
	}
	return &FrameArena{
		heap:           h,
		initialChunk:   initialChunkSize,
		maxChunk:       maxChunkSize,
		retainedChunks: retainedChunks,
	}
}

// Begin marks the arena active for a new frame. Allocate itself does not
// check this flag; callers consult Active before allocating.
func (a *FrameArena) Begin() {
	a.active = true
}

// Active reports whether the arena is currently inside a frame.
func (a *FrameArena) Active() bool { return a.active }

// Allocate performs a constant-time bump allocation, aligning the cursor up
// to layout.Align and advancing it by layout.Size. On overflow of the
// current chunk it grows by requesting a new chunk sized
// max(requested, currentSize*2) capped at maxChunk.
func (a *FrameArena) Allocate(layout Layout) (unsafe.Pointer, error) {
	if layout.Size == 0 {
		return sentinelPointer(), nil
	}

	if len(a.chunks) == 0 {
		if err := a.growTo(layout.Size, layout.Align); err != nil {
			return nil, err
		}
	}

	for {
		chunk := a.chunks[a.currentChunk]
		align := layout.Align
		if align < 1 {
			align = 1
		}
		alignedCursor := memutils.AlignUp(chunk.cursor, uint(align))
		end := alignedCursor + layout.Size

		if end <= chunk.size {
			ptr := unsafe.Add(chunk.base, alignedCursor)
			chunk.cursor = end
			a.liveBytes += layout.Size
			a.peak.Add(layout.Size)
			return ptr, nil
		}

		// Current chunk can't fit this allocation even after alignment padding;
		// grow. Growth always appends a new chunk; chunks kept past the first
		// by Reset are not advanced into and stay unused until they are freed.
		if err := a.growTo(layout.Size, layout.Align); err != nil {
			return nil, err
		}
	}
}

// AllocateBatch performs a single bump allocation of n*layout.Size bytes,
// returning the base address of n contiguous slots. The arena keeps no
// allocation count; the router's statistics count the batch as n
// allocations, as recorded in SPEC_FULL.md.
func (a *FrameArena) AllocateBatch(layout Layout, n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return sentinelPointer(), nil
	}
	total := Layout{Size: layout.Size * n, Align: layout.Align}
	return a.Allocate(total)
}

// growTo allocates a new chunk able to hold at least `requested` bytes at
// the given alignment, sized according to the growth policy (double the
// current chunk size, capped at maxChunk), or returns an error wrapping
// ErrExhausted if no achievable chunk size can satisfy the request. The
// chunk's backing memory is itself aligned to `align` so the new chunk's
// cursor starts at an already-aligned offset of zero.
func (a *FrameArena) growTo(requested int, align uintptr) error {
	size := a.initialChunk
	if len(a.chunks) > 0 {
		size = a.chunks[len(a.chunks)-1].size * 2
	}
	if size > a.maxChunk {
		size = a.maxChunk
	}
	if size < requested {
		size = requested
	}
	if size > a.maxChunk && requested > a.maxChunk {
		return errArenaExhausted(requested, a.maxChunk)
	}

	chunkAlign := align
	if chunkAlign < 16 {
		chunkAlign = 16
	}
	layout := heap.Layout{Size: size, Align: chunkAlign}
	base, err := a.heap.Allocate(layout, "arena::chunk")
	if err != nil {
		return err
	}

	buf := unsafe.Slice((*byte)(base), size)
	chunk := newChunk(buf)
	a.chunks = append(a.chunks, chunk)
	a.currentChunk = len(a.chunks) - 1
	return nil
}

// Checkpoint captures the current cursor position so a later RollbackTo can
// discard every allocation made since. Checkpoints nest via a stack.
func (a *FrameArena) Checkpoint() Checkpoint {
	cp := Checkpoint{chunkIndex: a.currentChunk, cursor: a.chunks[a.currentChunk].cursor}
	a.checkpoints = append(a.checkpoints, cp)
	return cp
}

// RollbackTo restores the cursor to the given checkpoint, frees any chunks
// allocated after it back to the heap adapter, and truncates the checkpoint
// stack above the restored entry.
func (a *FrameArena) RollbackTo(cp Checkpoint) {
	for i := len(a.chunks) - 1; i > cp.chunkIndex; i-- {
		a.freeChunk(a.chunks[i])
		a.chunks = a.chunks[:i]
	}
	a.currentChunk = cp.chunkIndex
	restoredBytes := a.chunks[cp.chunkIndex].cursor - cp.cursor
	a.chunks[cp.chunkIndex].cursor = cp.cursor
	if restoredBytes > 0 {
		a.liveBytes -= restoredBytes
	}

	for i, c := range a.checkpoints {
		if c == cp {
			a.checkpoints = a.checkpoints[:i+1]
			break
		}
	}
}

// Reset invalidates every outstanding pointer from the just-finished frame:
// the cursor returns to the start of the first chunk, chunks beyond
// FrameRetainedChunks are returned to the heap adapter, and running usage is
// zeroed. The high-water mark survives the reset for statistics purposes.
func (a *FrameArena) Reset() {
	for i := len(a.chunks) - 1; i >= a.retainedChunks && i > 0; i-- {
		a.freeChunk(a.chunks[i])
		a.chunks = a.chunks[:i]
	}
	if len(a.chunks) > 0 {
		a.chunks[0].cursor = 0
	}
	a.currentChunk = 0
	a.checkpoints = a.checkpoints[:0]
	a.liveBytes = 0
	a.peak.Reset()
	a.active = false
}

func (a *FrameArena) freeChunk(c *Chunk) {
	_ = a.heap.Free(c.base, heap.Layout{Size: c.size, Align: 16})
}

// LiveBytes returns the bytes consumed by live allocations in the current
// frame.
func (a *FrameArena) LiveBytes() int { return a.liveBytes }

// PeakBytes returns the highest LiveBytes value observed since the arena was
// constructed (or since the caller last chose to care — the tracker itself
// never resets its peak on Reset).
func (a *FrameArena) PeakBytes() int { return a.peak.Peak() }

// ChunkCount returns the number of chunks currently held by the arena.
func (a *FrameArena) ChunkCount() int { return len(a.chunks) }

func sentinelPointer() unsafe.Pointer {
	var zero struct{}
	return unsafe.Pointer(&zero)
}
