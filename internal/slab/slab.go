// Package slab implements the slab registry (C2): process-global,
// size-classed free lists that feed the per-thread local pool cache. Each
// size class is refilled from the system heap adapter in batches, under a
// mutex taken once per Refill call — not per node — so the lock is touched
// once per N allocations instead of once per allocation.
package slab

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/faintmark/faalloc/internal/heap"
	"github.com/faintmark/faalloc/memutils"
)

// Node is a single free block handed out by a size class's free list. Next
// threads the node onto a LIFO stack while it's free; Next is overwritten by
// the consumer once handed out.
type Node struct {
	Ptr  unsafe.Pointer
	Next *Node
}

type class struct {
	mu        sync.Mutex
	size      int
	free      *Node
	freeCount int
	stats     memutils.Statistics
}

// Registry owns one free list per configured size class plus the oversize
// path straight to the heap adapter.
type Registry struct {
	heap      *heap.Adapter
	classes   []*class
	sizes     []int
	batchSize int
}

// New constructs a Registry over the given ascending power-of-two size
// classes, refilling each from heap in batches of batchSize nodes.
func New(h *heap.Adapter, sizeClasses []int, batchSize int) *Registry {
	sizes := append([]int(nil), sizeClasses...)
	sort.Ints(sizes)

	classes := make([]*class, len(sizes))
	for i, sz := range sizes {
		classes[i] = &class{size: sz}
	}

	if batchSize < 1 {
		batchSize = 1
	}

	return &Registry{heap: h, classes: classes, sizes: sizes, batchSize: batchSize}
}

// SizeClasses returns the configured ascending size classes.
func (r *Registry) SizeClasses() []int {
	return append([]int(nil), r.sizes...)
}

// ClassFor returns the index of the smallest size class that can satisfy
// size, or len(SizeClasses()) if size exceeds the largest class (the caller
// must fall back to the heap adapter directly).
func (r *Registry) ClassFor(size int) int {
	return sort.SearchInts(r.sizes, size) // sizes is sorted ascending; first i with sizes[i] >= size
}

// classIndexValid reports whether idx is a real size class, vs. the
// "oversize" sentinel returned by ClassFor for requests above the largest
// class.
func (r *Registry) classIndexValid(idx int) bool {
	return idx >= 0 && idx < len(r.sizes)
}

// Valid reports whether idx is a real size class index, as opposed to the
// oversize sentinel ClassFor returns for requests above the largest class.
// Callers outside this package use this instead of comparing against the
// sentinel value.
func (r *Registry) Valid(idx int) bool {
	return r.classIndexValid(idx)
}

// Refill holds the class mutex for the whole call and pops up to count nodes
// from the class's free list; each time the list runs empty it splits a
// fresh page from the heap adapter into batchSize nodes, and the nodes not
// returned stay on the free list.
func (r *Registry) Refill(classIdx, count int) ([]*Node, error) {
	if !r.classIndexValid(classIdx) {
		return nil, nil
	}
	c := r.classes[classIdx]

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Node, 0, count)
	for len(out) < count {
		if c.free == nil {
			if err := r.growLocked(c); err != nil {
				return out, err
			}
			if c.free == nil {
				break
			}
		}
		n := c.free
		c.free = n.Next
		n.Next = nil
		c.freeCount--
		out = append(out, n)
	}

	c.stats.AllocationCount += len(out)
	c.stats.AllocationBytes += len(out) * c.size
	return out, nil
}

// growLocked allocates one page from the heap adapter sized batchSize*class
// size and splits it into free nodes. Caller must hold c.mu.
func (r *Registry) growLocked(c *class) error {
	pageSize := c.size * r.batchSize
	layout := heap.Layout{Size: pageSize, Align: uintptr(c.size)}
	base, err := r.heap.Allocate(layout, "slab::page")
	if err != nil {
		return err
	}

	c.stats.BlockCount++
	c.stats.BlockBytes += pageSize

	for i := r.batchSize - 1; i >= 0; i-- {
		node := &Node{Ptr: unsafe.Add(base, i*c.size)}
		node.Next = c.free
		c.free = node
		c.freeCount++
	}
	return nil
}

// ReturnBatch pushes previously allocated nodes back onto their class's free
// list for reuse.
func (r *Registry) ReturnBatch(classIdx int, nodes []*Node) {
	if !r.classIndexValid(classIdx) || len(nodes) == 0 {
		return
	}
	c := r.classes[classIdx]

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range nodes {
		n.Next = c.free
		c.free = n
		c.freeCount++
	}
	c.stats.AllocationCount -= len(nodes)
	c.stats.AllocationBytes -= len(nodes) * c.size
}

// ClassSize returns the block size in bytes for a size class index.
func (r *Registry) ClassSize(classIdx int) int {
	if !r.classIndexValid(classIdx) {
		return 0
	}
	return r.classes[classIdx].size
}

// Statistics returns a point-in-time rollup across every size class.
func (r *Registry) Statistics() memutils.Statistics {
	var total memutils.Statistics
	for _, c := range r.classes {
		c.mu.Lock()
		total.AddStatistics(&c.stats)
		c.mu.Unlock()
	}
	return total
}
