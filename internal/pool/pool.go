// Package pool implements the local pool cache (C4): a per-thread,
// per-size-class LIFO free list that fronts the slab registry. Like the
// frame arena, a Cache must only ever be touched by the thread that owns
// it — there is no locking here at all.
package pool

import (
	"github.com/faintmark/faalloc/internal/slab"
	"github.com/faintmark/faalloc/memutils"
)

type classCache struct {
	free      *slab.Node
	freeCount int
}

// Cache is a thread-owned, per-size-class free list. On a miss it refills a
// batch from the slab registry; on a surplus (more than highWater nodes held
// locally) it returns the excess back to the registry.
type Cache struct {
	registry  *slab.Registry
	classes   []classCache
	batchSize int
	highWater int
	live      memutils.PeakTracker
}

// New constructs a Cache fronting registry, sized for its size classes.
func New(registry *slab.Registry, batchSize, highWater int) *Cache {
	return &Cache{
		registry:  registry,
		classes:   make([]classCache, len(registry.SizeClasses())),
		batchSize: batchSize,
		highWater: highWater,
	}
}

// Pop removes and returns a node from classIdx's free list, refilling from
// the slab registry on a miss. Returns (nil, nil) if the registry could not
// refill (the caller should surface ErrPoolExhausted).
func (c *Cache) Pop(classIdx int) (*slab.Node, error) {
	cc := &c.classes[classIdx]
	if cc.free == nil {
		batch, err := c.registry.Refill(classIdx, c.batchSize)
		if err != nil {
			return nil, err
		}
		for _, n := range batch {
			n.Next = cc.free
			cc.free = n
			cc.freeCount++
		}
	}
	if cc.free == nil {
		return nil, nil
	}

	n := cc.free
	cc.free = n.Next
	n.Next = nil
	cc.freeCount--

	size := c.registry.ClassSize(classIdx)
	c.live.Add(size)
	return n, nil
}

// Push returns a node to classIdx's free list. If the cache now holds more
// than highWater nodes for that class, the surplus above highWater is
// returned to the slab registry in one batch — the high-water-triggered
// policy recorded as the Open Question resolution in SPEC_FULL.md.
func (c *Cache) Push(classIdx int, n *slab.Node) {
	cc := &c.classes[classIdx]
	n.Next = cc.free
	cc.free = n
	cc.freeCount++

	size := c.registry.ClassSize(classIdx)
	c.live.Add(-size)

	if c.highWater > 0 && cc.freeCount > c.highWater {
		c.evictSurplus(classIdx, cc)
	}
}

func (c *Cache) evictSurplus(classIdx int, cc *classCache) {
	surplus := cc.freeCount - c.highWater
	batch := make([]*slab.Node, 0, surplus)
	for i := 0; i < surplus && cc.free != nil; i++ {
		n := cc.free
		cc.free = n.Next
		n.Next = nil
		cc.freeCount--
		batch = append(batch, n)
	}
	c.registry.ReturnBatch(classIdx, batch)
}

// LiveBytes returns the bytes currently held by allocations handed out from
// this cache (i.e. popped but not yet pushed back).
func (c *Cache) LiveBytes() int { return c.live.Live() }

// PeakBytes returns the highest LiveBytes ever observed.
func (c *Cache) PeakBytes() int { return c.live.Peak() }

// Registry exposes the backing slab registry, so the router can resolve a
// class index to an address-bearing allocation without duplicating the
// pointer arithmetic here.
func (c *Cache) Registry() *slab.Registry { return c.registry }
