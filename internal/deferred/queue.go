// Package deferred implements the deferred-free queue (C5): a lock-free,
// multi-producer single-consumer queue that routes frees originating on a
// non-owning thread back to the thread that owns the memory. The
// implementation is a Michael-Scott intrusive linked queue — producers CAS
// onto the tail, the single consumer walks the head without any
// synchronization against other consumers (there is only ever one).
package deferred

import (
	"sync/atomic"
	"unsafe"

	"github.com/faintmark/faalloc/internal/heap"
	"github.com/faintmark/faalloc/internal/slab"
)

// Backend identifies which backend a deferred record should be routed back
// to when drained.
type Backend int

const (
	BackendPool Backend = iota
	BackendHeap
)

// Record is a single deferred free: an address, the layout it was allocated
// with, and which backend owns it.
type Record struct {
	Addr unsafe.Pointer
	Meta heap.Record // reuses heap.Record's Layout+TagPath shape
	Backend Backend
	// ClassIndex is meaningful only when Backend == BackendPool: which slab
	// size class the node belongs to.
	ClassIndex int
	Node       *slab.Node // set when Backend == BackendPool; nil otherwise
}

type node struct {
	value   Record
	dropped atomic.Bool
	next    atomic.Pointer[node]
}

// FullPolicy controls Enqueue's behavior once a bounded queue is at
// capacity.
type FullPolicy int

const (
	// ProcessImmediately attempts to make room by retiring the oldest queued
	// record before enqueuing the new one.
	ProcessImmediately FullPolicy = iota
	// DropOldest always retires the oldest queued record to make room.
	DropOldest
	// Fail returns false from Enqueue instead of making room.
	Fail
	// Grow ignores the configured capacity.
	Grow
)

// Queue is a single owning-thread's inbound deferred-free queue. Capacity
// <= 0 means unbounded.
type Queue struct {
	head atomic.Pointer[node]
	tail atomic.Pointer[node]
	count atomic.Int64

	capacity int64
	policy   FullPolicy
}

// New constructs an empty Queue. capacity <= 0 means unbounded, in which
// case policy is ignored.
func New(capacity int, policy FullPolicy) *Queue {
	stub := &node{}
	q := &Queue{capacity: int64(capacity), policy: policy}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Enqueue appends rec to the queue. It returns false when the queue is at
// capacity under the Fail policy, or under ProcessImmediately or DropOldest
// when no queued record can be retired to make room.
func (q *Queue) Enqueue(rec Record) bool {
	if q.capacity > 0 && q.policy != Grow {
		for {
			c := q.count.Load()
			if c < q.capacity {
				if q.count.CompareAndSwap(c, c+1) {
					break
				}
				continue
			}
			switch q.policy {
			case Fail:
				return false
			case ProcessImmediately, DropOldest:
				if q.tryDropOldest() {
					continue
				}
				return false
			default:
				return false
			}
		}
	} else {
		q.count.Add(1)
	}

	n := &node{value: rec}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				return true
			}
		} else {
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// tryDropOldest tombstones the oldest live record so the next Dequeue skips
// it, and accounts for the freed capacity slot. Returns false if the queue
// has nothing left to drop.
func (q *Queue) tryDropOldest() bool {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return false
	}
	if next.dropped.CompareAndSwap(false, true) {
		q.count.Add(-1)
		return true
	}
	// Already tombstoned by a concurrent dropper, and the consumer hasn't
	// advanced past it yet — we can't free a slot right now.
	return false
}

// Dequeue removes and returns the oldest live record. Only the owning
// thread may call this.
func (q *Queue) Dequeue() (Record, bool) {
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			return Record{}, false
		}
		q.head.Store(next)
		if next.dropped.Load() {
			continue
		}
		q.count.Add(-1)
		return next.value, true
	}
}

// Drain dequeues up to maxCount records, calling handle for each. It stops
// early if the queue empties.
func (q *Queue) Drain(maxCount int, handle func(Record)) int {
	drained := 0
	for drained < maxCount {
		rec, ok := q.Dequeue()
		if !ok {
			break
		}
		handle(rec)
		drained++
	}
	return drained
}

// Depth returns the approximate number of live records currently queued.
func (q *Queue) Depth() int {
	return int(q.count.Load())
}
