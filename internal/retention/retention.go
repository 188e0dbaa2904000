// Package retention implements the retention store (C6): a flat per-thread
// list of frame allocations opted into surviving past their frame's reset,
// processed in a single pass at frame end. There is no reachability
// analysis and no cycle detection — retention is explicit, deterministic,
// and bounded by construction.
package retention

import "unsafe"

// Policy selects what happens to a retained allocation at frame end.
type Policy int

const (
	// Discard takes no action; the arena reset invalidates the memory as
	// normal. Retaining with this policy exists so callers can decide the
	// policy dynamically without branching on whether to call Retain at all.
	Discard Policy = iota
	PromoteToPool
	PromoteToHeap
	PromoteToScratch
)

func (p Policy) String() string {
	switch p {
	case Discard:
		return "Discard"
	case PromoteToPool:
		return "PromoteToPool"
	case PromoteToHeap:
		return "PromoteToHeap"
	case PromoteToScratch:
		return "PromoteToScratch"
	default:
		return "Unknown"
	}
}

// Layout describes the size and alignment of a retained value.
type Layout struct {
	Size  int
	Align uintptr
}

// Entry is a single retained allocation, created by the retained-alloc entry
// point and consumed exactly once at frame end.
type Entry struct {
	Ptr         unsafe.Pointer
	Layout      Layout
	DropFn      func(unsafe.Pointer)
	TypeName    string
	TagPath     string
	Policy      Policy
	ScratchName string // only meaningful when Policy == PromoteToScratch
}

// FailureReason enumerates why a retained entry could not be promoted.
type FailureReason int

const (
	ReasonBudgetExceeded FailureReason = iota
	ReasonScratchPoolFull
	ReasonDropPanicked
	ReasonAllocatorUnavailable
	ReasonOther
)

// Failure pairs a retained entry with why its promotion failed.
type Failure struct {
	Entry  Entry
	Reason FailureReason
	Detail string
}

// Summary reports what happened to every entry processed at frame end.
type Summary struct {
	DiscardedCount        int
	DiscardedBytes        int
	PromotedPoolCount     int
	PromotedPoolBytes     int
	PromotedHeapCount     int
	PromotedHeapBytes     int
	PromotedScratchCount  int
	PromotedScratchBytes  int
	Failed                []Failure
}

// FailedByReason groups Failed by reason for the snapshot's promotions
// breakdown.
func (s Summary) FailedByReason() map[FailureReason]int {
	out := make(map[FailureReason]int)
	for _, f := range s.Failed {
		out[f.Reason]++
	}
	return out
}

// Promoter performs the actual byte-move into a durable backend. The router
// implements this by delegating to the pool cache, heap adapter, and scratch
// registry; retention itself has no opinion on how promotion is physically
// carried out.
type Promoter interface {
	PromoteToPool(layout Layout) (unsafe.Pointer, error)
	PromoteToHeap(layout Layout) (unsafe.Pointer, error)
	PromoteToScratch(name string, layout Layout) (unsafe.Pointer, error)
}

// Store is a thread-owned list of retained entries accumulated during a
// frame.
type Store struct {
	entries []Entry
}

// Retain appends entry to the store. Valid only while the owning thread has
// an active frame.
func (s *Store) Retain(entry Entry) {
	s.entries = append(s.entries, entry)
}

// Len reports how many entries are pending processing.
func (s *Store) Len() int { return len(s.entries) }

// Clear drops all pending entries without processing them, used when
// beginning a new frame (any entries left over from a bug in caller
// bookkeeping are discarded rather than silently carried forward).
func (s *Store) Clear() {
	s.entries = s.entries[:0]
}

// Process consumes every pending entry exactly once, promoting or
// discarding it per its Policy, and returns a Summary. The store is empty
// after this call.
func (s *Store) Process(p Promoter) Summary {
	var summary Summary

	for _, e := range s.entries {
		switch e.Policy {
		case Discard:
			summary.DiscardedCount++
			summary.DiscardedBytes += e.Layout.Size
			runDrop(e)

		case PromoteToPool:
			dst, err := p.PromoteToPool(e.Layout)
			if err != nil {
				summary.Failed = append(summary.Failed, Failure{Entry: e, Reason: ReasonBudgetExceeded, Detail: err.Error()})
				runDrop(e)
				continue
			}
			moveBytes(dst, e.Ptr, e.Layout.Size)
			summary.PromotedPoolCount++
			summary.PromotedPoolBytes += e.Layout.Size

		case PromoteToHeap:
			dst, err := p.PromoteToHeap(e.Layout)
			if err != nil {
				summary.Failed = append(summary.Failed, Failure{Entry: e, Reason: ReasonBudgetExceeded, Detail: err.Error()})
				runDrop(e)
				continue
			}
			moveBytes(dst, e.Ptr, e.Layout.Size)
			summary.PromotedHeapCount++
			summary.PromotedHeapBytes += e.Layout.Size

		case PromoteToScratch:
			dst, err := p.PromoteToScratch(e.ScratchName, e.Layout)
			if err != nil {
				summary.Failed = append(summary.Failed, Failure{Entry: e, Reason: ReasonScratchPoolFull, Detail: err.Error()})
				runDrop(e)
				continue
			}
			moveBytes(dst, e.Ptr, e.Layout.Size)
			summary.PromotedScratchCount++
			summary.PromotedScratchBytes += e.Layout.Size

		default:
			summary.Failed = append(summary.Failed, Failure{Entry: e, Reason: ReasonOther, Detail: "unknown retention policy"})
			runDrop(e)
		}
	}

	s.entries = s.entries[:0]
	return summary
}

// runDrop invokes the entry's drop function, recovering a panic into a
// no-op: a value's own drop function misbehaving must not take down frame
// teardown for every other retained entry.
func runDrop(e Entry) {
	if e.DropFn == nil {
		return
	}
	defer func() { recover() }() //nolint:errcheck
	e.DropFn(e.Ptr)
}

func moveBytes(dst, src unsafe.Pointer, size int) {
	if size == 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(dst), size)
	srcSlice := unsafe.Slice((*byte)(src), size)
	copy(dstSlice, srcSlice)
}
