// Package transfer implements the transfer handle (C10): an explicit,
// one-hop carrier that moves ownership of a single pool/heap allocation from
// the thread that created it to exactly one receiving thread.
package transfer

import (
	"errors"
	"sync/atomic"
)

// ErrDoubleReceive is returned by Receive when called a second time.
var ErrDoubleReceive = errors.New("transfer handle has already been received")

// ErrWrongThreadReceive is returned when the origin thread calls Receive on
// its own handle.
var ErrWrongThreadReceive = errors.New("transfer handle cannot be received on its origin thread")

// State is the handle's lifecycle stage.
type State int32

const (
	Pending State = iota
	Received
	Dropped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Received:
		return "Received"
	case Dropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// Backend identifies where the carried value lives, mirroring the two
// backends a transfer handle may originate from. Frame allocations can
// never be transferred, since their memory is invalidated at frame end
// regardless of which thread holds a reference.
type Backend int

const (
	BackendPool Backend = iota
	BackendHeap
)

// Handle[T] owns a value produced on OriginThreadID and a drop function to
// run if the value is discarded without ever being received. State
// transitions exactly once, Pending -> Received or Pending -> Dropped.
type Handle[T any] struct {
	value         T
	state         atomic.Int32
	OriginThreadID uint64
	Backend        Backend
	dropFn         func(T)
	onDrop         func() // enqueues the cross-thread free; set by the router
}

// New constructs a Pending handle for value, created on originThreadID.
// dropFn runs exactly once if the handle is dropped while still Pending;
// onDrop is invoked at that same moment to let the router enqueue the
// cross-thread free on the origin thread's deferred queue.
func New[T any](value T, originThreadID uint64, backend Backend, dropFn func(T), onDrop func()) *Handle[T] {
	h := &Handle[T]{
		value:          value,
		OriginThreadID: originThreadID,
		Backend:        backend,
		dropFn:         dropFn,
		onDrop:         onDrop,
	}
	h.state.Store(int32(Pending))
	return h
}

// Receive consumes the handle exactly once, transitioning Pending ->
// Received and returning the carried value. callerThreadID must differ from
// OriginThreadID.
func (h *Handle[T]) Receive(callerThreadID uint64) (T, error) {
	var zero T
	if callerThreadID == h.OriginThreadID {
		return zero, ErrWrongThreadReceive
	}
	if !h.state.CompareAndSwap(int32(Pending), int32(Received)) {
		return zero, ErrDoubleReceive
	}
	return h.value, nil
}

// Drop runs the handle's teardown: if it is still Pending, this enqueues a
// cross-thread free via onDrop and transitions to Dropped. If it has
// already been Received, Drop is a no-op — the receiver now owns the value
// and is responsible for freeing it through the normal free path.
func (h *Handle[T]) Drop() {
	if h.state.CompareAndSwap(int32(Pending), int32(Dropped)) {
		if h.onDrop != nil {
			h.onDrop()
		}
		if h.dropFn != nil {
			h.dropFn(h.value)
		}
	}
}

// State reports the handle's current lifecycle stage.
func (h *Handle[T]) State() State { return State(h.state.Load()) }
