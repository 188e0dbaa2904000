package faalloc

import (
	"errors"
	"unsafe"

	"github.com/faintmark/faalloc/internal/transfer"
)

// TransferHandle carries ownership of a single pool/heap allocation from the
// thread that created it to exactly one receiving thread. Frame allocations
// can never be transferred — their memory is invalidated at frame end
// regardless of which thread holds a reference — so AllocForTransfer only
// ever routes through PoolAlloc or HeapAlloc.
type TransferHandle struct {
	inner  *transfer.Handle[unsafe.Pointer]
	owner  *ThreadContext
	layout Layout
	backend Backend
}

func transferBackend(b Backend) transfer.Backend {
	if b == BackendHeap {
		return transfer.BackendHeap
	}
	return transfer.BackendPool
}

// AllocForTransfer allocates layout from the given backend on tc and wraps
// it in a Pending TransferHandle, removing it from tc's own bookkeeping
// (ownership now lives with the handle, not with tc.liveAllocs).
func (tc *ThreadContext) AllocForTransfer(layout Layout, backend Backend) (*TransferHandle, error) {
	var ptr unsafe.Pointer
	var err error
	switch backend {
	case BackendHeap:
		ptr, err = tc.HeapAlloc(layout)
	default:
		ptr, err = tc.PoolAlloc(layout)
	}
	if err != nil {
		return nil, err
	}
	delete(tc.liveAllocs, addrKey(ptr))

	h := &TransferHandle{owner: tc, layout: layout, backend: backend}
	h.inner = transfer.New(ptr, tc.id, transferBackend(backend), func(unsafe.Pointer) {}, func() {
		_ = tc.FreeRemote(tc, ptr, layout, backend)
	})
	tc.handle.state.transfersPending.Add(1)
	return h, nil
}

// Receive consumes the handle exactly once on receiver, which must not be
// the thread that created it. The received pointer is registered into
// receiver's own bookkeeping so a subsequent Free behaves normally.
func (h *TransferHandle) Receive(receiver *ThreadContext) (unsafe.Pointer, error) {
	ptr, err := h.inner.Receive(receiver.id)
	if err != nil {
		if errors.Is(err, transfer.ErrDoubleReceive) {
			return nil, ErrDoubleReceive()
		}
		return nil, ErrWrongThreadReceive()
	}
	receiver.liveAllocs[addrKey(ptr)] = heapAllocRecord{backend: h.backend, layout: h.layout.toHeap()}
	h.owner.handle.state.transfersPending.Add(-1)
	h.owner.handle.state.transfersCompletedSinceSnapshot.Add(1)
	return ptr, nil
}

// Drop discards the handle. If it is still Pending, this enqueues a
// cross-thread free back onto the origin thread's deferred queue. If it has
// already been Received, Drop is a no-op — the receiver now owns the value.
func (h *TransferHandle) Drop() {
	before := h.inner.State()
	h.inner.Drop()
	if before == transfer.Pending {
		h.owner.handle.state.transfersPending.Add(-1)
	}
}

// State reports the handle's current lifecycle stage as a string
// ("Pending", "Received", or "Dropped").
func (h *TransferHandle) State() string { return h.inner.State().String() }
