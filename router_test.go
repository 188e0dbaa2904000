package faalloc

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/faintmark/faalloc/internal/retention"
)

func newTestHandle(opts Options) *AllocatorHandle {
	return New(opts)
}

func TestFrameResetZeroesLiveBytesAndReturnsIdle(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	tc := h.NewThreadContext()

	if err := tc.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	if _, err := tc.FrameAlloc(Layout{Size: 128, Align: 8}); err != nil {
		t.Fatalf("FrameAlloc 128: %v", err)
	}
	if _, err := tc.FrameAlloc(Layout{Size: 256, Align: 8}); err != nil {
		t.Fatalf("FrameAlloc 256: %v", err)
	}
	if _, err := tc.FrameAlloc(Layout{Size: 1024, Align: 8}); err != nil {
		t.Fatalf("FrameAlloc 1024: %v", err)
	}

	if got := tc.arena.LiveBytes(); got < 1408 {
		t.Fatalf("expected live_frame_bytes >= 1408, got %d", got)
	}

	if err := tc.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %v", err)
	}

	if got := tc.arena.LiveBytes(); got != 0 {
		t.Fatalf("expected live_frame_bytes == 0 after end_frame, got %d", got)
	}
	if got := tc.arena.PeakBytes(); got < 1408 {
		t.Fatalf("expected peak_frame_bytes >= 1408, got %d", got)
	}
	if got := tc.lifecycle.State().String(); got != "Idle" {
		t.Fatalf("expected thread state Idle after end_frame, got %s", got)
	}
}

func TestPoolRefillAndFree(t *testing.T) {
	opts := DefaultOptions()
	opts.PoolBatchSize = 64
	h := newTestHandle(opts)
	tc := h.NewThreadContext()

	ptrs := make([]unsafe.Pointer, 0, 65)
	for i := 0; i < 65; i++ {
		ptr, err := tc.PoolAlloc(Layout{Size: 64, Align: 8})
		if err != nil {
			t.Fatalf("PoolAlloc #%d: %v", i, err)
		}
		ptrs = append(ptrs, ptr)
	}

	if got := tc.poolCache.LiveBytes(); got != 65*64 {
		t.Fatalf("expected %d live pool bytes after 65 allocations, got %d", 65*64, got)
	}

	for i, ptr := range ptrs {
		if err := tc.Free(ptr); err != nil {
			t.Fatalf("Free #%d: %v", i, err)
		}
	}

	if got := tc.poolCache.LiveBytes(); got != 0 {
		t.Fatalf("expected zero live pool bytes after freeing all 65, got %d", got)
	}

	// A second pass of the same size exercises the free list built up by the
	// first pass rather than forcing another slab refill.
	ptr, err := tc.PoolAlloc(Layout{Size: 64, Align: 8})
	if err != nil {
		t.Fatalf("PoolAlloc after drain: %v", err)
	}
	if err := tc.Free(ptr); err != nil {
		t.Fatalf("Free after drain: %v", err)
	}
}

func TestCrossThreadFreeDrainsOnOwnerAllocation(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	a := h.NewThreadContext()
	b := h.NewThreadContext()

	ptr, err := a.PoolAlloc(Layout{Size: 128, Align: 8})
	if err != nil {
		t.Fatalf("PoolAlloc: %v", err)
	}

	before := a.counters.Read().PoolBytes

	if err := b.FreeRemote(a, ptr, Layout{Size: 128, Align: 8}, BackendPool); err != nil {
		t.Fatalf("FreeRemote: %v", err)
	}

	if n := a.DrainDeferred(16); n != 1 {
		t.Fatalf("expected DrainDeferred to process 1 record, got %d", n)
	}

	after := a.counters.Read().PoolBytes
	if before-after != 128 {
		t.Fatalf("expected live_pool_bytes to decrease by 128, got delta %d", before-after)
	}
}

func TestPromotionToPoolDefersDropUntilTriggered(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	tc := h.NewThreadContext()

	if err := tc.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}

	dropCount := 0
	_, err := tc.FrameRetained(Layout{Size: 512, Align: 8}, retention.PromoteToPool, "",
		func(unsafe.Pointer) { dropCount++ }, "testValue")
	if err != nil {
		t.Fatalf("FrameRetained: %v", err)
	}

	before := tc.counters.Read().PoolBytes

	summary, err := tc.EndFrameWithPromotions()
	if err != nil {
		t.Fatalf("EndFrameWithPromotions: %v", err)
	}
	if summary.PromotedPoolCount != 1 || summary.PromotedPoolBytes != 512 || len(summary.Failed) != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if dropCount != 0 {
		t.Fatalf("expected the value's drop not to have run yet, ran %d times", dropCount)
	}

	after := tc.counters.Read().PoolBytes
	if after-before != 512 {
		t.Fatalf("expected live_pool_bytes to increase by 512 from the promotion, got delta %d", after-before)
	}
}

func TestDiscardedRetentionRunsDropExactlyOnce(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	tc := h.NewThreadContext()

	if err := tc.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}

	dropCount := 0
	_, err := tc.FrameRetained(Layout{Size: 64, Align: 8}, retention.Discard, "",
		func(unsafe.Pointer) { dropCount++ }, "testValue")
	if err != nil {
		t.Fatalf("FrameRetained: %v", err)
	}

	if err := tc.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %v", err)
	}

	if dropCount != 1 {
		t.Fatalf("expected drop to run exactly once on discard, ran %d times", dropCount)
	}
}

func TestBudgetFailPolicyRejectsOverBudgetAllocationWithoutConsuming(t *testing.T) {
	opts := DefaultOptions()
	opts.BudgetPolicy = BudgetFail
	h := newTestHandle(opts)
	tc := h.NewThreadContext()
	tc.SetThreadFrameBudget(4 * 1024)

	if err := tc.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}

	if _, err := tc.FrameAlloc(Layout{Size: 3 * 1024, Align: 8}); err != nil {
		t.Fatalf("expected 3 KiB allocation to succeed, got %v", err)
	}

	_, err := tc.FrameAlloc(Layout{Size: 2 * 1024, Align: 8})
	if err == nil {
		t.Fatal("expected the 2 KiB allocation to fail with a hard limit error")
	}
	var budgetErr *BudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected *BudgetError, got %T: %v", err, err)
	}
	if budgetErr.Code != CodeHardLimitExceeded {
		t.Fatalf("expected CodeHardLimitExceeded, got %s", budgetErr.Code)
	}

	if got := tc.arena.LiveBytes(); got != 3*1024 {
		t.Fatalf("expected no bytes consumed by the failed call, live bytes = %d", got)
	}
}

func TestBarrierReleasesOnlyAfterAllSignals(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	b := h.Barrier("frame-sync", 3)

	var wg sync.WaitGroup
	released := make([]bool, 3)

	for i := 0; i < 3; i++ {
		id := uint64(i + 1)
		b.Register(id)
		wg.Add(1)
		go func(idx int, threadID uint64) {
			defer wg.Done()
			if err := b.SignalFrameComplete(threadID); err != nil {
				t.Errorf("SignalFrameComplete: %v", err)
				return
			}
			b.WaitAll()
			released[idx] = true
		}(i, id)
	}

	wg.Wait()

	for i, ok := range released {
		if !ok {
			t.Fatalf("participant %d never released from WaitAll", i)
		}
	}

	// The barrier auto-resets; a second cycle with the same participants
	// must behave identically.
	var wg2 sync.WaitGroup
	for i := 0; i < 3; i++ {
		id := uint64(i + 1)
		wg2.Add(1)
		go func(threadID uint64) {
			defer wg2.Done()
			if err := b.SignalFrameComplete(threadID); err != nil {
				t.Errorf("SignalFrameComplete (cycle 2): %v", err)
				return
			}
			b.WaitAll()
		}(id)
	}
	wg2.Wait()
}

func TestBarrierRejectsUnregisteredParticipant(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	b := h.Barrier("unregistered-sync", 1)

	if err := b.SignalFrameComplete(999); err == nil {
		t.Fatal("expected SignalFrameComplete from an unregistered thread to fail")
	}
}

func TestTransferHandleRoundTrip(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	producer := h.NewThreadContext()
	consumer := h.NewThreadContext()

	handle, err := producer.AllocForTransfer(Layout{Size: 64, Align: 8}, BackendPool)
	if err != nil {
		t.Fatalf("AllocForTransfer: %v", err)
	}
	if handle.State() != "Pending" {
		t.Fatalf("expected Pending, got %s", handle.State())
	}

	ptr, err := handle.Receive(consumer)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ptr == nil {
		t.Fatal("Receive returned a nil pointer")
	}
	if handle.State() != "Received" {
		t.Fatalf("expected Received, got %s", handle.State())
	}

	if _, err := handle.Receive(consumer); err == nil {
		t.Fatal("expected a second Receive to fail")
	}

	if err := consumer.Free(ptr); err != nil {
		t.Fatalf("Free on consumer after receive: %v", err)
	}
}

func TestTransferHandleDropBeforeReceiveFreesOnOrigin(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	producer := h.NewThreadContext()

	handle, err := producer.AllocForTransfer(Layout{Size: 64, Align: 8}, BackendPool)
	if err != nil {
		t.Fatalf("AllocForTransfer: %v", err)
	}

	before := producer.counters.Read().PoolBytes
	handle.Drop()
	if n := producer.DrainDeferred(4); n != 1 {
		t.Fatalf("expected the drop to enqueue one deferred free on the origin thread, drained %d", n)
	}
	after := producer.counters.Read().PoolBytes
	if before-after != 64 {
		t.Fatalf("expected live_pool_bytes to decrease by 64 after the dropped handle drains, got delta %d", before-after)
	}
}

func TestSnapshotAssemblesAcrossThreads(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	h.EnableBehaviorFilter()
	tc := h.NewThreadContext()

	if _, err := tc.PoolAlloc(Layout{Size: 64, Align: 8}); err != nil {
		t.Fatalf("PoolAlloc: %v", err)
	}

	snap := h.Snapshot(1)
	if snap.Version != SnapshotVersion {
		t.Fatalf("expected version %d, got %d", SnapshotVersion, snap.Version)
	}
	if snap.Summary.PoolBytes < 64 {
		t.Fatalf("expected summary pool bytes >= 64, got %d", snap.Summary.PoolBytes)
	}
	found := false
	for _, th := range snap.Threads {
		if th.ID == tc.ID() {
			found = true
			if th.PoolBytes < 64 {
				t.Fatalf("expected thread pool bytes >= 64, got %d", th.PoolBytes)
			}
		}
	}
	if !found {
		t.Fatalf("expected thread %d in snapshot, got %+v", tc.ID(), snap.Threads)
	}
}

func TestWithTagComposesPathAndRestoresOnError(t *testing.T) {
	h := newTestHandle(DefaultOptions())
	tc := h.NewThreadContext()

	before := tc.CurrentTagPath()

	err := tc.WithTag(Tag("outer"), func() error {
		return tc.WithTag(Tag("inner"), func() error {
			if got := tc.CurrentTagPath(); got != "outer::inner" {
				t.Fatalf("unexpected tag path: %s", got)
			}
			return errSentinel
		})
	})
	if !errors.Is(err, errSentinel) {
		t.Fatalf("expected sentinel error to propagate, got %v", err)
	}

	if got := tc.CurrentTagPath(); got != before {
		t.Fatalf("expected tag path to be restored to %q, got %q", before, got)
	}
}

var errSentinel = errors.New("sentinel")
