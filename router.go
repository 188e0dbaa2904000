package faalloc

import (
	"errors"
	"unsafe"

	"github.com/faintmark/faalloc/internal/arena"
	"github.com/faintmark/faalloc/internal/budget"
	"github.com/faintmark/faalloc/internal/deferred"
	"github.com/faintmark/faalloc/internal/heap"
	"github.com/faintmark/faalloc/internal/retention"
	"github.com/faintmark/faalloc/internal/slab"
	"github.com/faintmark/faalloc/internal/stats"
)

// Backend identifies which durable backend a pool/heap allocation lives in.
// Frame allocations are never tracked per-pointer (the arena itself is the
// record), so Backend only ever takes these two values.
type Backend int

const (
	BackendPool Backend = iota
	BackendHeap
)

// Layout describes the size and alignment of a single allocation, mirrored
// across every internal package that needs one.
type Layout struct {
	Size  int
	Align uintptr
}

func (l Layout) toHeap() heap.Layout     { return heap.Layout{Size: l.Size, Align: l.Align} }
func (l Layout) toArena() arena.Layout   { return arena.Layout{Size: l.Size, Align: l.Align} }
func (l Layout) toRetention() retention.Layout {
	return retention.Layout{Size: l.Size, Align: l.Align}
}

func addrKey(p unsafe.Pointer) uintptrKey { return uintptrKey(uintptr(p)) }

// FrameAlloc performs a bump allocation inside the thread's currently active
// frame. Returns ErrNoActiveFrame if BeginFrame has not been called.
func (tc *ThreadContext) FrameAlloc(layout Layout) (unsafe.Pointer, error) {
	if !tc.arena.Active() {
		return nil, ErrNoActiveFrame()
	}
	if out := tc.checkBudget(budget.Scope{ThreadID: int64(tc.id), Backend: "frame"}, layout.Size); out != nil {
		return nil, out
	}
	ptr, err := tc.arena.Allocate(layout.toArena())
	if err != nil {
		return nil, tc.translateArenaErr(err, layout.Size)
	}
	tc.recordAlloc(stats.Frame, layout.Size)
	return ptr, nil
}

// FrameAllocBatch performs one bump allocation covering n contiguous slots of
// layout and returns the base address; statistics count it as n allocations.
func (tc *ThreadContext) FrameAllocBatch(layout Layout, n int) (unsafe.Pointer, error) {
	if !tc.arena.Active() {
		return nil, ErrNoActiveFrame()
	}
	total := layout.Size * n
	if out := tc.checkBudget(budget.Scope{ThreadID: int64(tc.id), Backend: "frame"}, total); out != nil {
		return nil, out
	}
	ptr, err := tc.arena.AllocateBatch(layout.toArena(), n)
	if err != nil {
		return nil, tc.translateArenaErr(err, total)
	}
	for i := 0; i < n; i++ {
		tc.recordAlloc(stats.Frame, layout.Size)
	}
	return ptr, nil
}

// FrameRetained allocates layout-shaped space in the current frame and
// registers it with the retention store under policy, so that
// EndFrameWithPromotions will promote (or discard) it instead of letting the
// frame reset silently invalidate it.
func (tc *ThreadContext) FrameRetained(layout Layout, policy retention.Policy, scratchName string, dropFn func(unsafe.Pointer), typeName string) (unsafe.Pointer, error) {
	ptr, err := tc.FrameAlloc(layout)
	if err != nil {
		return nil, err
	}
	tc.retention.Retain(retention.Entry{
		Ptr:         ptr,
		Layout:      layout.toRetention(),
		DropFn:      dropFn,
		TypeName:    typeName,
		TagPath:     tc.CurrentTagPath(),
		Policy:      policy,
		ScratchName: scratchName,
	})
	return ptr, nil
}

// PoolAlloc routes to the local pool cache, or to the heap if size exceeds
// the configured heap threshold ("allocations larger than the largest pool
// class bypass to heap").
func (tc *ThreadContext) PoolAlloc(layout Layout) (unsafe.Pointer, error) {
	tc.opportunisticDrain()

	if layout.Size > tc.handle.state.opts.HeapThreshold {
		return tc.HeapAlloc(layout)
	}

	classIdx := tc.poolCache.Registry().ClassFor(layout.Size)
	if !tc.poolCache.Registry().Valid(classIdx) {
		return tc.HeapAlloc(layout)
	}

	if out := tc.checkBudget(budget.Scope{ThreadID: int64(tc.id), Backend: "pool"}, layout.Size); out != nil {
		return nil, out
	}

	node, err := tc.poolCache.Pop(classIdx)
	if err != nil {
		return nil, ErrPoolExhausted(tc.poolCache.Registry().ClassSize(classIdx))
	}
	if node == nil {
		return nil, ErrPoolExhausted(tc.poolCache.Registry().ClassSize(classIdx))
	}

	tc.liveAllocs[addrKey(node.Ptr)] = heapAllocRecord{
		backend:    BackendPool,
		layout:     layout.toHeap(),
		classIndex: classIdx,
		node:       node,
	}
	tc.recordAlloc(stats.Pool, layout.Size)
	return node.Ptr, nil
}

// HeapAlloc routes directly to the system heap adapter.
func (tc *ThreadContext) HeapAlloc(layout Layout) (unsafe.Pointer, error) {
	tc.opportunisticDrain()

	if out := tc.checkBudget(budget.Scope{ThreadID: int64(tc.id), Backend: "heap"}, layout.Size); out != nil {
		return nil, out
	}

	ptr, err := tc.handle.state.heapAdapter.Allocate(layout.toHeap(), tc.CurrentTagPath())
	if err != nil {
		return nil, ErrHeapOutOfMemory(layout.Size)
	}

	tc.liveAllocs[addrKey(ptr)] = heapAllocRecord{backend: BackendHeap, layout: layout.toHeap()}
	tc.recordAlloc(stats.Heap, layout.Size)
	return ptr, nil
}

// Free releases a pool or heap allocation owned by tc (frame allocations
// are never freed individually — they live and die with their frame).
// Returns ErrInvalidHandle if ptr is not a live allocation on this thread.
func (tc *ThreadContext) Free(ptr unsafe.Pointer) error {
	rec, ok := tc.liveAllocs[addrKey(ptr)]
	if !ok {
		return ErrInvalidHandle()
	}
	delete(tc.liveAllocs, addrKey(ptr))
	return tc.releaseRecord(ptr, rec)
}

// FreeRemote enqueues a cross-thread free of ptr (owned by owner, not tc)
// onto owner's deferred-free queue. The caller must supply the same layout
// and backend the allocation was originally created with, since tc has no
// safe way to read owner's private bookkeeping concurrently.
func (tc *ThreadContext) FreeRemote(owner *ThreadContext, ptr unsafe.Pointer, layout Layout, backend Backend) error {
	rec := deferred.Record{
		Addr:    ptr,
		Meta:    heap.Record{Layout: layout.toHeap(), TagPath: tc.CurrentTagPath()},
		Backend: deferredBackend(backend),
	}
	if !owner.deferredQ.Enqueue(rec) {
		return ErrDeferredQueueFull(owner.id)
	}
	return nil
}

func deferredBackend(b Backend) deferred.Backend {
	if b == BackendHeap {
		return deferred.BackendHeap
	}
	return deferred.BackendPool
}

// DrainDeferred processes up to maxCount cross-thread frees queued for tc,
// applying each one through the normal release path. Called opportunistically
// from PoolAlloc and HeapAlloc under DeferredAutomatic/DeferredIncremental,
// or explicitly by the caller under DeferredExplicit.
func (tc *ThreadContext) DrainDeferred(maxCount int) int {
	n := tc.drainDeferredRecords(maxCount)
	tc.handle.state.deferredProcessedSinceSnapshot.Add(int64(n))
	return n
}

func (tc *ThreadContext) drainDeferredRecords(maxCount int) int {
	return tc.deferredQ.Drain(maxCount, func(rec deferred.Record) {
		local, ok := tc.liveAllocs[addrKey(rec.Addr)]
		if !ok {
			// The record crossed threads before this thread ever saw the
			// allocation locally (e.g. it was created via a transfer handle
			// rather than PoolAlloc/HeapAlloc on this thread). Release
			// directly against the backend using the record's own layout.
			local = heapAllocRecord{backend: backendFromDeferred(rec.Backend), layout: rec.Meta.Layout}
		} else {
			delete(tc.liveAllocs, addrKey(rec.Addr))
		}
		_ = tc.releaseRecord(rec.Addr, local)
	})
}

func backendFromDeferred(b deferred.Backend) Backend {
	if b == deferred.BackendHeap {
		return BackendHeap
	}
	return BackendPool
}

func (tc *ThreadContext) opportunisticDrain() {
	cfg := tc.deferredCfg
	switch cfg.Mode {
	case DeferredAutomatic:
		tc.DrainDeferred(cfg.DrainLimit)
	case DeferredIncremental:
		tc.DrainDeferred(minInt(cfg.DrainLimit, 4))
	case DeferredExplicit:
		// caller drives DrainDeferred explicitly
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (tc *ThreadContext) releaseRecord(ptr unsafe.Pointer, rec heapAllocRecord) error {
	switch rec.backend {
	case BackendPool:
		if rec.node != nil {
			tc.poolCache.Push(rec.classIndex, rec.node)
		} else {
			// Arrived via deferred drain without a slab.Node (e.g. freed from a
			// remote thread that only knew the layout); resolve the class by
			// size and hand a freshly-wrapped node back to the registry.
			classIdx := tc.poolCache.Registry().ClassFor(rec.layout.Size)
			if tc.poolCache.Registry().Valid(classIdx) {
				tc.poolCache.Push(classIdx, &slab.Node{Ptr: ptr})
			}
		}
		tc.recordFree(stats.Pool, rec.layout.Size)
	case BackendHeap:
		if err := tc.handle.state.heapAdapter.Free(ptr, rec.layout); err != nil {
			return err
		}
		tc.recordFree(stats.Heap, rec.layout.Size)
	}
	tc.releaseBudget(rec)
	return nil
}

func (tc *ThreadContext) recordAlloc(backend stats.Backend, size int) {
	if tc.handle.state.opts.Statistics == StatisticsMinimal {
		return
	}
	tc.counters.RecordAlloc(backend, int64(size))
	tc.handle.state.statsReg.Global.RecordAlloc(backend, int64(size))
	if path := tc.CurrentTagPath(); path != "" {
		tc.handle.state.statsReg.TagCounters(path).RecordAlloc(int64(size))
	}
}

func (tc *ThreadContext) recordFree(backend stats.Backend, size int) {
	if tc.handle.state.opts.Statistics == StatisticsMinimal {
		return
	}
	tc.counters.RecordFree(backend, int64(size))
	tc.handle.state.statsReg.Global.RecordFree(backend, int64(size))
}

func (tc *ThreadContext) checkBudget(scope budget.Scope, size int) error {
	out := tc.handle.state.budgetMgr.Reserve(scope, int64(size))
	if out.CrossedSoft && tc.handle.state.behaviorFilter.Load() {
		tc.handle.state.recordDiagnostic(Diagnostic{
			Code:        CodeSoftLimitExceeded,
			Severity:    SeverityWarning,
			TagPath:     tc.CurrentTagPath(),
			FrameNumber: tc.lifecycle.FrameNumber(),
			ThreadID:    tc.id,
			Message:     NewSoftLimitExceeded(scope.Backend, size, tc.handle.state.opts.BudgetThreadFrame).Error(),
		})
	}
	if !out.Allowed {
		return NewHardLimitExceeded(scope.Backend, size, tc.handle.state.opts.BudgetThreadFrame)
	}
	return nil
}

func (tc *ThreadContext) releaseBudget(rec heapAllocRecord) {
	backendName := "pool"
	if rec.backend == BackendHeap {
		backendName = "heap"
	}
	tc.handle.state.budgetMgr.Release(budget.Scope{ThreadID: int64(tc.id), Backend: backendName}, int64(rec.layout.Size))
}

func (tc *ThreadContext) translateArenaErr(err error, size int) error {
	if errors.Is(err, arena.ErrExhausted) {
		return ErrArenaExhausted(size, tc.handle.state.opts.FrameMaxChunk)
	}
	return err
}

// BeginFrame transitions the thread to InFrame, per the lifecycle manager.
func (tc *ThreadContext) BeginFrame() error { return tc.lifecycle.BeginFrame() }

// EndFrame transitions back to Idle, discarding every retained entry. Per
// the frame state machine, this first drains the thread's deferred-free
// queue up to its configured limit, then processes retentions, then resets
// the arena — draining here, rather than only opportunistically on the next
// allocation, applies up to DrainLimit of the cross-thread frees queued during
// the frame before the frame's memory is reclaimed; records beyond that limit
// stay queued.
func (tc *ThreadContext) EndFrame() error {
	tc.DrainDeferred(tc.deferredCfg.DrainLimit)
	err := tc.lifecycle.EndFrame()
	if err == nil {
		tc.counters.ResetFrame()
	}
	return err
}

// EndFrameWithPromotions transitions back to Idle, promoting retained
// entries per their configured policy. Like EndFrame, it drains the
// deferred-free queue up to its configured limit before processing
// retentions.
func (tc *ThreadContext) EndFrameWithPromotions() (retention.Summary, error) {
	tc.DrainDeferred(tc.deferredCfg.DrainLimit)
	summary, err := tc.lifecycle.EndFrameWithPromotions(tc)
	if err == nil {
		tc.counters.ResetFrame()
		tc.aggregatePromotions(summary)
	}
	for _, f := range summary.Failed {
		tc.handle.state.recordDiagnostic(Diagnostic{
			Code:        CodeRetentionFailed,
			Severity:    SeverityWarning,
			TagPath:     f.Entry.TagPath,
			FrameNumber: tc.lifecycle.FrameNumber(),
			ThreadID:    tc.id,
			Message:     f.Detail,
		})
	}
	return summary, err
}

// aggregatePromotions folds a single thread's end-of-frame retention summary
// into the process-wide promotion counters the snapshot reports, and credits
// the thread's tag path current at end of frame with one promotion per
// promoted entry; the entries' own recorded tag paths are not used.
func (tc *ThreadContext) aggregatePromotions(summary retention.Summary) {
	p := &tc.handle.state.promotions
	p.toPool.Add(int64(summary.PromotedPoolCount))
	p.toHeap.Add(int64(summary.PromotedHeapCount))
	p.toScratch.Add(int64(summary.PromotedScratchCount))
	for reason, count := range summary.FailedByReason() {
		switch reason {
		case retention.ReasonBudgetExceeded:
			p.failedBudget.Add(int64(count))
		case retention.ReasonScratchPoolFull:
			p.failedScratchFull.Add(int64(count))
		default:
			p.failedOther.Add(int64(count))
		}
	}
	promoted := summary.PromotedPoolCount + summary.PromotedHeapCount + summary.PromotedScratchCount
	if promoted > 0 {
		if path := tc.CurrentTagPath(); path != "" {
			tag := tc.handle.state.statsReg.TagCounters(path)
			for i := 0; i < promoted; i++ {
				tag.RecordPromotion()
			}
		}
	}
}

// BeginPhase/EndPhase/Checkpoint/RollbackTo delegate straight to the
// lifecycle manager (C11); they exist on ThreadContext so callers have one
// object to hold instead of two.
func (tc *ThreadContext) BeginPhase(name string) error   { return tc.lifecycle.BeginPhase(name) }
func (tc *ThreadContext) EndPhase() error                { return tc.lifecycle.EndPhase() }
func (tc *ThreadContext) Checkpoint() (arena.Checkpoint, error) { return tc.lifecycle.Checkpoint() }
func (tc *ThreadContext) RollbackTo(cp arena.Checkpoint) error  { return tc.lifecycle.RollbackTo(cp) }

// PromoteToPool implements retention.Promoter by allocating layout-shaped
// space from this thread's own pool cache.
func (tc *ThreadContext) PromoteToPool(layout retention.Layout) (unsafe.Pointer, error) {
	return tc.PoolAlloc(Layout{Size: layout.Size, Align: layout.Align})
}

// PromoteToHeap implements retention.Promoter via the heap adapter.
func (tc *ThreadContext) PromoteToHeap(layout retention.Layout) (unsafe.Pointer, error) {
	return tc.HeapAlloc(Layout{Size: layout.Size, Align: layout.Align})
}

// SetThreadFrameBudget overrides this thread's per-frame budget hard limit
// at runtime, using the allocator's configured budget policy.
func (tc *ThreadContext) SetThreadFrameBudget(bytes int) {
	scope := budget.Scope{ThreadID: int64(tc.id), Backend: "frame", Tag: ""}
	counter := tc.handle.state.budgetMgr.CounterFor(scope)
	counter.SetHardLimit(int64(bytes), budgetPolicyToInternal(tc.handle.state.opts.BudgetPolicy))
}

// PromoteToScratch implements retention.Promoter via the named scratch pool.
func (tc *ThreadContext) PromoteToScratch(name string, layout retention.Layout) (unsafe.Pointer, error) {
	pool := tc.handle.ScratchPool(name)
	return pool.Allocate(arena.Layout{Size: layout.Size, Align: layout.Align}, name)
}
