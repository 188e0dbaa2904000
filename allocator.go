// Package faalloc is an intent-driven memory allocator for soft-real-time
// applications: callers declare whether an allocation belongs to the
// current frame, a long-lived pool, or the system heap, and the allocator
// routes to the matching backend instead of making that decision itself.
package faalloc

import (
	"sync"
	"sync/atomic"

	"github.com/faintmark/faalloc/internal/arena"
	"github.com/faintmark/faalloc/internal/barrier"
	"github.com/faintmark/faalloc/internal/budget"
	"github.com/faintmark/faalloc/internal/deferred"
	"github.com/faintmark/faalloc/internal/heap"
	"github.com/faintmark/faalloc/internal/lifecycle"
	"github.com/faintmark/faalloc/internal/pool"
	"github.com/faintmark/faalloc/internal/retention"
	"github.com/faintmark/faalloc/internal/slab"
	"github.com/faintmark/faalloc/internal/stats"
)

// GlobalState owns the process-wide backends: the system heap adapter (C1),
// the slab registry (C2), the global budget view (C7, global scope), the
// statistics registry (C13), and the scratch-pool registry. Each call to New
// creates a fresh GlobalState for the AllocatorHandle it returns.
type GlobalState struct {
	opts Options

	heapAdapter  *heap.Adapter
	slabRegistry *slab.Registry
	budgetMgr    *budget.Manager
	statsReg     *stats.Registry
	scratch      *ScratchRegistry

	mu       sync.Mutex
	barriers map[string]*barrier.Barrier
	threads  map[uint64]*ThreadContext

	threadSeq atomic.Uint64

	behaviorFilter atomic.Bool
	diagMu         sync.Mutex
	diagnostics    []Diagnostic

	transfersPending                atomic.Int64
	transfersCompletedSinceSnapshot atomic.Int64

	deferredProcessedSinceSnapshot atomic.Int64

	promotions promotionCounters
}

// promotionCounters accumulates end_frame_with_promotions outcomes across
// every thread, for the snapshot's "promotions" block.
type promotionCounters struct {
	toPool, toHeap, toScratch                    atomic.Int64
	failedBudget, failedScratchFull, failedOther atomic.Int64
}

// maxDiagnosticBacklog bounds the in-memory diagnostic buffer so an
// unconsumed behavior-filter stream can't grow without limit; the oldest
// entries are dropped once it fills.
const maxDiagnosticBacklog = 1024

// recordDiagnostic appends d to the diagnostic backlog if the behavior
// filter is enabled; otherwise it's a no-op, since nothing will ever drain
// the backlog and keeping it would just leak memory.
func (s *GlobalState) recordDiagnostic(d Diagnostic) {
	if !s.behaviorFilter.Load() {
		return
	}
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	if len(s.diagnostics) >= maxDiagnosticBacklog {
		s.diagnostics = s.diagnostics[1:]
	}
	s.diagnostics = append(s.diagnostics, d)
}

// drainDiagnostics removes and returns every backlogged diagnostic.
func (s *GlobalState) drainDiagnostics() []Diagnostic {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	out := s.diagnostics
	s.diagnostics = nil
	return out
}

// AllocatorHandle is a cheap-to-clone reference to a GlobalState. One per
// process is typical; cloning it (copying the struct) shares the same
// underlying backends.
type AllocatorHandle struct {
	state *GlobalState
}

// New constructs a fresh allocator with the given options.
func New(opts Options) *AllocatorHandle {
	h := heap.New(opts.LifecycleEvents) // leak tracking piggybacks on the lifecycle-events toggle
	reg := slab.New(h, opts.PoolSizeClasses, opts.PoolBatchSize)

	globalCounter := budget.NewCounter(
		scaledSoft(opts.BudgetGlobalHard, opts.BudgetWarningPct), budget.Warn,
		int64(opts.BudgetGlobalHard), budgetPolicyToInternal(opts.BudgetPolicy),
	)
	budgetMgr := budget.New(globalCounter, func(scope budget.Scope) *budget.Counter {
		return budget.NewCounter(
			scaledSoft(opts.BudgetThreadFrame, opts.BudgetWarningPct), budget.Warn,
			int64(opts.BudgetThreadFrame), budgetPolicyToInternal(opts.BudgetPolicy),
		)
	})

	return &AllocatorHandle{state: &GlobalState{
		opts:         opts,
		heapAdapter:  h,
		slabRegistry: reg,
		budgetMgr:    budgetMgr,
		statsReg:     stats.NewRegistry(),
		scratch:      newScratchRegistry(h, opts.FrameInitialChunk, opts.FrameMaxChunk, opts.ScratchPoolCap),
		barriers:     make(map[string]*barrier.Barrier),
		threads:      make(map[uint64]*ThreadContext),
	}}
}

func scaledSoft(hard int, pct float64) int64 {
	if hard <= 0 {
		return 0
	}
	return int64(float64(hard) * pct)
}

func budgetPolicyToInternal(p BudgetPolicy) budget.Policy {
	switch p {
	case BudgetWarn:
		return budget.Warn
	case BudgetFail:
		return budget.Fail
	case BudgetPromote:
		return budget.Promote
	default:
		return budget.Allow
	}
}

// Barrier returns the named frame barrier, registering participantCount
// slots on first creation. Barriers are looked up by name so independent
// subsystems (render thread + job system, say) can each own a distinct
// rendezvous.
func (h *AllocatorHandle) Barrier(name string, participantCount int) *barrier.Barrier {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	b, ok := h.state.barriers[name]
	if !ok {
		b = barrier.New(participantCount)
		h.state.barriers[name] = b
	}
	return b
}

// ScratchPool returns the named scratch pool, creating it on first use.
func (h *AllocatorHandle) ScratchPool(name string) *ScratchPool {
	return h.state.scratch.Pool(name)
}

// EnableBehaviorFilter turns on collection of Diagnostic events (budget
// crossings, retention failures, and similar non-fatal conditions) into an
// in-memory backlog that DrainDiagnostics/Snapshot can surface to an
// external behavior-filter reporter. Disabled by default, since the
// allocation fast path skips the diagnostic call entirely when this is off.
func (h *AllocatorHandle) EnableBehaviorFilter() {
	h.state.behaviorFilter.Store(true)
}

// EnableLifecycleTracking turns on per-block leak tracking in the system
// heap adapter (C1) for allocations made from this point on. Live blocks
// allocated before this call are not retroactively tracked.
func (h *AllocatorHandle) EnableLifecycleTracking() {
	h.state.heapAdapter.EnableLeakTracking()
}

// DrainDiagnostics removes and returns every diagnostic collected since the
// last call, or since EnableBehaviorFilter if this is the first call.
// Returns nil if the behavior filter was never enabled.
func (h *AllocatorHandle) DrainDiagnostics() []Diagnostic {
	return h.state.drainDiagnostics()
}

// noCopy is embedded in ThreadContext to make `go vet`'s copylocks analysis
// flag any accidental copy. It stands in for the language-level
// non-Send/non-Share restriction spec'd for frame-derived references: Go has
// no affine types, so the guard is advisory, enforced by vet and by
// documentation rather than the compiler.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// ThreadContext is the per-thread state lazily materialized by
// NewThreadContext: a frame arena, per-size-class pool cache, inbound
// deferred-free queue, tag stack, retention list, and frame lifecycle
// machine. A ThreadContext must only ever be used by the goroutine that
// created it — there is no internal locking on the hot allocation path.
type ThreadContext struct {
	noCopy noCopy

	handle *AllocatorHandle
	id     uint64

	arena      *arena.FrameArena
	poolCache  *pool.Cache
	deferredQ  *deferred.Queue
	tags       *tagStack
	retention  *retention.Store
	lifecycle  *lifecycle.Manager
	liveAllocs map[uintptrKey]heapAllocRecord

	counters *stats.Counters

	deferredCfg DeferredConfig
}

// heapAllocRecord is the bookkeeping kept for every live pool/heap
// allocation so Free can resolve backend, size, and size class without the
// caller re-supplying them.
type heapAllocRecord struct {
	backend    Backend
	layout     heap.Layout
	classIndex int
	node       *slab.Node
}

// uintptrKey is an untyped address used as a map key; storing an
// unsafe.Pointer directly as a map key would keep the memory it points to
// reachable from the map even after a free, defeating GC reclamation for
// heap-backed allocations once they are no longer tracked.
type uintptrKey uintptr

// NewThreadContext lazily materializes a ThreadContext for the calling
// goroutine. Go has no implicit thread-local storage, so — unlike the
// per-thread state spec'd as materializing automatically — the caller must
// obtain one explicitly, once, and reuse it for the goroutine's lifetime
// (mirroring how a worker-pool goroutine owns one scratch buffer for its
// run loop).
func (h *AllocatorHandle) NewThreadContext() *ThreadContext {
	opts := h.state.opts
	id := h.state.threadSeq.Add(1)

	tc := &ThreadContext{
		handle:      h,
		id:          id,
		arena:       arena.New(h.state.heapAdapter, opts.FrameInitialChunk, opts.FrameMaxChunk, opts.FrameRetainedChunks),
		poolCache:   pool.New(h.state.slabRegistry, opts.PoolBatchSize, opts.PoolCacheHighWater),
		deferredQ:   deferred.New(opts.Deferred.Capacity, deferredFullPolicyToInternal(opts.Deferred.FullPolicy)),
		tags:        newTagStack(opts.TagStackMax),
		liveAllocs:  make(map[uintptrKey]heapAllocRecord),
		counters:    h.state.statsReg.ThreadCounters(id),
		deferredCfg: opts.Deferred,
	}
	tc.retention = &retention.Store{}
	tc.lifecycle = lifecycle.New(tc.arena, tc.retention)

	h.state.mu.Lock()
	h.state.threads[id] = tc
	h.state.mu.Unlock()
	return tc
}

// ID returns the ThreadContext's stable identifier, used as the "id" field
// in thread-scoped snapshots and diagnostics.
func (tc *ThreadContext) ID() uint64 { return tc.id }

// ConfigureDeferred rebuilds this thread's deferred-free queue under a new
// mode/capacity/policy. Anything still queued on the old queue is drained
// into the new one first; records the new queue refuses under its own
// capacity and full policy are dropped.
func (tc *ThreadContext) ConfigureDeferred(cfg DeferredConfig) {
	next := deferred.New(cfg.Capacity, deferredFullPolicyToInternal(cfg.FullPolicy))
	old := tc.deferredQ
	old.Drain(old.Depth(), func(rec deferred.Record) {
		next.Enqueue(rec)
	})
	tc.deferredQ = next
	tc.deferredCfg = cfg
}

func deferredFullPolicyToInternal(p DeferredFullPolicy) deferred.FullPolicy {
	switch p {
	case DeferredDropOldest:
		return deferred.DropOldest
	case DeferredFail:
		return deferred.Fail
	case DeferredGrow:
		return deferred.Grow
	default:
		return deferred.ProcessImmediately
	}
}
