package faalloc

// BudgetPolicy controls what happens when a reservation would cross a
// budget's soft or hard limit.
type BudgetPolicy int

const (
	// BudgetAllow never blocks an allocation; limits are tracked but not
	// enforced.
	BudgetAllow BudgetPolicy = iota
	// BudgetWarn allows the allocation but emits a diagnostic.
	BudgetWarn
	// BudgetFail fails the allocation once the hard limit would be crossed.
	BudgetFail
	// BudgetPromote refuses the reservation once the hard limit would be
	// crossed and the allocation fails with the hard-limit error, as under
	// BudgetFail; no retry against another backend is made.
	BudgetPromote
)

func (p BudgetPolicy) String() string {
	switch p {
	case BudgetAllow:
		return "Allow"
	case BudgetWarn:
		return "Warn"
	case BudgetFail:
		return "Fail"
	case BudgetPromote:
		return "Promote"
	default:
		return "Unknown"
	}
}

// DeferredMode controls when a thread opportunistically drains its deferred
// free queue.
type DeferredMode int

const (
	// DeferredAutomatic drains up to DrainLimit entries on every pool or
	// heap allocation. Frame allocations do not drain.
	DeferredAutomatic DeferredMode = iota
	// DeferredIncremental drains at most min(DrainLimit, 4) entries on every
	// pool or heap allocation.
	DeferredIncremental
	// DeferredExplicit never drains on allocation; the caller drains with
	// ThreadContext.DrainDeferred. EndFrame and EndFrameWithPromotions still
	// drain up to DrainLimit entries, as in every mode.
	DeferredExplicit
)

// DeferredFullPolicy controls what Enqueue does when a bounded deferred-free
// queue is at capacity.
type DeferredFullPolicy int

const (
	// DeferredProcessImmediately performs no drain: on a full queue it retires
	// the oldest queued record as DeferredDropOldest does, and the enqueue
	// fails only when no record can be retired.
	DeferredProcessImmediately DeferredFullPolicy = iota
	// DeferredDropOldest discards the oldest queued record to make room.
	DeferredDropOldest
	// DeferredFail returns ErrDeferredQueueFull to the enqueuer.
	DeferredFail
	// DeferredGrow ignores the configured capacity and grows anyway.
	DeferredGrow
)

// StatisticsMode toggles whether hot-path counter writes occur at all.
type StatisticsMode int

const (
	// StatisticsFull records every counter on every allocation/free.
	StatisticsFull StatisticsMode = iota
	// StatisticsMinimal disables hot-path counter writes entirely so the
	// fast path is pure bump/free.
	StatisticsMinimal
)

// DeferredConfig configures the deferred-free queue (C5).
type DeferredConfig struct {
	Mode          DeferredMode
	DrainLimit    int
	Bounded       bool
	Capacity      int
	FullPolicy    DeferredFullPolicy
}

// Options enumerates every configuration row of the allocator's external
// interface. Construct with DefaultOptions and override individual fields;
// every field has a safe default so a zero-value-derived Options is never
// used directly.
type Options struct {
	FrameInitialChunk   int
	FrameMaxChunk       int
	FrameRetainedChunks int

	PoolSizeClasses     []int
	PoolBatchSize       int
	PoolCacheHighWater  int

	HeapThreshold int

	BudgetGlobalHard  int
	BudgetThreadFrame int
	BudgetPolicy      BudgetPolicy
	BudgetWarningPct  float64

	Deferred DeferredConfig

	LifecycleEvents bool
	Statistics      StatisticsMode
	TagStackMax     int
	ScratchPoolCap  int
}

// DefaultOptions returns the documented default configuration: every field
// set to the value a fresh allocator should use when the caller hasn't
// overridden it.
func DefaultOptions() Options {
	return Options{
		FrameInitialChunk:   64 * 1024,
		FrameMaxChunk:       1024 * 1024,
		FrameRetainedChunks: 1,

		PoolSizeClasses:    defaultSizeClasses(),
		PoolBatchSize:      64,
		PoolCacheHighWater: 256,

		HeapThreshold: 4096,

		BudgetGlobalHard:  0, // 0 means unlimited
		BudgetThreadFrame: 0,
		BudgetPolicy:      BudgetAllow,
		BudgetWarningPct:  0.8,

		Deferred: DeferredConfig{
			Mode:       DeferredAutomatic,
			DrainLimit: 64,
			Bounded:    false,
			Capacity:   0,
			FullPolicy: DeferredProcessImmediately,
		},

		LifecycleEvents: false,
		Statistics:      StatisticsFull,
		TagStackMax:     32,
		ScratchPoolCap:  0,
	}
}

// defaultSizeClasses returns the power-of-two size classes from 8 bytes to
// 4096 bytes (8, 16, 32, ..., 4096 — ten classes). See DESIGN.md for why a
// strict power-of-two ladder over this range was chosen over a denser
// class count.
func defaultSizeClasses() []int {
	classes := make([]int, 0, 10)
	for size := 8; size <= 4096; size *= 2 {
		classes = append(classes, size)
	}
	return classes
}
