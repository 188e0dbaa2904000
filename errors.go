package faalloc

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Severity classifies a Diagnostic's urgency, matching the external
// diagnostic event stream contract.
type Severity int

const (
	SeverityHint Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityHint:
		return "hint"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Code is a stable diagnostic identifier. Its string value, not its
// position in this file, is the contract external tooling depends on.
type Code string

const (
	CodeNoActiveFrame        Code = "no-active-frame"
	CodeDoubleReceive        Code = "double-receive"
	CodeWrongThreadReceive   Code = "wrong-thread-receive"
	CodeUnbalancedPhase      Code = "unbalanced-phase"
	CodeUnknownScratchPool   Code = "unknown-scratch-pool"
	CodeScratchPoolBusy      Code = "scratch-pool-busy"
	CodeTagStackOverflow     Code = "tag-stack-overflow"
	CodeArenaExhausted       Code = "arena-exhausted"
	CodePoolExhausted        Code = "pool-exhausted"
	CodeHeapOutOfMemory      Code = "heap-out-of-memory"
	CodeDeferredQueueFull    Code = "deferred-queue-full"
	CodeScratchPoolFull      Code = "scratch-pool-full"
	CodeBarrierTimeout       Code = "barrier-timeout"
	CodeBarrierUnregistered  Code = "barrier-unregistered-thread"
	CodeSoftLimitExceeded    Code = "soft-limit-exceeded"
	CodeHardLimitExceeded    Code = "hard-limit-exceeded"
	CodeRetentionFailed      Code = "retention-failed"
	CodeInternalInvariant    Code = "internal-invariant-violated"
	CodeInvalidHandle        Code = "invalid-handle"
	CodeInvalidCrossFree     Code = "invalid-cross-thread-free"
)

// Diagnostic is the structured event surfaced to external tooling (profiler
// exporters, IDE snapshot emitters, the static analysis tool). It carries a
// stable Code, a severity, and enough context to locate the offending
// allocation without exposing internal state.
type Diagnostic struct {
	Code        Code
	Severity    Severity
	TagPath     string
	FrameNumber uint64
	ThreadID    uint64
	Message     string
	Note        string
	Help        string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s: %s", d.Severity, d.Code, d.Message)
}

// RetentionFailureReason enumerates why a retained allocation could not be
// promoted at frame end: three named backend-specific reasons, plus
// AllocatorUnavailable for the case where the backing allocator handle has
// already been torn down, plus an Other catch-all.
type RetentionFailureReason int

const (
	ReasonBudgetExceeded RetentionFailureReason = iota
	ReasonScratchPoolFull
	ReasonDropPanicked
	ReasonAllocatorUnavailable
	ReasonOther
)

func (r RetentionFailureReason) String() string {
	switch r {
	case ReasonBudgetExceeded:
		return "BudgetExceeded"
	case ReasonScratchPoolFull:
		return "ScratchPoolFull"
	case ReasonDropPanicked:
		return "DropPanicked"
	case ReasonAllocatorUnavailable:
		return "AllocatorUnavailable"
	default:
		return "Other"
	}
}

// Precondition errors are programmer errors: calling an operation in a state
// that the caller should never have produced. They never self-heal and are
// never retried.
func newPrecondition(code Code, format string, args ...any) error {
	return errors.WithHint(
		errors.Newf(format, args...),
		string(code),
	)
}

// ErrNoActiveFrame is returned when a frame-scoped operation is attempted on
// a thread with no active frame.
func ErrNoActiveFrame() error {
	return newPrecondition(CodeNoActiveFrame, "no active frame on this thread context")
}

// ErrDoubleReceive is returned when TransferHandle.Receive is called a
// second time.
func ErrDoubleReceive() error {
	return newPrecondition(CodeDoubleReceive, "transfer handle has already been received")
}

// ErrWrongThreadReceive is returned when the producer thread calls Receive on
// its own TransferHandle.
func ErrWrongThreadReceive() error {
	return newPrecondition(CodeWrongThreadReceive, "transfer handle cannot be received on its origin thread")
}

// ErrUnbalancedPhase is returned when EndPhase is called with no matching
// BeginPhase.
func ErrUnbalancedPhase() error {
	return newPrecondition(CodeUnbalancedPhase, "end_phase called with no matching begin_phase")
}

// ErrUnknownScratchPool is returned when a scratch pool name has not been
// registered.
func ErrUnknownScratchPool(name string) error {
	return newPrecondition(CodeUnknownScratchPool, "unknown scratch pool %q", name)
}

// ErrScratchPoolBusy is returned when a scratch pool reset is attempted while
// a checkpoint into that pool is still outstanding.
func ErrScratchPoolBusy(name string) error {
	return newPrecondition(CodeScratchPoolBusy, "scratch pool %q has outstanding checkpoints", name)
}

// ErrTagStackOverflow is returned when WithTag would push the tag stack past
// its configured maximum depth.
func ErrTagStackOverflow(max int) error {
	return newPrecondition(CodeTagStackOverflow, "tag stack depth would exceed configured maximum of %d", max)
}

// Capacity errors are recoverable by the caller: retry with a smaller
// request, a different backend, or after freeing something.
func newCapacity(code Code, format string, args ...any) error {
	return errors.WithHint(
		errors.Newf(format, args...),
		string(code),
	)
}

// ErrArenaExhausted is returned when a frame allocation cannot be satisfied
// even after chunk growth, because it exceeds the configured chunk cap.
func ErrArenaExhausted(requested, cap int) error {
	return newCapacity(CodeArenaExhausted, "frame allocation of %d bytes exceeds the chunk cap of %d bytes", requested, cap)
}

// ErrPoolExhausted is returned when a pool allocation cannot be satisfied
// because the slab registry could not refill the size class.
func ErrPoolExhausted(class int) error {
	return newCapacity(CodePoolExhausted, "pool size class %d bytes is exhausted", class)
}

// ErrHeapOutOfMemory is returned when the system heap adapter's underlying
// allocation fails.
func ErrHeapOutOfMemory(size int) error {
	return newCapacity(CodeHeapOutOfMemory, "heap allocation of %d bytes failed", size)
}

// ErrDeferredQueueFull is returned by ThreadContext.FreeRemote when the
// owner's bounded deferred-free queue refuses the record under its capacity
// policy.
func ErrDeferredQueueFull(owner uint64) error {
	return newCapacity(CodeDeferredQueueFull, "deferred-free queue for thread %d is full", owner)
}

// ErrScratchPoolFull is returned when a PromoteToScratch cannot fit in its
// named scratch pool.
func ErrScratchPoolFull(name string) error {
	return newCapacity(CodeScratchPoolFull, "scratch pool %q is full", name)
}

// ErrBarrierTimeout describes a barrier wait whose deadline elapsed before
// all participants signaled. The barrier's WaitAllTimeout reports that case
// with its own barrier.ErrTimeout, not with this constructor.
func ErrBarrierTimeout() error {
	return newCapacity(CodeBarrierTimeout, "frame barrier wait timed out before all participants signaled")
}

// ErrBarrierUnregistered describes a SignalFrameComplete call from a thread
// that never registered as a participant. The barrier reports that case with
// its own barrier.ErrUnregistered, not with this constructor.
func ErrBarrierUnregistered() error {
	return newPrecondition(CodeBarrierUnregistered, "signal_frame_complete called by an unregistered participant")
}

// Budget errors carry the error code, the scope, the requested byte count
// and the limit reported for that scope.
type BudgetError struct {
	Code  Code
	Scope string
	Bytes int
	Limit int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("[%s] scope %q: %d bytes requested exceeds limit %d", e.Code, e.Scope, e.Bytes, e.Limit)
}

// NewSoftLimitExceeded constructs the diagnostic-only soft budget error.
func NewSoftLimitExceeded(scope string, bytes, limit int) *BudgetError {
	return &BudgetError{Code: CodeSoftLimitExceeded, Scope: scope, Bytes: bytes, Limit: limit}
}

// NewHardLimitExceeded constructs the hard budget error that fails the
// allocation outright, under both the Fail and the Promote policy.
func NewHardLimitExceeded(scope string, bytes, limit int) *BudgetError {
	return &BudgetError{Code: CodeHardLimitExceeded, Scope: scope, Bytes: bytes, Limit: limit}
}

// RetentionError is an error form of a retention failure. The
// end_frame_with_promotions summary does not use it: its Failed entries are
// retention.Failure values, and end_frame never returns a retention failure
// as a Go error.
type RetentionError struct {
	Reason RetentionFailureReason
	Detail string
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("retention failed: %s: %s", e.Reason, e.Detail)
}

// ErrInternalInvariant is returned for conditions that should be impossible
// if the allocator is implemented correctly. Receiving this error means the
// allocator has poisoned itself; the caller should flush diagnostics and
// terminate rather than attempt recovery.
func ErrInternalInvariant(format string, args ...any) error {
	return errors.WithHint(
		errors.Newf(format, args...),
		string(CodeInternalInvariant),
	)
}

// ErrInvalidHandle is returned when an operation is given a handle that does
// not map to a live allocation.
func ErrInvalidHandle() error {
	return newPrecondition(CodeInvalidHandle, "handle does not map to a live allocation")
}

// ErrInvalidCrossThreadFree is returned when a deferred-free record cannot be
// routed to any known backend on drain.
func ErrInvalidCrossThreadFree() error {
	return newPrecondition(CodeInvalidCrossFree, "deferred free record has no resolvable backend")
}
