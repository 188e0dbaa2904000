// Package barrier implements the frame barrier (C9): a deterministic
// rendezvous letting N registered threads agree on a frame boundary before
// any of them proceeds past it.
package barrier

import (
	"context"
	"errors"
	"sync"
)

// ErrTimeout is returned by WaitAllTimeout when the deadline elapses before
// every participant has signaled.
var ErrTimeout = errors.New("frame barrier wait timed out")

// ErrUnregistered is returned when SignalFrameComplete is called by a thread
// that is not one of the barrier's registered participants.
var ErrUnregistered = errors.New("signal_frame_complete called by an unregistered participant")

// Barrier is a cyclic rendezvous for a fixed participant count. Once
// `participantCount` distinct registered IDs have called
// SignalFrameComplete since the last reset, every blocked WaitAll returns
// and the barrier automatically resets for the next round.
type Barrier struct {
	mu               sync.Mutex
	cond             *sync.Cond
	participantCount int
	registered       map[uint64]struct{}
	signaledThisGen  map[uint64]struct{}
	generation       uint64
}

// New constructs a Barrier for exactly participantCount participants, which
// must all be registered via Register before they call SignalFrameComplete.
func New(participantCount int) *Barrier {
	b := &Barrier{
		participantCount: participantCount,
		registered:       make(map[uint64]struct{}),
		signaledThisGen:  make(map[uint64]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Register adds threadID as a participant. Registering the same ID twice is
// a no-op.
func (b *Barrier) Register(threadID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[threadID] = struct{}{}
}

// Unregister removes threadID from the participant set, reducing the count
// of signals required for the current and future generations.
func (b *Barrier) Unregister(threadID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.registered[threadID]; !ok {
		return
	}
	delete(b.registered, threadID)
	delete(b.signaledThisGen, threadID)
	if b.participantCount > 0 {
		b.participantCount--
	}
	if len(b.signaledThisGen) >= b.participantCount {
		b.advanceGenerationLocked()
	}
}

// SignalFrameComplete records threadID's signal for the current generation.
// Returns ErrUnregistered if threadID was never registered.
func (b *Barrier) SignalFrameComplete(threadID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.registered[threadID]; !ok {
		return ErrUnregistered
	}
	b.signaledThisGen[threadID] = struct{}{}
	if len(b.signaledThisGen) >= b.participantCount {
		b.advanceGenerationLocked()
	}
	return nil
}

// advanceGenerationLocked releases every blocked WaitAll and resets the
// signal set for the next round. Must be called with b.mu held.
func (b *Barrier) advanceGenerationLocked() {
	b.generation++
	b.signaledThisGen = make(map[uint64]struct{})
	b.cond.Broadcast()
}

// WaitAll blocks until participantCount signals have accumulated since the
// barrier's last reset (or creation), then returns.
func (b *Barrier) WaitAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := b.generation
	for b.generation == start {
		b.cond.Wait()
	}
}

// WaitAllTimeout blocks like WaitAll but returns ErrTimeout if ctx is
// canceled or its deadline elapses first.
func (b *Barrier) WaitAllTimeout(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.WaitAll()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The WaitAll goroutine above is still blocked on b.cond.Wait() and
		// will return once a future generation advances; it is leaked until
		// then. Callers racing a timeout against a barrier that may never
		// complete should size participantCount so that doesn't happen, or
		// call Reset to force progress.
		return ErrTimeout
	}
}

// Reset forces the current generation to advance immediately, releasing any
// blocked WaitAll callers even if fewer than participantCount signals have
// been observed.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceGenerationLocked()
}

// ParticipantCount reports how many signals the current generation needs.
func (b *Barrier) ParticipantCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.participantCount
}
