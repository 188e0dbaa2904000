// Package lifecycle implements the lifecycle manager (C11): the
// thread-local frame state machine that sequences begin/end frame, nested
// phases, checkpoints, and retention processing.
package lifecycle

import (
	"errors"
	"unsafe"

	"github.com/faintmark/faalloc/internal/arena"
	"github.com/faintmark/faalloc/internal/retention"
)

var (
	// ErrNoActiveFrame is returned by any frame-scoped operation attempted
	// on a thread currently in the Idle state.
	ErrNoActiveFrame = errors.New("no active frame on this thread context")
	// ErrFrameAlreadyActive is returned by BeginFrame when called while
	// already InFrame.
	ErrFrameAlreadyActive = errors.New("begin_frame called while a frame is already active")
	// ErrUnbalancedPhase is returned by EndPhase when there is no matching
	// BeginPhase.
	ErrUnbalancedPhase = errors.New("end_phase called with no matching begin_phase")
)

// State reports whether the owning thread is inside a frame.
type State int

const (
	Idle State = iota
	InFrame
)

func (s State) String() string {
	if s == InFrame {
		return "InFrame"
	}
	return "Idle"
}

// Manager owns one thread's frame state machine. It is not safe for
// concurrent use — like the arena and retention store it wraps, a Manager
// belongs to exactly one thread.
type Manager struct {
	arena      *arena.FrameArena
	retention  *retention.Store
	state      State
	frameNum   uint64
	phases     []string
	checkpoints []arena.Checkpoint
}

// New constructs a Manager sequencing the given arena and retention store.
func New(a *arena.FrameArena, r *retention.Store) *Manager {
	return &Manager{arena: a, retention: r}
}

// State reports the current lifecycle state.
func (m *Manager) State() State { return m.state }

// FrameNumber reports how many frames have begun on this thread so far
// (the frame currently in progress, if any, counts).
func (m *Manager) FrameNumber() uint64 { return m.frameNum }

// PhaseDepth reports how many phases are currently nested.
func (m *Manager) PhaseDepth() int { return len(m.phases) }

// CurrentPhase returns the innermost active phase name, or "" if none.
func (m *Manager) CurrentPhase() string {
	if len(m.phases) == 0 {
		return ""
	}
	return m.phases[len(m.phases)-1]
}

// BeginFrame transitions Idle -> InFrame, starting the backing arena and
// clearing any stray retention entries from a prior frame.
func (m *Manager) BeginFrame() error {
	if m.state == InFrame {
		return ErrFrameAlreadyActive
	}
	m.retention.Clear()
	m.arena.Begin()
	m.frameNum++
	m.phases = m.phases[:0]
	m.checkpoints = m.checkpoints[:0]
	m.state = InFrame
	return nil
}

// BeginPhase pushes name onto the phase stack.
func (m *Manager) BeginPhase(name string) error {
	if m.state != InFrame {
		return ErrNoActiveFrame
	}
	m.phases = append(m.phases, name)
	return nil
}

// EndPhase pops the innermost phase. Returns ErrUnbalancedPhase if no phase
// is active.
func (m *Manager) EndPhase() error {
	if m.state != InFrame {
		return ErrNoActiveFrame
	}
	if len(m.phases) == 0 {
		return ErrUnbalancedPhase
	}
	m.phases = m.phases[:len(m.phases)-1]
	return nil
}

// Checkpoint captures the arena's current cursor for a later RollbackTo.
func (m *Manager) Checkpoint() (arena.Checkpoint, error) {
	if m.state != InFrame {
		return arena.Checkpoint{}, ErrNoActiveFrame
	}
	cp := m.arena.Checkpoint()
	m.checkpoints = append(m.checkpoints, cp)
	return cp, nil
}

// RollbackTo restores the arena to cp, discarding every checkpoint taken
// after it.
func (m *Manager) RollbackTo(cp arena.Checkpoint) error {
	if m.state != InFrame {
		return ErrNoActiveFrame
	}
	m.arena.RollbackTo(cp)
	for i, c := range m.checkpoints {
		if c == cp {
			m.checkpoints = m.checkpoints[:i+1]
			break
		}
	}
	return nil
}

// EndFrame transitions InFrame -> Idle, discarding every pending retention
// entry (running their drop functions) and resetting the arena.
func (m *Manager) EndFrame() error {
	if m.state != InFrame {
		return ErrNoActiveFrame
	}
	m.retention.Process(discardOnlyPromoter{})
	m.arena.Reset()
	m.state = Idle
	m.phases = m.phases[:0]
	m.checkpoints = m.checkpoints[:0]
	return nil
}

// EndFrameWithPromotions transitions InFrame -> Idle like EndFrame, but
// processes retention entries through p, promoting each to its configured
// backend instead of discarding it.
func (m *Manager) EndFrameWithPromotions(p retention.Promoter) (retention.Summary, error) {
	if m.state != InFrame {
		return retention.Summary{}, ErrNoActiveFrame
	}
	summary := m.retention.Process(p)
	m.arena.Reset()
	m.state = Idle
	m.phases = m.phases[:0]
	m.checkpoints = m.checkpoints[:0]
	return summary, nil
}

// discardOnlyPromoter backs plain EndFrame: every entry's Policy is honored
// by the Store itself for Discard, but Process always calls the Promoter
// interface for promotion policies, so callers who never expect promotions
// on a given frame still need a Promoter that fails closed rather than
// silently leaking into whichever backend happened to be wired in.
type discardOnlyPromoter struct{}

func (discardOnlyPromoter) PromoteToPool(retention.Layout) (unsafe.Pointer, error) {
	return nil, errUnsupportedPromotion
}
func (discardOnlyPromoter) PromoteToHeap(retention.Layout) (unsafe.Pointer, error) {
	return nil, errUnsupportedPromotion
}
func (discardOnlyPromoter) PromoteToScratch(string, retention.Layout) (unsafe.Pointer, error) {
	return nil, errUnsupportedPromotion
}

var errUnsupportedPromotion = errors.New("retention entry requested promotion during a plain end_frame")
