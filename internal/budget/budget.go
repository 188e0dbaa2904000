// Package budget implements the budget manager (C7): atomic byte counters
// per scope, checked with a compare-and-swap reservation loop so a limit is
// never transiently exceeded under concurrent reservations, mirroring how
// the underlying platform tracks device memory budgets with a CAS loop over
// a single atomic counter per heap index.
package budget

import (
	"sync"
	"sync/atomic"
)

// Policy selects what happens when a reservation would exceed a limit.
type Policy int

const (
	// Allow lets the reservation through regardless of the limit; useful for
	// limits that exist purely for statistics/warnings.
	Allow Policy = iota
	// Warn lets the reservation through but reports that the soft limit was
	// crossed so the caller can surface a Diagnostic.
	Warn
	// Fail refuses the reservation outright once the limit would be exceeded.
	Fail
	// Promote refuses the reservation at this scope, signaling the caller to
	// retry the allocation against the next fallback backend.
	Promote
)

// Counter is a single atomic byte counter with an optional soft and hard
// limit, each carrying its own policy. Zero value is a counter with no
// limits (Reserve always succeeds).
type Counter struct {
	current  atomic.Int64
	peak     atomic.Int64
	soft     int64
	softPol  Policy
	hard     int64
	hardPol  Policy
}

// NewCounter constructs a Counter. A limit of 0 disables that threshold.
func NewCounter(soft int64, softPolicy Policy, hard int64, hardPolicy Policy) *Counter {
	return &Counter{soft: soft, softPol: softPolicy, hard: hard, hardPol: hardPolicy}
}

// Outcome reports the result of a Reserve call.
type Outcome struct {
	Allowed        bool
	CrossedSoft     bool
	CrossedHard     bool
	ShouldPromote   bool
}

// Reserve attempts to add delta (may be negative, for Release via a negative
// delta — prefer Release for that) bytes to the counter, enforcing configured
// limits via a CAS loop so the check-then-act is atomic against concurrent
// reservations on other threads.
func (c *Counter) Reserve(delta int64) Outcome {
	for {
		cur := c.current.Load()
		next := cur + delta

		if c.hard > 0 && next > c.hard {
			switch c.hardPol {
			case Fail:
				return Outcome{Allowed: false, CrossedHard: true}
			case Promote:
				return Outcome{Allowed: false, CrossedHard: true, ShouldPromote: true}
			case Warn, Allow:
				// fall through: recorded but not blocked
			}
		}

		if c.current.CompareAndSwap(cur, next) {
			out := Outcome{Allowed: true}
			if c.hard > 0 && next > c.hard {
				out.CrossedHard = true
			}
			if c.soft > 0 && next > c.soft && cur <= c.soft {
				out.CrossedSoft = true
			}
			c.bumpPeak(next)
			return out
		}
	}
}

// Release subtracts n bytes from the counter. n must be non-negative.
func (c *Counter) Release(n int64) {
	if n == 0 {
		return
	}
	c.current.Add(-n)
}

func (c *Counter) bumpPeak(val int64) {
	for {
		p := c.peak.Load()
		if val <= p {
			return
		}
		if c.peak.CompareAndSwap(p, val) {
			return
		}
	}
}

// SetHardLimit overrides the hard limit and its policy at runtime, letting
// a caller narrow or widen a per-thread budget after construction (e.g.
// set_thread_frame_budget). A limit of 0 disables enforcement.
func (c *Counter) SetHardLimit(limit int64, policy Policy) {
	c.hard = limit
	c.hardPol = policy
}

// Current returns the live reserved byte count.
func (c *Counter) Current() int64 { return c.current.Load() }

// Peak returns the highest Current ever observed.
func (c *Counter) Peak() int64 { return c.peak.Load() }

// Scope identifies which counter a reservation applies to.
type Scope struct {
	ThreadID int64
	Backend  string // "frame", "pool", or "heap"
	Tag      string // "" for the global/per-thread scope, else a tag path
}

// Manager owns the full set of counters: one global counter, and
// lazily-created per-thread×backend and per-tag counters. Creation under the
// mutex is rare (first touch of a new thread or tag); the hot path after
// that is the counter's own lock-free Reserve/Release.
type Manager struct {
	mu       sync.Mutex
	global   *Counter
	perScope map[Scope]*Counter

	factory func(Scope) *Counter
}

// New constructs a Manager. newCounter is called once per distinct Scope the
// first time it is touched, and should apply whatever limits/policies the
// caller's configuration specifies for that scope.
func New(global *Counter, newCounter func(Scope) *Counter) *Manager {
	return &Manager{
		global:   global,
		perScope: make(map[Scope]*Counter),
		factory:  newCounter,
	}
}

func (m *Manager) counterFor(scope Scope) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.perScope[scope]; ok {
		return c
	}
	c := m.factory(scope)
	m.perScope[scope] = c
	return c
}

// CounterFor returns (lazily creating if needed) the counter for scope, for
// callers outside this package that need to mutate a scope's limits at
// runtime (e.g. set_thread_frame_budget).
func (m *Manager) CounterFor(scope Scope) *Counter {
	return m.counterFor(scope)
}

// Reserve charges delta bytes against both the global counter and the
// scope's own counter. If either refuses, the other is rolled back and the
// refusing outcome is returned.
func (m *Manager) Reserve(scope Scope, delta int64) Outcome {
	globalOut := m.global.Reserve(delta)
	if !globalOut.Allowed {
		return globalOut
	}

	scopeCounter := m.counterFor(scope)
	scopeOut := scopeCounter.Reserve(delta)
	if !scopeOut.Allowed {
		m.global.Release(delta)
		return scopeOut
	}

	if scopeOut.CrossedSoft || scopeOut.CrossedHard {
		return scopeOut
	}
	return globalOut
}

// Release returns delta bytes to both the global and scope counters.
func (m *Manager) Release(scope Scope, delta int64) {
	m.global.Release(delta)
	m.counterFor(scope).Release(delta)
}

// Snapshot returns the current/peak bytes for the global counter and every
// scope touched so far.
func (m *Manager) Snapshot() (global struct{ Current, Peak int64 }, scopes map[Scope]struct{ Current, Peak int64 }) {
	global.Current = m.global.Current()
	global.Peak = m.global.Peak()

	m.mu.Lock()
	defer m.mu.Unlock()
	scopes = make(map[Scope]struct{ Current, Peak int64 }, len(m.perScope))
	for s, c := range m.perScope {
		scopes[s] = struct{ Current, Peak int64 }{Current: c.Current(), Peak: c.Peak()}
	}
	return global, scopes
}
