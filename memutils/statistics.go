// Package memutils holds the small, domain-agnostic arithmetic and
// accounting helpers shared by every allocator backend: alignment rounding,
// power-of-two checks, byte/allocation counters, and the allocatordebug
// poisoning hooks. Nothing here knows about frames, tags, or threads.
package memutils

import "math"

// Statistics is a rollup of block/backend-level counters: how many
// backing blocks exist, how many live allocations they hold, and the byte
// totals for both. It is the unit of accounting shared by the slab registry
// and the system heap adapter.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// PeakTracker records a running live byte count and the high-water mark it
// has ever reached. It underlies the high-water marks of the frame arena, the
// local pool cache and the system heap adapter; the per-thread/per-tag
// peak_bytes counters in the statistics snapshot keep their own peak.
type PeakTracker struct {
	live int
	peak int
}

// Add increases the live count by delta (which may be negative for a
// release) and updates the peak if the new live value is a new high.
func (p *PeakTracker) Add(delta int) {
	p.live += delta
	if p.live > p.peak {
		p.peak = p.live
	}
}

// Live returns the current live byte/allocation count.
func (p *PeakTracker) Live() int { return p.live }

// Peak returns the highest live value ever observed.
func (p *PeakTracker) Peak() int { return p.peak }

// Reset zeroes the live count but preserves the peak, matching the frame
// arena's reset semantics: usage returns to zero, the high-water mark is
// reported once more before being carried into the next frame's tracking.
func (p *PeakTracker) Reset() {
	p.live = 0
}
