package stats

import "testing"

func TestRecordAllocUpdatesLiveAndPeak(t *testing.T) {
	var c Counters
	c.RecordAlloc(Pool, 128)
	c.RecordAlloc(Heap, 256)

	s := c.Read()
	if s.PoolBytes != 128 || s.HeapBytes != 256 {
		t.Fatalf("unexpected live bytes: %+v", s)
	}
	if s.PeakBytes != 384 {
		t.Fatalf("expected combined peak 384, got %d", s.PeakBytes)
	}
	if s.PoolAllocs != 1 || s.HeapAllocs != 1 {
		t.Fatalf("expected one alloc each, got %+v", s)
	}
}

func TestRecordFreeReducesLiveButNotPeak(t *testing.T) {
	var c Counters
	c.RecordAlloc(Pool, 500)
	c.RecordFree(Pool, 300)

	s := c.Read()
	if s.PoolBytes != 200 {
		t.Fatalf("expected 200 live, got %d", s.PoolBytes)
	}
	if s.PeakBytes != 500 {
		t.Fatalf("expected peak to remain 500, got %d", s.PeakBytes)
	}
	if s.PoolDeallocs != 1 {
		t.Fatalf("expected one dealloc, got %d", s.PoolDeallocs)
	}
}

func TestResetFrameZeroesOnlyFrameBytes(t *testing.T) {
	var c Counters
	c.RecordAlloc(Frame, 1024)
	c.RecordAlloc(Pool, 64)
	c.ResetFrame()

	s := c.Read()
	if s.FrameBytes != 0 {
		t.Fatalf("expected frame bytes reset to 0, got %d", s.FrameBytes)
	}
	if s.PoolBytes != 64 {
		t.Fatalf("expected pool bytes untouched, got %d", s.PoolBytes)
	}
}

func TestRegistryLazilyCreatesThreadAndTagCounters(t *testing.T) {
	r := NewRegistry()
	r.ThreadCounters(7).RecordAlloc(Pool, 32)
	r.TagCounters("render::mesh").RecordAlloc(64)

	threads := r.Threads()
	if threads[7].PoolBytes != 32 {
		t.Fatalf("expected thread 7 to have 32 pool bytes, got %+v", threads[7])
	}

	tags := r.Tags()
	if tags["render::mesh"].LiveBytes != 64 || tags["render::mesh"].Allocs != 1 {
		t.Fatalf("unexpected tag counters: %+v", tags["render::mesh"])
	}
}
