package retention

import (
	"errors"
	"testing"
	"unsafe"
)

type fakePromoter struct {
	poolBuf []byte
	failAll bool
}

func newFakePromoter() *fakePromoter {
	return &fakePromoter{poolBuf: make([]byte, 4096)}
}

func (f *fakePromoter) PromoteToPool(layout Layout) (unsafe.Pointer, error) {
	if f.failAll {
		return nil, errors.New("pool exhausted")
	}
	return unsafe.Pointer(&f.poolBuf[0]), nil
}

func (f *fakePromoter) PromoteToHeap(layout Layout) (unsafe.Pointer, error) {
	if f.failAll {
		return nil, errors.New("heap exhausted")
	}
	buf := make([]byte, layout.Size)
	return unsafe.Pointer(&buf[0]), nil
}

func (f *fakePromoter) PromoteToScratch(name string, layout Layout) (unsafe.Pointer, error) {
	if f.failAll {
		return nil, errors.New("scratch pool full")
	}
	buf := make([]byte, layout.Size)
	return unsafe.Pointer(&buf[0]), nil
}

func TestPromoteToPoolCopiesBytesAndDoesNotRunDrop(t *testing.T) {
	src := make([]byte, 512)
	for i := range src {
		src[i] = 0xAB
	}

	dropCount := 0
	var s Store
	s.Retain(Entry{
		Ptr:    unsafe.Pointer(&src[0]),
		Layout: Layout{Size: 512, Align: 8},
		DropFn: func(unsafe.Pointer) { dropCount++ },
		Policy: PromoteToPool,
	})

	p := newFakePromoter()
	summary := s.Process(p)

	if summary.PromotedPoolCount != 1 || summary.PromotedPoolBytes != 512 {
		t.Fatalf("expected one 512-byte pool promotion, got count=%d bytes=%d", summary.PromotedPoolCount, summary.PromotedPoolBytes)
	}
	if len(summary.Failed) != 0 {
		t.Fatalf("expected no failures, got %v", summary.Failed)
	}
	if dropCount != 0 {
		t.Fatalf("drop must not run on a successful promotion, ran %d times", dropCount)
	}
	if p.poolBuf[0] != 0xAB || p.poolBuf[511] != 0xAB {
		t.Fatal("promoted bytes were not copied into the destination")
	}
	if s.Len() != 0 {
		t.Fatal("store should be empty after Process")
	}
}

func TestDiscardPolicyRunsDropAndCountsBytes(t *testing.T) {
	dropped := false
	var s Store
	s.Retain(Entry{
		Layout: Layout{Size: 256},
		DropFn: func(unsafe.Pointer) { dropped = true },
		Policy: Discard,
	})

	summary := s.Process(newFakePromoter())
	if summary.DiscardedCount != 1 || summary.DiscardedBytes != 256 {
		t.Fatalf("unexpected discard summary: %+v", summary)
	}
	if !dropped {
		t.Fatal("expected drop to run for a discarded entry")
	}
}

func TestFailedPromotionRunsDropAndRecordsReason(t *testing.T) {
	dropped := false
	var s Store
	s.Retain(Entry{
		Layout: Layout{Size: 64},
		DropFn: func(unsafe.Pointer) { dropped = true },
		Policy: PromoteToPool,
	})

	p := newFakePromoter()
	p.failAll = true
	summary := s.Process(p)

	if len(summary.Failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(summary.Failed))
	}
	if summary.Failed[0].Reason != ReasonBudgetExceeded {
		t.Fatalf("expected ReasonBudgetExceeded, got %v", summary.Failed[0].Reason)
	}
	if !dropped {
		t.Fatal("expected drop to run when promotion fails")
	}
	if summary.PromotedPoolCount != 0 {
		t.Fatal("a failed promotion must not count as promoted")
	}
}

func TestDropPanicIsRecoveredAndDoesNotAbortProcessing(t *testing.T) {
	var s Store
	s.Retain(Entry{
		Layout: Layout{Size: 8},
		DropFn: func(unsafe.Pointer) { panic("boom") },
		Policy: Discard,
	})
	s.Retain(Entry{
		Layout: Layout{Size: 16},
		Policy: Discard,
	})

	summary := s.Process(newFakePromoter())
	if summary.DiscardedCount != 2 {
		t.Fatalf("expected both entries processed despite a panicking drop, got %d", summary.DiscardedCount)
	}
}
