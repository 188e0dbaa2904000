package slab

import (
	"testing"

	"github.com/faintmark/faalloc/internal/heap"
)

func TestRefillBatchesUnderOneMutexAcquisition(t *testing.T) {
	h := heap.New(false)
	r := New(h, []int{8, 16, 32, 64}, 64)

	classIdx := r.ClassFor(64)
	nodes, err := r.Refill(classIdx, 65)
	if err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if len(nodes) != 65 {
		t.Fatalf("expected 65 nodes, got %d", len(nodes))
	}

	stats := h.LiveStatistics()
	if stats.AllocationCount != 2 {
		t.Fatalf("expected exactly 2 heap pages (64 then 1 more), got %d", stats.AllocationCount)
	}
}

func TestReturnBatchReplenishesFreeList(t *testing.T) {
	h := heap.New(false)
	r := New(h, []int{8, 16, 32, 64}, 4)

	classIdx := r.ClassFor(32)
	nodes, err := r.Refill(classIdx, 4)
	if err != nil {
		t.Fatalf("Refill: %v", err)
	}

	r.ReturnBatch(classIdx, nodes)

	more, err := r.Refill(classIdx, 4)
	if err != nil {
		t.Fatalf("Refill after return: %v", err)
	}
	if len(more) != 4 {
		t.Fatalf("expected 4 nodes reused from returned batch, got %d", len(more))
	}

	stats := h.LiveStatistics()
	if stats.AllocationCount != 1 {
		t.Fatalf("expected no new heap page after return, got %d pages", stats.AllocationCount)
	}
}

func TestClassForOversizeReturnsInvalidIndex(t *testing.T) {
	h := heap.New(false)
	r := New(h, []int{8, 16, 32, 64}, 4)

	idx := r.ClassFor(128)
	if r.classIndexValid(idx) {
		t.Fatalf("expected 128 to be oversize for classes up to 64")
	}
}
