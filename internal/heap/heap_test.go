package heap

import (
	"testing"
	"unsafe"
)

func uintptrOf(p unsafe.Pointer) uintptr {
	return uintptr(p)
}

func TestAllocateFreeTracksLiveBytes(t *testing.T) {
	a := New(true)

	layout := Layout{Size: 128, Align: 8}
	ptr, err := a.Allocate(layout, "render::mesh")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ptr == nil {
		t.Fatal("Allocate returned nil pointer")
	}

	stats := a.LiveStatistics()
	if stats.AllocationBytes != 128 || stats.AllocationCount != 1 {
		t.Fatalf("unexpected live statistics: %+v", stats)
	}

	if err := a.Free(ptr, layout); err != nil {
		t.Fatalf("Free: %v", err)
	}

	stats = a.LiveStatistics()
	if stats.AllocationBytes != 0 || stats.AllocationCount != 0 {
		t.Fatalf("expected zeroed statistics after free, got %+v", stats)
	}

	if a.PeakBytes() != 128 {
		t.Fatalf("expected peak of 128, got %d", a.PeakBytes())
	}
}

func TestFreeUntrackedPointerFails(t *testing.T) {
	a := New(true)
	other := New(true)

	layout := Layout{Size: 64, Align: 8}
	ptr, err := other.Allocate(layout, "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := a.Free(ptr, layout); err == nil {
		t.Fatal("expected error freeing a pointer this adapter never allocated")
	}
}

func TestAllocateRespectsAlignment(t *testing.T) {
	a := New(false)

	for _, align := range []int{8, 16, 32, 64} {
		ptr, err := a.Allocate(Layout{Size: 16, Align: uintptr(align)}, "")
		if err != nil {
			t.Fatalf("Allocate align=%d: %v", align, err)
		}
		addr := uintptrOf(ptr)
		if addr%uintptr(align) != 0 {
			t.Fatalf("pointer %x not aligned to %d", addr, align)
		}
	}
}
