package transfer

import "testing"

func TestReceiveOnOtherThreadSucceedsExactlyOnce(t *testing.T) {
	h := New(42, 1, BackendPool, nil, nil)

	v, err := h.Receive(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected value 42, got %d", v)
	}
	if h.State() != Received {
		t.Fatalf("expected state Received, got %v", h.State())
	}

	if _, err := h.Receive(2); err != ErrDoubleReceive {
		t.Fatalf("expected ErrDoubleReceive, got %v", err)
	}
}

func TestReceiveOnOriginThreadFails(t *testing.T) {
	h := New("payload", 1, BackendHeap, nil, nil)
	if _, err := h.Receive(1); err != ErrWrongThreadReceive {
		t.Fatalf("expected ErrWrongThreadReceive, got %v", err)
	}
}

func TestDropWhilePendingEnqueuesCrossThreadFreeExactlyOnce(t *testing.T) {
	var dropCount, onDropCount int
	h := New(7, 1, BackendPool, func(int) { dropCount++ }, func() { onDropCount++ })

	h.Drop()
	h.Drop() // second drop must be a no-op

	if dropCount != 1 || onDropCount != 1 {
		t.Fatalf("expected drop+onDrop exactly once, got drop=%d onDrop=%d", dropCount, onDropCount)
	}
	if h.State() != Dropped {
		t.Fatalf("expected state Dropped, got %v", h.State())
	}
}

func TestDropAfterReceiveDoesNotRunDropFn(t *testing.T) {
	var dropCount int
	h := New(7, 1, BackendPool, func(int) { dropCount++ }, nil)

	if _, err := h.Receive(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Drop()

	if dropCount != 0 {
		t.Fatal("drop function must not run once the value has been received")
	}
	if h.State() != Received {
		t.Fatalf("expected state to remain Received, got %v", h.State())
	}
}
