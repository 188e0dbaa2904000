package barrier

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWaitAllReleasesOnlyAfterAllSignals(t *testing.T) {
	b := New(3)
	b.Register(1)
	b.Register(2)
	b.Register(3)

	released := make(chan struct{})
	var wg sync.WaitGroup
	for _, id := range []uint64{1, 2, 3} {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			b.SignalFrameComplete(id)
			b.WaitAll()
		}(id)
	}

	go func() {
		wg.Wait()
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("expected all three waiters to release once all signals landed")
	}
}

func TestBarrierAutoResetsForSecondRound(t *testing.T) {
	b := New(2)
	b.Register(1)
	b.Register(2)

	b.SignalFrameComplete(1)
	b.SignalFrameComplete(2)
	b.WaitAll() // first round completes immediately

	done := make(chan struct{})
	go func() {
		b.WaitAll()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second round should not release before any new signals")
	case <-time.After(50 * time.Millisecond):
	}

	b.SignalFrameComplete(1)
	b.SignalFrameComplete(2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second round did not release after both signals")
	}
}

func TestSignalFromUnregisteredThreadFails(t *testing.T) {
	b := New(1)
	b.Register(1)
	if err := b.SignalFrameComplete(99); err != ErrUnregistered {
		t.Fatalf("expected ErrUnregistered, got %v", err)
	}
}

func TestWaitAllTimeoutReturnsErrorOnDeadline(t *testing.T) {
	b := New(2)
	b.Register(1)
	b.Register(2)
	b.SignalFrameComplete(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := b.WaitAllTimeout(ctx)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
