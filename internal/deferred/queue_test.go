package deferred

import (
	"sync"
	"testing"
)

func TestEnqueueDequeuePreservesSingleProducerOrder(t *testing.T) {
	q := New(0, Fail)

	for i := 0; i < 5; i++ {
		q.Enqueue(Record{Backend: BackendHeap, ClassIndex: i})
	}

	for i := 0; i < 5; i++ {
		rec, ok := q.Dequeue()
		if !ok {
			t.Fatalf("expected a record at index %d", i)
		}
		if rec.ClassIndex != i {
			t.Fatalf("expected order-preserving dequeue, got %d at position %d", rec.ClassIndex, i)
		}
	}

	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected queue to be empty")
	}
}

func TestConcurrentProducersAllRecordsDrained(t *testing.T) {
	q := New(0, Fail)

	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Record{Backend: BackendHeap, ClassIndex: p})
			}
		}(p)
	}
	wg.Wait()

	count := 0
	for {
		_, ok := q.Dequeue()
		if !ok {
			break
		}
		count++
	}

	if count != producers*perProducer {
		t.Fatalf("expected %d records drained, got %d", producers*perProducer, count)
	}
}

func TestBoundedQueueFailsAtCapacity(t *testing.T) {
	q := New(4, Fail)

	for i := 0; i < 4; i++ {
		if !q.Enqueue(Record{Backend: BackendHeap}) {
			t.Fatalf("expected enqueue %d to succeed under capacity", i)
		}
	}
	if q.Enqueue(Record{Backend: BackendHeap}) {
		t.Fatal("expected enqueue at capacity to fail under the Fail policy")
	}
}

func TestBoundedQueueDropOldestMakesRoom(t *testing.T) {
	q := New(2, DropOldest)

	q.Enqueue(Record{Backend: BackendHeap, ClassIndex: 1})
	q.Enqueue(Record{Backend: BackendHeap, ClassIndex: 2})
	if !q.Enqueue(Record{Backend: BackendHeap, ClassIndex: 3}) {
		t.Fatal("expected DropOldest to make room for a third record")
	}

	var seen []int
	for {
		rec, ok := q.Dequeue()
		if !ok {
			break
		}
		seen = append(seen, rec.ClassIndex)
	}
	if len(seen) != 2 {
		t.Fatalf("expected the oldest record to have been dropped, got %v", seen)
	}
}

func TestDrainDispatchesUpToMaxCount(t *testing.T) {
	q := New(0, Fail)
	for i := 0; i < 10; i++ {
		q.Enqueue(Record{Backend: BackendHeap, ClassIndex: i})
	}

	var dispatched []int
	drained := q.Drain(3, func(r Record) {
		dispatched = append(dispatched, r.ClassIndex)
	})

	if drained != 3 || len(dispatched) != 3 {
		t.Fatalf("expected exactly 3 drained, got %d", drained)
	}
	if q.Depth() != 7 {
		t.Fatalf("expected 7 remaining, got %d", q.Depth())
	}
}
