package containers

import (
	"errors"
	"testing"
)

func TestRingQueueFIFO(t *testing.T) {
	rq := NewRingQueue[uint64](3)
	for i := uint64(1); i <= 3; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d) = %v", i, err)
		}
	}
	if !rq.IsFull() {
		t.Fatal("expected queue to be full")
	}
	if err := rq.Enqueue(4); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full queue = %v, want ErrQueueFull", err)
	}

	head, err := rq.Peek()
	if err != nil || head != 1 {
		t.Fatalf("Peek() = %d, %v; want 1, nil", head, err)
	}

	for want := uint64(1); want <= 3; want++ {
		got, err := rq.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got != want {
			t.Errorf("Dequeue() = %d, want %d", got, want)
		}
	}
	if _, err := rq.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Dequeue on empty queue = %v, want ErrQueueEmpty", err)
	}
}

func TestRingQueueWrapAround(t *testing.T) {
	rq := NewRingQueue[int](2)
	for i := 0; i < 10; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d) = %v", i, err)
		}
		got, err := rq.Dequeue()
		if err != nil || got != i {
			t.Fatalf("Dequeue() = %d, %v; want %d", got, err, i)
		}
	}
	if rq.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rq.Len())
	}
}
