package containers

import (
	"errors"
	"testing"
)

func TestRingQueueWrapsAround(t *testing.T) {
	q := NewRingQueue[int](3)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Enqueue(3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full = %v", err)
	}
	if v, _ := q.Dequeue(); v != 0 {
		t.Fatalf("Dequeue = %d, want 0", v)
	}
	if err := q.Enqueue(3); err != nil {
		t.Fatal(err)
	}
	if q.At(2) != 3 {
		t.Fatalf("At(2) = %d, want 3", q.At(2))
	}
	for want := 1; want <= 3; want++ {
		v, err := q.Dequeue()
		if err != nil || v != want {
			t.Fatalf("Dequeue = %d, %v, want %d", v, err, want)
		}
	}
	if _, err := q.Peek(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Peek on empty = %v", err)
	}
}
