package ed

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTxQueue_Empty(t *testing.T) {
	var q txQueue
	if _, ok := q.Pop(t0); ok {
		t.Error("expected nothing from empty queue")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestTxQueue_PriorityOrdering(t *testing.T) {
	var q txQueue
	q.Push(Outbound{Type: 3}, PriorityBeacon, t0)
	q.Push(Outbound{Type: 2}, PriorityStartAck, t0)
	q.Push(Outbound{Type: 1}, PriorityPollAck, t0)

	for _, want := range []uint8{1, 2, 3} {
		got, ok := q.Pop(t0)
		if !ok || got.Type != want {
			t.Fatalf("Pop() = %+v, %v; want type %d", got, ok, want)
		}
	}
}

func TestTxQueue_DelayedItems(t *testing.T) {
	var q txQueue
	q.Push(Outbound{Type: 1}, PriorityPollAck, t0.Add(100*time.Millisecond)) // high priority but delayed
	q.Push(Outbound{Type: 2}, PriorityBeacon, t0)

	if got, ok := q.Pop(t0); !ok || got.Type != 2 {
		t.Fatalf("Pop() = %+v, %v; want the ready item", got, ok)
	}
	if _, ok := q.Pop(t0.Add(99 * time.Millisecond)); ok {
		t.Fatal("delayed item popped early")
	}
	if got, ok := q.Pop(t0.Add(100 * time.Millisecond)); !ok || got.Type != 1 {
		t.Fatalf("Pop() = %+v, %v; want the delayed item", got, ok)
	}
}

func TestTxQueue_FIFOWithinPriority(t *testing.T) {
	var q txQueue
	q.Push(Outbound{Type: 1}, PriorityStartAck, t0)
	q.Push(Outbound{Type: 2}, PriorityStartAck, t0)

	first, _ := q.Pop(t0)
	second, _ := q.Pop(t0)
	if first.Type != 1 || second.Type != 2 {
		t.Errorf("order = %d, %d; want 1, 2", first.Type, second.Type)
	}
}
