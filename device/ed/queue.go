package ed

import (
	"sync"
	"time"
)

// Transmit priorities. Lower values are sent first.
const (
	PriorityPollAck  uint8 = 0
	PriorityStartAck uint8 = 1
	PriorityBeacon   uint8 = 2
)

// Outbound is one queued frame. Control frames are encoded when queued;
// relay frames are encoded from the relay payload when they are sent, and
// the payload is committed once such a frame is on air.
type Outbound struct {
	Type  uint8
	Raw   []byte
	Relay bool
}

// txQueue is a priority-ordered outbound frame queue. Items with a future
// readyAt time are held until that time has passed.
type txQueue struct {
	mu    sync.Mutex
	items []queueItem
}

type queueItem struct {
	out      Outbound
	priority uint8
	readyAt  time.Time
}

// Push adds a frame that becomes ready at readyAt.
func (q *txQueue) Push(out Outbound, priority uint8, readyAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queueItem{out: out, priority: priority, readyAt: readyAt})
}

// Pop returns the highest-priority frame ready at now. Among items with
// equal priority, the earliest-inserted item is returned.
func (q *txQueue) Pop(now time.Time) (Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	bestIdx := -1
	var bestPri uint8
	for i, item := range q.items {
		if now.Before(item.readyAt) {
			continue
		}
		if bestIdx == -1 || item.priority < bestPri {
			bestIdx = i
			bestPri = item.priority
		}
	}
	if bestIdx == -1 {
		return Outbound{}, false
	}

	out := q.items[bestIdx].out
	q.items = append(q.items[:bestIdx], q.items[bestIdx+1:]...)
	return out, true
}

// Len returns the total number of items in the queue (ready or not).
func (q *txQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
