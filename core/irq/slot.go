// Package irq hands work from interrupt-like producers (radio receive,
// timers, operator input) to a single foreground loop.
//
// Producers never process anything themselves. They copy their input into a
// Slot or set a Flag and poke the wake channel; the foreground loop drains
// them one at a time.
package irq

import (
	"errors"
	"sync"
)

// ErrReentrantPacket is returned by Offer while an earlier frame is still
// pending or being processed. The newer frame is discarded.
var ErrReentrantPacket = errors.New("reentrant packet")

// Slot is the single shared receive buffer.
type Slot struct {
	mu         sync.Mutex
	buf        []byte
	pending    bool
	processing bool
	wake       chan struct{}
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{wake: make(chan struct{}, 1)}
}

// Offer copies raw into the slot and wakes the foreground loop.
func (s *Slot) Offer(raw []byte) error {
	s.mu.Lock()
	if s.pending || s.processing {
		s.mu.Unlock()
		return ErrReentrantPacket
	}
	s.buf = append(s.buf[:0], raw...)
	s.pending = true
	s.mu.Unlock()

	Notify(s.wake)
	return nil
}

// Take hands the pending frame to the caller and marks it in progress. The
// returned slice stays valid until Release.
func (s *Slot) Take() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return nil, false
	}
	s.pending = false
	s.processing = true
	return s.buf, true
}

// Release clears the buffer once the foreground loop is done with it.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buf)
	s.buf = s.buf[:0]
	s.processing = false
}

// Busy reports whether a frame is pending or in progress.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending || s.processing
}

// Wake returns the channel signalled on every accepted frame. Other
// producers may share it through Notify.
func (s *Slot) Wake() chan struct{} {
	return s.wake
}

// Notify performs a non-blocking send on a wake channel.
func Notify(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
