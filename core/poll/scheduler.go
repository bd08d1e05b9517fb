// Package poll tracks which end devices answered the START beacon and the
// order in which the access point polls them for relay data.
//
// A device moves Inactive -> Active on its START|ACK, then cycles
// Active -> Active+PollScheduled -> Active once per discovery round. Only
// one POLL is outstanding at a time and there is no timeout: a lost POLL or
// POLL|ACK leaves the round parked at the current cursor.
package poll

import (
	"fmt"

	"github.com/kabili207/wbandisco/core/codec"
)

// Flag bits of the device table dump.
const (
	FlagActive        = 0x01
	FlagPollScheduled = 0x02
)

// Device is the per-address record.
type Device struct {
	Address       uint8
	Active        bool
	PollScheduled bool
}

// Flags returns the record as a device-table byte.
func (d Device) Flags() uint8 {
	var f uint8
	if d.Active {
		f |= FlagActive
	}
	if d.PollScheduled {
		f |= FlagPollScheduled
	}
	return f
}

// Scheduler owns the device records and the poll cursor. It is not safe for
// concurrent use; the discovery loop is its only caller.
type Scheduler struct {
	devices [codec.MaxDevices + 1]Device // index 0 unused (AP)
	cursor  uint8
	hasNext bool
}

// NewScheduler returns a scheduler with every device inactive.
func NewScheduler() *Scheduler {
	s := &Scheduler{}
	s.Reset()
	return s
}

// Reset marks every device inactive and clears the cursor.
func (s *Scheduler) Reset() {
	for i := range s.devices {
		s.devices[i] = Device{Address: uint8(i)}
	}
	s.cursor = 0
	s.hasNext = false
}

// MarkActive records a START acknowledgment from addr.
func (s *Scheduler) MarkActive(addr uint8) error {
	if !codec.ValidAddress(addr) {
		return fmt.Errorf("%w: %d", codec.ErrAddressOutOfRange, addr)
	}
	s.devices[addr].Active = true
	return nil
}

// ScheduleAllActive flags every active device for polling. Addresses are
// scanned from MaxDevices down to 1 and the cursor is left on the last
// device flagged, so the lowest active address is polled first. ok is false
// when no device is active.
func (s *Scheduler) ScheduleAllActive() (cursor uint8, ok bool) {
	s.hasNext = false
	for addr := codec.MaxDevices; addr > 0; addr-- {
		if !s.devices[addr].Active {
			continue
		}
		s.devices[addr].PollScheduled = true
		s.cursor = uint8(addr)
		s.hasNext = true
	}
	return s.cursor, s.hasNext
}

// NextToPoll scans upward from cursor (inclusive) for a device with a
// pending poll. ok is false when the round is finished.
func (s *Scheduler) NextToPoll(cursor uint8) (addr uint8, ok bool) {
	if cursor == 0 {
		cursor = 1
	}
	for a := int(cursor); a <= codec.MaxDevices; a++ {
		if s.devices[a].PollScheduled {
			return uint8(a), true
		}
	}
	return 0, false
}

// OnPollAck clears the pending poll of addr.
func (s *Scheduler) OnPollAck(addr uint8) error {
	if !codec.ValidAddress(addr) {
		return fmt.Errorf("%w: %d", codec.ErrAddressOutOfRange, addr)
	}
	s.devices[addr].PollScheduled = false
	return nil
}

// Cursor returns the device currently being polled. ok is false between
// rounds.
func (s *Scheduler) Cursor() (addr uint8, ok bool) {
	return s.cursor, s.hasNext
}

// SetCursor moves the cursor to addr, or ends the round when ok is false.
func (s *Scheduler) SetCursor(addr uint8, ok bool) {
	s.cursor = addr
	s.hasNext = ok
}

// Device returns the record for addr. Out-of-range addresses return a zero
// record carrying the address.
func (s *Scheduler) Device(addr uint8) Device {
	if !codec.ValidAddress(addr) {
		return Device{Address: addr}
	}
	return s.devices[addr]
}

// Devices returns the records for addresses 1..MaxDevices.
func (s *Scheduler) Devices() []Device {
	out := make([]Device, codec.MaxDevices)
	copy(out, s.devices[1:])
	return out
}

// Active returns the addresses of every active device in ascending order.
func (s *Scheduler) Active() []uint8 {
	var out []uint8
	for _, d := range s.devices[1:] {
		if d.Active {
			out = append(out, d.Address)
		}
	}
	return out
}

// Bytes returns one flag byte per address 0..MaxDevices, as printed by the
// device table dump.
func (s *Scheduler) Bytes() []byte {
	out := make([]byte, len(s.devices))
	for i, d := range s.devices {
		out[i] = d.Flags()
	}
	return out
}
