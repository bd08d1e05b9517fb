package ed

import "sync/atomic"

// Counters tracks end-device statistics. All fields are safe for
// concurrent access.
type Counters struct {
	FramesRecv    atomic.Uint32
	Malformed     atomic.Uint32
	Reentrant     atomic.Uint32
	Recorded      atomic.Uint32 // Observations appended to the relay payload
	RelayFull     atomic.Uint32 // Observations dropped on a full payload
	StartAcksSent atomic.Uint32
	PollAcksSent  atomic.Uint32
	BeaconsSent   atomic.Uint32
	SendErrors    atomic.Uint32
	Epochs        atomic.Uint32 // Local table resets on peer rollover
}
