package ap

import "sync/atomic"

// Counters tracks discovery statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	FramesRecv      atomic.Uint32 // Frames handed over by the transport
	Malformed       atomic.Uint32 // Frames that failed to decode
	Reentrant       atomic.Uint32 // Frames dropped while another was in progress
	OutOfRange      atomic.Uint32 // Frames or entries with an invalid source
	StartAcks       atomic.Uint32 // START|ACK frames accepted
	PollAcks        atomic.Uint32 // POLL|ACK frames accepted
	EntriesMerged   atomic.Uint32 // Relay entries written to the matrix
	PollsSent       atomic.Uint32 // POLL frames transmitted
	SyncsSent       atomic.Uint32 // SYNC frames transmitted
	SendErrors      atomic.Uint32 // Transmissions the transport rejected
	RoundsCompleted atomic.Uint32 // Poll rounds that reached the last device
	Epochs          atomic.Uint32 // Matrix resets on packet group rollover
	Stalls          atomic.Uint32 // Polls that outlived the stall warning
	UnknownCommands atomic.Uint32 // Operator codes outside the table
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	FramesRecv      uint32
	Malformed       uint32
	Reentrant       uint32
	OutOfRange      uint32
	StartAcks       uint32
	PollAcks        uint32
	EntriesMerged   uint32
	PollsSent       uint32
	SyncsSent       uint32
	SendErrors      uint32
	RoundsCompleted uint32
	Epochs          uint32
	Stalls          uint32
	UnknownCommands uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		FramesRecv:      c.FramesRecv.Load(),
		Malformed:       c.Malformed.Load(),
		Reentrant:       c.Reentrant.Load(),
		OutOfRange:      c.OutOfRange.Load(),
		StartAcks:       c.StartAcks.Load(),
		PollAcks:        c.PollAcks.Load(),
		EntriesMerged:   c.EntriesMerged.Load(),
		PollsSent:       c.PollsSent.Load(),
		SyncsSent:       c.SyncsSent.Load(),
		SendErrors:      c.SendErrors.Load(),
		RoundsCompleted: c.RoundsCompleted.Load(),
		Epochs:          c.Epochs.Load(),
		Stalls:          c.Stalls.Load(),
		UnknownCommands: c.UnknownCommands.Load(),
	}
}
