// Package relay implements the per-node RSSI relay protocol.
//
// Every node keeps an outbound payload with a write cursor. Each beacon or
// relay frame it hears from another node appends one {source, rssi,
// packetId} entry at the cursor; the pending entries ride on the node's
// next outbound beacon (or POLL|ACK) and the cursor resets only after that
// transmission succeeds.
package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/core/rssi"
)

var ErrRelayFull = errors.New("relay payload full")

// StampPolicy selects the packet id written into recorded entries.
type StampPolicy int

const (
	// StampLocal tags entries with the id of this node's next beacon.
	StampLocal StampPolicy = iota
	// StampPeer copies the beacon id carried by the observed frame. Beacons
	// then lead with a self entry so that the beacon id stays this node's
	// own, which leaves room for one entry less.
	StampPeer
)

func (p StampPolicy) String() string {
	switch p {
	case StampLocal:
		return "local"
	case StampPeer:
		return "peer"
	default:
		return fmt.Sprintf("StampPolicy(%d)", int(p))
	}
}

// ParseStampPolicy parses "local" or "peer".
func ParseStampPolicy(s string) (StampPolicy, error) {
	switch s {
	case "local", "":
		return StampLocal, nil
	case "peer":
		return StampPeer, nil
	default:
		return StampLocal, fmt.Errorf("unknown stamp policy %q", s)
	}
}

// Relay is one node's outbound relay payload. The receive path (Record) and
// the transmit path (Beacon, Commit) both touch the write cursor, so every
// access goes through mu.
type Relay struct {
	self   uint8
	policy StampPolicy

	mu       sync.Mutex
	buf      [codec.MaxRelayEntries * codec.RelayEntrySize]byte
	cursor   int // bytes used in buf
	packetID uint8
}

// New creates an empty relay payload for the node at address self.
func New(self uint8, policy StampPolicy) *Relay {
	return &Relay{self: self, policy: policy}
}

// Self returns the node's address.
func (r *Relay) Self() uint8 {
	return r.self
}

// Record appends one observation. peerID is the beacon id carried by the
// observed frame and is only used by StampPeer. When the payload is full
// the observation is dropped and the pending entries are kept.
func (r *Relay) Record(source, rssiRaw, peerID uint8) (codec.RelayEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := codec.RelayEntry{Source: source, RSSI: rssiRaw, PacketID: r.packetID}
	if r.policy == StampPeer {
		e.PacketID = peerID
	}

	if r.cursor+codec.RelayEntrySize > r.capacity() {
		return e, fmt.Errorf("%w: %d entries pending", ErrRelayFull, r.cursor/codec.RelayEntrySize)
	}

	r.buf[r.cursor] = e.Source
	r.buf[r.cursor+1] = e.RSSI
	r.buf[r.cursor+2] = e.PacketID
	r.cursor += codec.RelayEntrySize
	return e, nil
}

// capacity returns the number of payload bytes available to recorded
// entries.
func (r *Relay) capacity() int {
	if r.policy == StampPeer {
		return len(r.buf) - codec.RelayEntrySize
	}
	return len(r.buf)
}

// Len returns the number of payload bytes used by pending entries.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// PacketID returns the id the next beacon will carry.
func (r *Relay) PacketID() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packetID
}

// Pending returns a copy of the entries waiting for transmission.
func (r *Relay) Pending() []codec.RelayEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

func (r *Relay) pendingLocked() []codec.RelayEntry {
	out := make([]codec.RelayEntry, 0, r.cursor/codec.RelayEntrySize)
	for i := 0; i < r.cursor; i += codec.RelayEntrySize {
		out = append(out, codec.RelayEntry{Source: r.buf[i], RSSI: r.buf[i+1], PacketID: r.buf[i+2]})
	}
	return out
}

// Beacon encodes the pending entries as a frame of type typ (TypeDataED,
// TypeDataAP or POLL|ACK). A beacon with nothing pending carries a single
// self entry {self, NoLink, packetID} so that receivers can read its id.
// Under StampPeer the self entry always comes first.
// The cursor is left untouched; call Commit once the frame is on air.
func (r *Relay) Beacon(typ uint8) ([]byte, error) {
	r.mu.Lock()
	entries := r.pendingLocked()
	if len(entries) == 0 || r.policy == StampPeer {
		self := codec.RelayEntry{Source: r.self, RSSI: rssi.NoLink, PacketID: r.packetID}
		entries = append([]codec.RelayEntry{self}, entries...)
	}
	r.mu.Unlock()

	return codec.EncodeFrom(r.self, typ, 0, entries)
}

// Commit marks the last Beacon as transmitted: the cursor returns to zero
// and the packet id advances, wrapping after 255.
func (r *Relay) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = 0
	r.packetID++
}
