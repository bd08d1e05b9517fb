// Package rssi holds the link-quality matrix assembled during discovery.
//
// Entries are raw RSSI bytes as reported by the radio, indexed
// [receiver][sender]. Row 0 belongs to the access point. Cells that have
// never been written hold NoLink, which decodes to the radio's noise floor.
package rssi

import (
	"fmt"
	"sync"

	"github.com/kabili207/wbandisco/core/codec"
)

const (
	// Size is the matrix dimension: the AP plus every end-device address.
	Size = codec.MaxDevices + 1

	// NoLink is the raw value of a cell with no observed link (-138 dBm).
	NoLink uint8 = 0x80
)

// Band selects the per-frequency RSSI offset.
type Band int

const (
	Band868 Band = iota
	Band433
)

// Offsets at Ta = 25 C, Vcc = 3 V for the CC430 RF core.
const (
	offset868MHz = 74
	offset433MHz = 74
)

// Offset returns the dBm offset subtracted after halving the raw value.
func (b Band) Offset() int {
	switch b {
	case Band433:
		return offset433MHz
	default:
		return offset868MHz
	}
}

func (b Band) String() string {
	switch b {
	case Band868:
		return "868MHz"
	case Band433:
		return "433MHz"
	default:
		return fmt.Sprintf("Band(%d)", int(b))
	}
}

// ParseBand parses "868" or "433" (an optional "MHz" suffix is accepted).
func ParseBand(s string) (Band, error) {
	switch s {
	case "868", "868MHz", "":
		return Band868, nil
	case "433", "433MHz":
		return Band433, nil
	default:
		return Band868, fmt.Errorf("unknown band %q", s)
	}
}

// ToDBm converts a raw RSSI byte to dBm. The byte is a two's-complement
// value in half-dB steps.
func ToDBm(raw uint8, band Band) int {
	return int(int8(raw))/2 - band.Offset()
}

// Link is one observed cell of the matrix.
type Link struct {
	Receiver uint8
	Sender   uint8
	Raw      uint8
}

// Table is the [receiver][sender] matrix of raw RSSI values.
// The discovery loop is the only writer; readers such as the metrics
// collector may run concurrently.
type Table struct {
	mu    sync.RWMutex
	band  Band
	cells [Size][Size]uint8
}

// NewTable returns a table with every cell set to NoLink.
func NewTable(band Band) *Table {
	t := &Table{band: band}
	t.ResetAll()
	return t
}

// Band returns the band used for dBm conversion.
func (t *Table) Band() Band {
	return t.band
}

// Set stores one raw reading, overwriting any previous value. The receiver
// may be the AP; the sender must be an end device.
func (t *Table) Set(receiver, sender, raw uint8) error {
	if receiver > codec.MaxDevices {
		return fmt.Errorf("%w: receiver %d", codec.ErrAddressOutOfRange, receiver)
	}
	if !codec.ValidAddress(sender) {
		return fmt.Errorf("%w: sender %d", codec.ErrAddressOutOfRange, sender)
	}

	t.mu.Lock()
	t.cells[receiver][sender] = raw
	t.mu.Unlock()
	return nil
}

// Raw returns the stored byte, or NoLink for addresses outside the matrix.
func (t *Table) Raw(receiver, sender uint8) uint8 {
	if receiver >= Size || sender >= Size {
		return NoLink
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cells[receiver][sender]
}

// Get returns the reading in dBm. ok is false when no link has been
// observed or the addresses are outside the matrix.
func (t *Table) Get(receiver, sender uint8) (dbm int, ok bool) {
	raw := t.Raw(receiver, sender)
	if raw == NoLink {
		return 0, false
	}
	return ToDBm(raw, t.band), true
}

// ResetAll writes NoLink to every cell.
func (t *Table) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for r := range t.cells {
		for s := range t.cells[r] {
			t.cells[r][s] = NoLink
		}
	}
}

// Snapshot returns a copy of the raw matrix.
func (t *Table) Snapshot() [Size][Size]uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cells
}

// Links returns every observed cell in receiver, then sender order.
func (t *Table) Links() []Link {
	snap := t.Snapshot()
	var out []Link
	for r := range snap {
		for s := range snap[r] {
			if snap[r][s] != NoLink {
				out = append(out, Link{Receiver: uint8(r), Sender: uint8(s), Raw: snap[r][s]})
			}
		}
	}
	return out
}
