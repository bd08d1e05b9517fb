package relay

import (
	"fmt"
	"io"
	"sync"

	"github.com/kabili207/wbandisco/core/rssi"
)

// Mode selects the diagnostic line format.
type Mode int

const (
	// ModeCSV prints "<group><id>,<source>,<dBm>".
	ModeCSV Mode = iota
	// ModeHuman prints the bracketed debug form.
	ModeHuman
)

// ParseMode parses "csv" or "human".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "csv", "":
		return ModeCSV, nil
	case "human", "debug":
		return ModeHuman, nil
	default:
		return ModeCSV, fmt.Errorf("unknown diagnostic mode %q", s)
	}
}

// Observation is one processed relay entry as seen by receiver.
type Observation struct {
	Receiver uint8
	Source   uint8
	RSSI     uint8
	PacketID uint8
	Group    uint32
}

// Printer writes one line per processed relay entry. The output is what an
// operator (or an end-to-end test) reads off the console.
type Printer struct {
	mu   sync.Mutex
	w    io.Writer
	mode Mode
	band rssi.Band
}

// NewPrinter returns a printer writing to w. A nil w discards output.
func NewPrinter(w io.Writer, mode Mode, band rssi.Band) *Printer {
	if w == nil {
		w = io.Discard
	}
	return &Printer{w: w, mode: mode, band: band}
}

// Print emits o in the configured mode.
func (p *Printer) Print(o Observation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := io.WriteString(p.w, p.Format(o))
	return err
}

// Format renders o without writing it.
func (p *Printer) Format(o Observation) string {
	dbm := rssi.ToDBm(o.RSSI, p.band)
	switch p.mode {
	case ModeHuman:
		return fmt.Sprintf("[%02x] Pkt From: %02x PID: %02x RSSI: 0x%02x RSSI: %d dBm\n",
			o.Receiver, o.Source, o.PacketID, o.RSSI, dbm)
	default:
		return fmt.Sprintf("%02x%02x,%02x,%d\n", uint8(o.Group), o.PacketID, o.Source, dbm)
	}
}
