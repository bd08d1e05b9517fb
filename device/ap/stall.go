package ap

import "time"

// stallWatch remembers the outstanding POLL. It only reports; nothing is
// ever re-sent.
type stallWatch struct {
	after  time.Duration
	addr   uint8
	sentAt time.Time
	armed  bool
	warned bool
}

func (w *stallWatch) arm(addr uint8, now time.Time) {
	w.addr = addr
	w.sentAt = now
	w.armed = true
	w.warned = false
}

func (w *stallWatch) disarm() {
	w.armed = false
	w.warned = false
}

// check reports the stalled address the first time the outstanding POLL
// passes the threshold.
func (w *stallWatch) check(now time.Time) (addr uint8, waited time.Duration, stalled bool) {
	if !w.armed || w.warned || w.after <= 0 {
		return 0, 0, false
	}
	waited = now.Sub(w.sentAt)
	if waited < w.after {
		return 0, 0, false
	}
	w.warned = true
	return w.addr, waited, true
}
