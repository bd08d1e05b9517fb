package irq

import "sync/atomic"

// Flag is a trigger set by a producer and consumed once by the foreground
// loop.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Set() {
	f.v.Store(true)
}

// Take clears the flag and reports whether it was set.
func (f *Flag) Take() bool {
	return f.v.Swap(false)
}

// Peek reports the flag without clearing it.
func (f *Flag) Peek() bool {
	return f.v.Load()
}
