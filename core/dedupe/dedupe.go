// Package dedupe remembers recently seen radio frames.
//
// Frames are identified by an 8-byte truncated SHA-256 of their bytes and
// kept in a fixed-size circular buffer, so the oldest hash is forgotten
// first. Transports that can deliver a frame twice (an MQTT broker
// redelivering after a reconnect) use it to suppress the copy.
package dedupe

import (
	"bytes"
	"crypto/sha256"
	"sync"
)

const (
	// DefaultCapacity is the default number of remembered frames.
	DefaultCapacity = 64
	// HashSize is the truncated SHA-256 size.
	HashSize = 8
)

// Ring tracks recently seen frames. It is safe for concurrent use.
type Ring struct {
	mu     sync.Mutex
	hashes []byte // circular buffer of HashSize-byte hashes
	used   int
	max    int
	next   int
}

// New creates a Ring with the default capacity.
func New() *Ring {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Ring remembering up to n frames.
func NewWithCapacity(n int) *Ring {
	if n < 1 {
		n = 1
	}
	return &Ring{
		hashes: make([]byte, n*HashSize),
		max:    n,
	}
}

// HasSeen reports whether frame is among the remembered frames. A frame
// that has not been seen is recorded.
func (r *Ring) HasSeen(frame []byte) bool {
	hash := Hash(frame)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.used {
		offset := i * HashSize
		if bytes.Equal(hash[:], r.hashes[offset:offset+HashSize]) {
			return true
		}
	}

	offset := r.next * HashSize
	copy(r.hashes[offset:offset+HashSize], hash[:])
	r.next = (r.next + 1) % r.max
	r.used = min(r.used+1, r.max)
	return false
}

// Clear forgets every frame.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.hashes)
	r.used = 0
	r.next = 0
}

// Hash computes the truncated SHA-256 of a frame.
func Hash(frame []byte) [HashSize]byte {
	sum := sha256.Sum256(frame)
	var out [HashSize]byte
	copy(out[:], sum[:HashSize])
	return out
}
