package relay

import "sync"

// Sequence tracks the packet ids seen from one source and counts restarts.
//
// The group (measurement epoch) increments when a newly observed id is
// strictly lower than the previous one. This covers the 255 -> 0 wrap as
// well as a node restarting its counter. The first observation and repeated
// ids leave the group unchanged.
type Sequence struct {
	PacketID uint8
	Group    uint32
	seen     bool
}

// Observe records id and reports whether it started a new group.
func (s *Sequence) Observe(id uint8) (rolled bool) {
	if s.seen && id < s.PacketID {
		s.Group++
		rolled = true
	}
	s.PacketID = id
	s.seen = true
	return rolled
}

// Seen reports whether any id has been observed.
func (s *Sequence) Seen() bool {
	return s.seen
}

// Sequences keeps one Sequence per source address.
type Sequences struct {
	mu   sync.Mutex
	seqs map[uint8]*Sequence
}

// NewSequences returns an empty tracker.
func NewSequences() *Sequences {
	return &Sequences{seqs: make(map[uint8]*Sequence)}
}

// Observe records id for source. It returns the source's group after the
// observation and whether the observation rolled it over.
func (s *Sequences) Observe(source, id uint8) (group uint32, rolled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[source]
	if !ok {
		seq = &Sequence{}
		s.seqs[source] = seq
	}
	rolled = seq.Observe(id)
	return seq.Group, rolled
}

// Get returns a copy of the sequence for source.
func (s *Sequences) Get(source uint8) (Sequence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[source]
	if !ok {
		return Sequence{}, false
	}
	return *seq, true
}

// Reset forgets every source.
func (s *Sequences) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.seqs)
}
