package crdt

// Clock is a Lamport timestamp paired with the ID of the actor that produced
// it. Two clocks never compare equal unless they are the same write: an actor
// never reuses a Lamport value, and ties between actors break on the actor ID.
type Clock struct {
	Lamport uint64 `json:"lamport"`
	Actor   string `json:"actor"`
}

// After reports whether c is ordered strictly after other. This is the
// deterministic tiebreak every replica agrees on: higher Lamport wins, and
// equal Lamports order by actor ID.
func (c Clock) After(other Clock) bool {
	if c.Lamport != other.Lamport {
		return c.Lamport > other.Lamport
	}
	return c.Actor > other.Actor
}

// IsZero reports whether the clock is unset.
func (c Clock) IsZero() bool {
	return c.Lamport == 0 && c.Actor == ""
}

// VersionVector maps actor ID to the highest Lamport value observed from that
// actor. It is the causality marker carried on every Delta and Snapshot.
type VersionVector map[string]uint64

// Observe records a clock as seen.
func (v VersionVector) Observe(c Clock) {
	if c.Lamport > v[c.Actor] {
		v[c.Actor] = c.Lamport
	}
}

// Covers reports whether the write tagged by c has already been observed.
func (v VersionVector) Covers(c Clock) bool {
	return v[c.Actor] >= c.Lamport
}

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for actor, seq := range v {
		out[actor] = seq
	}
	return out
}
