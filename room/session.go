package room

import "collabnb/syncd/crdt"

// Event is one canonical delta in room order. Seq is the room's sequence
// number for it; every attached session observes events in ascending Seq.
type Event struct {
	Seq   uint64
	Delta crdt.Delta
}

// Session is one connected front-end's cursor into a room. It exists only
// between Attach and Detach and owns no document state.
type Session struct {
	id     string
	room   *Room
	events chan Event
	acked  uint64 // room-worker owned
}

// ID returns the opaque session identifier supplied by the transport.
func (s *Session) ID() string { return s.id }

// Events is the session's broadcast feed. The channel is closed when the
// session detaches or is dropped for falling behind.
func (s *Session) Events() <-chan Event { return s.events }

// RecordAck tells the room how far this front-end has caught up. The cursor
// decides between a delta-history resume and a full state transfer on the
// next reconnect.
func (s *Session) RecordAck(seq uint64) {
	s.room.Ack(s.id, seq)
}

// Attach is what a session receives on joining a room. Exactly one of
// Snapshot and Resume is meaningful: a session whose cursor is within the
// room's retained history resumes from deltas, anyone else gets full state.
type Attach struct {
	Session  *Session
	Seq      uint64
	Snapshot *crdt.Snapshot
	Resume   []Event
}
