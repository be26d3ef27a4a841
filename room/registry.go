package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"collabnb/syncd/crdt"
	"collabnb/syncd/relay"
	"collabnb/syncd/store"
)

// Registry is the process-wide table of live rooms, one per notebook
// identity. It is the single entry point for the transport: open a notebook,
// submit edits, close a session.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	bySession map[string]*Room
	store     store.Store
	rel       relay.Relay
	cfg       Config
	closed    bool
}

// NewRegistry builds a registry over the given store. rel may be nil to run
// without cross-process relaying.
func NewRegistry(st store.Store, rel relay.Relay, cfg Config) *Registry {
	return &Registry{
		rooms:     make(map[string]*Room),
		bySession: make(map[string]*Room),
		store:     st,
		rel:       rel,
		cfg:       cfg.withDefaults(),
	}
}

// Open attaches a session to the room for a notebook, creating the room on
// first use. Concurrent opens for the same identity get the same room: the
// map insert under the mutex picks a single winner. A room that tears down
// mid-attach is transparently replaced.
func (g *Registry) Open(notebook, sessionID string, lastSeq uint64) (*Attach, error) {
	for {
		r, err := g.resolve(notebook)
		if err != nil {
			return nil, err
		}
		at, err := r.Attach(sessionID, lastSeq)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.bySession[sessionID] = r
		g.mu.Unlock()
		return at, nil
	}
}

func (g *Registry) resolve(notebook string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrRoomClosed
	}
	if r, ok := g.rooms[notebook]; ok {
		return r, nil
	}
	r := newRoom(notebook, g, g.store, g.rel, g.cfg)
	g.rooms[notebook] = r
	return r, nil
}

// Edit submits a delta on behalf of a session and returns the canonical
// sequence number acknowledging it.
func (g *Registry) Edit(sessionID string, d crdt.Delta) (uint64, error) {
	r, ok := g.roomFor(sessionID)
	if !ok {
		return 0, ErrSessionNotAttached
	}
	return r.Submit(sessionID, d)
}

// EditOps is Edit for raw ops the room stamps on the session's behalf.
func (g *Registry) EditOps(sessionID string, ops []crdt.Op) (crdt.Delta, uint64, error) {
	r, ok := g.roomFor(sessionID)
	if !ok {
		return crdt.Delta{}, 0, ErrSessionNotAttached
	}
	return r.SubmitOps(sessionID, ops)
}

// Ack records how far a session's front-end has caught up.
func (g *Registry) Ack(sessionID string, seq uint64) {
	if r, ok := g.roomFor(sessionID); ok {
		r.Ack(sessionID, seq)
	}
}

// Close detaches a session. The room lingers for the grace period in case
// the front-end reconnects. The session→room route stays in place until the
// room itself goes away, so a reconnect under the same ID keeps working even
// while the old connection is still shutting down.
func (g *Registry) Close(sess *Session) {
	if sess == nil {
		return
	}
	g.mu.Lock()
	r, ok := g.bySession[sess.ID()]
	g.mu.Unlock()
	if ok {
		r.Detach(sess)
	}
}

func (g *Registry) roomFor(sessionID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.bySession[sessionID]
	return r, ok
}

// remove deletes the room's entry, called by the room after its grace period
// expired. It refuses when someone re-attached in the race or the entry was
// already replaced.
func (g *Registry) remove(identity string, r *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[identity] != r {
		return false
	}
	if r.SessionCount() != 0 && !g.closed {
		return false
	}
	delete(g.rooms, identity)
	for id, rr := range g.bySession {
		if rr == r {
			delete(g.bySession, id)
		}
	}
	return true
}

// forgetSession drops a session→room route after the room force-detached the
// session (e.g. for falling behind).
func (g *Registry) forgetSession(sessionID string, r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bySession[sessionID] == r {
		delete(g.bySession, sessionID)
	}
}

// Metadata returns a notebook's document metadata without attaching a
// session: from the live room when one exists, otherwise from the last
// persisted snapshot.
func (g *Registry) Metadata(notebook string) (map[string]string, error) {
	g.mu.Lock()
	r, live := g.rooms[notebook]
	g.mu.Unlock()
	if live {
		if m, err := r.Metadata(); err == nil {
			return m, nil
		}
		// Room tore down underneath us; fall through to the store.
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := g.store.Load(ctx, notebook)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(snap.Metadata))
	for k, v := range snap.Metadata {
		out[k] = v.Value
	}
	return out, nil
}

// RoomStats is a point-in-time view of one live room.
type RoomStats struct {
	Identity string
	Sessions int
	Seq      uint64
}

// Stats lists the live rooms, for the debug endpoint.
func (g *Registry) Stats() []RoomStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RoomStats, 0, len(g.rooms))
	for id, r := range g.rooms {
		out = append(out, RoomStats{Identity: id, Sessions: r.SessionCount(), Seq: r.Seq()})
	}
	return out
}

// Shutdown tears down every room, persisting final snapshots. New opens fail
// afterwards.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
}
