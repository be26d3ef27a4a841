// Package room holds the server-side authority for open notebooks: one Room
// per notebook identity, each owning the canonical document and the set of
// attached sessions, and a Registry mapping identities to live rooms.
package room

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"collabnb/syncd/crdt"
	"collabnb/syncd/relay"
	"collabnb/syncd/store"
)

var (
	// ErrSessionNotAttached means a submission came from a session the room
	// does not know. The caller must re-attach.
	ErrSessionNotAttached = errors.New("session not attached")

	// ErrRoomClosed means the room tore down while the call was in flight.
	// The registry retries against a fresh room; callers outside the
	// registry should re-open.
	ErrRoomClosed = errors.New("room closed")
)

// Config tunes room behavior. Zero values fall back to defaults.
type Config struct {
	// GracePeriod is how long an empty room stays warm to absorb quick
	// reconnects before persisting and tearing down.
	GracePeriod time.Duration
	// SaveInterval is the periodic snapshot cadence while the room is live.
	SaveInterval time.Duration
	// HistoryLimit bounds the retained delta history used for
	// resume-after-reconnect; a session further behind gets full state.
	HistoryLimit int
	// SessionBuffer is the per-session broadcast buffer. A session that
	// falls this far behind is dropped and must reconnect.
	SessionBuffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:   30 * time.Second,
		SaveInterval:  15 * time.Second,
		HistoryLimit:  512,
		SessionBuffer: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = d.SaveInterval
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.SessionBuffer <= 0 {
		c.SessionBuffer = d.SessionBuffer
	}
	return c
}

// Room owns one notebook's canonical document. Every mutating operation —
// attach, detach, submit, ack — funnels through a single worker goroutine,
// so merges are strictly serialized in arrival order and broadcast order is
// identical for every session. Nothing in the worker loop does network I/O;
// persistence and relay publishing run off the serialization path.
type Room struct {
	identity string
	engine   *crdt.Engine
	cfg      Config
	reg      *Registry
	store    store.Store
	rel      relay.Relay

	cmds chan any
	done chan struct{}

	// worker-owned state
	sessions map[string]*Session
	history  []Event
	seq      uint64
	dirty    bool
	saving   bool
	grace    *time.Timer
	unsub    func()
	pubCh    chan relay.Envelope

	// mirrors for the registry and the stats endpoint
	liveSessions atomic.Int64
	liveSeq      atomic.Uint64
}

type attachCmd struct {
	sessionID string
	lastSeq   uint64
	reply     chan attachReply
}

type attachReply struct {
	at  *Attach
	err error
}

type detachCmd struct {
	sess *Session
}

type submitCmd struct {
	sessionID string
	delta     *crdt.Delta
	ops       []crdt.Op
	reply     chan submitReply
}

type submitReply struct {
	seq   uint64
	delta crdt.Delta
	out   crdt.MergeOutcome
	err   error
}

type ackCmd struct {
	sessionID string
	seq       uint64
}

type relayCmd struct {
	env relay.Envelope
}

type saveDoneCmd struct {
	err error
}

type closeCmd struct {
	reply chan struct{}
}

type metaCmd struct {
	reply chan map[string]string
}

func newRoom(identity string, reg *Registry, st store.Store, rel relay.Relay, cfg Config) *Room {
	r := &Room{
		identity: identity,
		engine:   crdt.NewEngine("room:" + identity),
		cfg:      cfg,
		reg:      reg,
		store:    st,
		rel:      rel,
		cmds:     make(chan any, 64),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
	}
	go r.run()
	return r
}

// Identity returns the notebook identity this room serves.
func (r *Room) Identity() string { return r.identity }

// SessionCount returns the number of currently attached sessions.
func (r *Room) SessionCount() int { return int(r.liveSessions.Load()) }

// Seq returns the latest canonical sequence number.
func (r *Room) Seq() uint64 { return r.liveSeq.Load() }

// Attach registers a session, replacing any previous session with the same
// ID. lastSeq is the session's cursor from a previous connection, zero for a
// fresh session.
func (r *Room) Attach(sessionID string, lastSeq uint64) (*Attach, error) {
	reply := make(chan attachReply, 1)
	if err := r.send(attachCmd{sessionID: sessionID, lastSeq: lastSeq, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case rep := <-reply:
		return rep.at, rep.err
	case <-r.done:
		return nil, ErrRoomClosed
	}
}

// Detach removes a session. The pointer identifies the exact attachment: a
// detach from a dead connection cannot tear down the session a reconnect
// just replaced it with. Submissions already queued are still applied.
func (r *Room) Detach(sess *Session) {
	_ = r.send(detachCmd{sess: sess})
}

// Submit merges a session's delta into the canonical document and, when it
// changed state, broadcasts it to every other session. Returns the canonical
// sequence number to ack.
func (r *Room) Submit(sessionID string, d crdt.Delta) (uint64, error) {
	rep, err := r.submit(submitCmd{sessionID: sessionID, delta: &d})
	return rep.seq, err
}

// SubmitOps stamps raw ops on behalf of a session and merges them, for
// front-ends that do not run a replica of their own. Returns the canonical
// delta so the transport can echo it back.
func (r *Room) SubmitOps(sessionID string, ops []crdt.Op) (crdt.Delta, uint64, error) {
	rep, err := r.submit(submitCmd{sessionID: sessionID, ops: ops})
	return rep.delta, rep.seq, err
}

func (r *Room) submit(cmd submitCmd) (submitReply, error) {
	cmd.reply = make(chan submitReply, 1)
	if err := r.send(cmd); err != nil {
		return submitReply{}, err
	}
	select {
	case rep := <-cmd.reply:
		return rep, rep.err
	case <-r.done:
		return submitReply{}, ErrRoomClosed
	}
}

// Ack advances a session's cursor.
func (r *Room) Ack(sessionID string, seq uint64) {
	_ = r.send(ackCmd{sessionID: sessionID, seq: seq})
}

// Metadata returns the canonical document's metadata values, for the trust
// boundary.
func (r *Room) Metadata() (map[string]string, error) {
	reply := make(chan map[string]string, 1)
	if err := r.send(metaCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case m := <-reply:
		return m, nil
	case <-r.done:
		return nil, ErrRoomClosed
	}
}

func (r *Room) send(cmd any) error {
	select {
	case r.cmds <- cmd:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

// run is the room's single serialization point. It first restores persisted
// state, then processes commands one at a time until teardown.
func (r *Room) run() {
	r.restore()

	if r.rel != nil {
		r.pubCh = make(chan relay.Envelope, 256)
		go r.publishLoop()
		r.unsub = r.rel.Subscribe(context.Background(), r.identity, func(env relay.Envelope) {
			_ = r.send(relayCmd{env: env})
		})
	}

	saveTicker := time.NewTicker(r.cfg.SaveInterval)
	defer saveTicker.Stop()

	for {
		var graceC <-chan time.Time
		if r.grace != nil {
			graceC = r.grace.C
		}
		select {
		case cmd := <-r.cmds:
			if c, ok := cmd.(closeCmd); ok {
				r.shutdown()
				close(c.reply)
				return
			}
			r.handle(cmd)
		case <-saveTicker.C:
			r.saveAsync()
		case <-graceC:
			r.grace = nil
			if r.teardown() {
				return
			}
		}
	}
}

func (r *Room) handle(cmd any) {
	switch c := cmd.(type) {
	case attachCmd:
		c.reply <- r.handleAttach(c)
	case detachCmd:
		r.handleDetach(c.sess)
	case submitCmd:
		c.reply <- r.handleSubmit(c)
	case ackCmd:
		if s, ok := r.sessions[c.sessionID]; ok && c.seq > s.acked {
			s.acked = c.seq
		}
	case relayCmd:
		r.handleRelay(c.env)
	case metaCmd:
		c.reply <- r.engine.MetadataAll()
	case saveDoneCmd:
		r.saving = false
		if c.err != nil {
			// Best-effort durability: log, mark dirty, retry next interval.
			log.Printf("[room %s] snapshot save failed: %v", r.identity, c.err)
			r.dirty = true
		}
	}
}

func (r *Room) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := r.store.Load(ctx, r.identity)
	switch {
	case err == nil:
		if err := r.engine.Restore(snap); err != nil {
			log.Printf("[room %s] restore failed: %v", r.identity, err)
		} else {
			log.Printf("[room %s] restored snapshot (%d cells)", r.identity, len(snap.Cells))
		}
	case errors.Is(err, store.ErrNotFound):
		log.Printf("[room %s] no snapshot, starting empty", r.identity)
	default:
		// Persistence is not a correctness dependency; serve from empty.
		log.Printf("[room %s] snapshot load failed, starting empty: %v", r.identity, err)
	}
}

func (r *Room) handleAttach(c attachCmd) attachReply {
	if old, ok := r.sessions[c.sessionID]; ok {
		// A reconnect superseded the previous connection.
		close(old.events)
		delete(r.sessions, c.sessionID)
		r.liveSessions.Add(-1)
	}

	s := &Session{
		id:     c.sessionID,
		room:   r,
		events: make(chan Event, r.cfg.SessionBuffer),
		acked:  c.lastSeq,
	}
	r.sessions[c.sessionID] = s
	r.liveSessions.Add(1)
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}

	at := &Attach{Session: s, Seq: r.seq}
	if resume, ok := r.resumable(c.lastSeq); ok {
		at.Resume = resume
	} else {
		snap := r.engine.Snapshot()
		at.Snapshot = &snap
		s.acked = r.seq
	}
	log.Printf("[room %s] session %s attached (%d total)", r.identity, c.sessionID, len(r.sessions))
	return attachReply{at: at}
}

// resumable returns the retained history slice after lastSeq, or false when
// the gap exceeds what the room kept and a full transfer is needed.
func (r *Room) resumable(lastSeq uint64) ([]Event, bool) {
	if lastSeq == 0 || lastSeq > r.seq {
		return nil, false
	}
	oldest := r.seq - uint64(len(r.history)) // seq of the event before history[0]
	if lastSeq < oldest {
		return nil, false
	}
	out := make([]Event, 0, r.seq-lastSeq)
	for _, ev := range r.history {
		if ev.Seq > lastSeq {
			out = append(out, ev)
		}
	}
	return out, true
}

func (r *Room) handleDetach(sess *Session) {
	cur, ok := r.sessions[sess.id]
	if !ok || cur != sess {
		// Already gone, or a reconnect replaced it under the same ID.
		return
	}
	close(sess.events)
	delete(r.sessions, sess.id)
	r.liveSessions.Add(-1)
	log.Printf("[room %s] session %s detached (%d left)", r.identity, sess.id, len(r.sessions))
	if len(r.sessions) == 0 {
		r.grace = time.NewTimer(r.cfg.GracePeriod)
	}
}

func (r *Room) handleSubmit(c submitCmd) submitReply {
	if _, ok := r.sessions[c.sessionID]; !ok {
		return submitReply{err: ErrSessionNotAttached}
	}

	var (
		d   crdt.Delta
		out crdt.MergeOutcome
		err error
	)
	if c.delta != nil {
		d = *c.delta
		out, err = r.engine.MergeRemote(d)
	} else {
		d, err = r.engine.ApplyLocalAs(c.sessionID, c.ops)
		out.Changed = err == nil
	}
	if err != nil {
		return submitReply{err: err}
	}
	if !out.Changed {
		// Idempotent re-submission: nothing to broadcast.
		return submitReply{seq: r.seq, delta: d, out: out}
	}

	ev := r.accept(d)
	r.broadcast(ev, c.sessionID)
	if s, ok := r.sessions[c.sessionID]; ok && ev.Seq > s.acked {
		s.acked = ev.Seq
	}
	if r.rel != nil {
		r.publish(ev)
	}
	return submitReply{seq: ev.Seq, delta: d, out: out}
}

func (r *Room) handleRelay(env relay.Envelope) {
	if r.rel == nil || env.Node == r.rel.Node() {
		return
	}
	out, err := r.engine.MergeRemote(env.Delta)
	if err != nil {
		log.Printf("[room %s] relay delta rejected: %v", r.identity, err)
		return
	}
	if !out.Changed {
		return
	}
	ev := r.accept(env.Delta)
	r.broadcast(ev, "")
}

// accept stamps a merged delta with the next canonical sequence number and
// retains it in the resume history.
func (r *Room) accept(d crdt.Delta) Event {
	r.seq++
	r.liveSeq.Store(r.seq)
	r.dirty = true
	ev := Event{Seq: r.seq, Delta: d}
	r.history = append(r.history, ev)
	if len(r.history) > r.cfg.HistoryLimit {
		r.history = r.history[len(r.history)-r.cfg.HistoryLimit:]
	}
	return ev
}

// broadcast fans an event out to every attached session except the
// originator. A session whose buffer is full has fallen too far behind to
// resume reliably; it is dropped and must reconnect.
func (r *Room) broadcast(ev Event, except string) {
	var dropped []string
	for id, s := range r.sessions {
		if id == except {
			continue
		}
		select {
		case s.events <- ev:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		log.Printf("[room %s] session %s too slow, dropping", r.identity, id)
		r.handleDetach(r.sessions[id])
		r.reg.forgetSession(id, r)
	}
}

func (r *Room) publish(ev Event) {
	env := relay.Envelope{Node: r.rel.Node(), Seq: ev.Seq, Delta: ev.Delta}
	select {
	case r.pubCh <- env:
	default:
		// Relay is best-effort; never stall the serialization queue for it.
		log.Printf("[room %s] relay publish buffer full, dropping seq %d", r.identity, ev.Seq)
	}
}

// publishLoop pushes accepted deltas to the relay in order, off the
// serialization path.
func (r *Room) publishLoop() {
	for {
		select {
		case env := <-r.pubCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.rel.Publish(ctx, r.identity, env); err != nil {
				log.Printf("[room %s] relay publish failed: %v", r.identity, err)
			}
			cancel()
		case <-r.done:
			return
		}
	}
}

// saveAsync captures a consistent snapshot copy and persists it without
// blocking subsequent submissions. Only one save runs at a time.
func (r *Room) saveAsync() {
	if !r.dirty || r.saving {
		return
	}
	r.dirty = false
	r.saving = true
	snap := r.engine.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := r.store.Save(ctx, r.identity, snap)
		_ = r.send(saveDoneCmd{err: err})
	}()
}

// teardown runs after the grace period expires with no sessions. It persists
// a final snapshot, removes the room from the registry (unless a session
// re-attached during the race), rejects anything still queued, and stops the
// worker. Returns true when the room is gone.
func (r *Room) teardown() bool {
	if len(r.sessions) > 0 {
		return false
	}
	if r.dirty || r.saving {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.store.Save(ctx, r.identity, r.engine.Snapshot()); err != nil {
			log.Printf("[room %s] final snapshot save failed: %v", r.identity, err)
		}
		cancel()
	}
	if !r.reg.remove(r.identity, r) {
		// Someone re-attached while we were saving; keep running.
		return false
	}
	log.Printf("[room %s] torn down", r.identity)
	r.stop()
	return true
}

// shutdown is the clean-exit path: detach everyone, persist once more, and
// leave the registry. Used when the whole daemon stops.
func (r *Room) shutdown() {
	for _, s := range r.sessions {
		r.handleDetach(s)
	}
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.store.Save(ctx, r.identity, r.engine.Snapshot()); err != nil {
		log.Printf("[room %s] final snapshot save failed: %v", r.identity, err)
	}
	cancel()
	r.reg.remove(r.identity, r)
	r.stop()
}

// stop closes the room and rejects anything still queued so no caller waits
// forever.
func (r *Room) stop() {
	if r.unsub != nil {
		r.unsub()
	}
	close(r.done)
	for {
		select {
		case cmd := <-r.cmds:
			switch c := cmd.(type) {
			case attachCmd:
				c.reply <- attachReply{err: ErrRoomClosed}
			case submitCmd:
				c.reply <- submitReply{err: ErrRoomClosed}
			}
		default:
			return
		}
	}
}

// Close tears the room down synchronously, persisting a final snapshot.
func (r *Room) Close() {
	reply := make(chan struct{})
	select {
	case r.cmds <- closeCmd{reply: reply}:
		select {
		case <-reply:
		case <-r.done:
		}
	case <-r.done:
	}
}
