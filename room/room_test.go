package room

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabnb/syncd/crdt"
	"collabnb/syncd/relay"
	"collabnb/syncd/store"
)

func testConfig() Config {
	return Config{
		GracePeriod:   50 * time.Millisecond,
		SaveInterval:  time.Hour, // interval saves off unless a test wants them
		HistoryLimit:  16,
		SessionBuffer: 32,
	}
}

func testRegistry(t *testing.T, st store.Store) *Registry {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	g := NewRegistry(st, nil, testConfig())
	t.Cleanup(g.Shutdown)
	return g
}

// client is a front-end replica: its own engine seeded from the attach
// response, producing deltas the way a real editor window would.
type client struct {
	t      *testing.T
	engine *crdt.Engine
	at     *Attach
}

func connect(t *testing.T, g *Registry, notebook, sessionID string) *client {
	t.Helper()
	at, err := g.Open(notebook, sessionID, 0)
	require.NoError(t, err)
	require.NotNil(t, at.Snapshot, "fresh session should get full state")

	e := crdt.NewEngine(sessionID)
	require.NoError(t, e.Restore(*at.Snapshot))
	return &client{t: t, engine: e, at: at}
}

func (c *client) edit(ops ...crdt.Op) crdt.Delta {
	c.t.Helper()
	d, err := c.engine.ApplyLocal(ops)
	require.NoError(c.t, err)
	return d
}

func (c *client) recvDelta(timeout time.Duration) (Event, bool) {
	select {
	case ev, ok := <-c.at.Session.Events():
		return ev, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestOpenEmptyNotebook(t *testing.T) {
	g := testRegistry(t, nil)
	c := connect(t, g, "nb1", "s1")
	assert.Empty(t, c.at.Snapshot.Cells)
	assert.Equal(t, uint64(0), c.at.Seq)
}

func TestSubmitBroadcastsToOthers(t *testing.T) {
	g := testRegistry(t, nil)
	s1 := connect(t, g, "nb1", "s1")
	s2 := connect(t, g, "nb1", "s2")

	d := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a", Source: "print(1)"})
	seq, err := g.Edit("s1", d)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// The other session sees the canonical delta; the submitter does not.
	ev, ok := s2.recvDelta(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, d.ID, ev.Delta.ID)

	_, ok = s1.recvDelta(50 * time.Millisecond)
	assert.False(t, ok, "submitter must not receive its own delta")
}

func TestSecondSessionReceivesFullState(t *testing.T) {
	g := testRegistry(t, nil)
	s1 := connect(t, g, "nb1", "s1")

	d := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a", Source: "print(1)"})
	_, err := g.Edit("s1", d)
	require.NoError(t, err)

	s2 := connect(t, g, "nb1", "s2")
	require.Len(t, s2.at.Snapshot.Cells, 1)
	assert.Equal(t, "c1", s2.at.Snapshot.Cells[0].ID)
	assert.Equal(t, "print(1)", s2.at.Snapshot.Cells[0].Source)
	assert.Equal(t, uint64(1), s2.at.Seq)
}

func TestConcurrentEditsConvergeDeterministically(t *testing.T) {
	g := testRegistry(t, nil)
	s1 := connect(t, g, "nb1", "s1")

	seed := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a", Source: "base"})
	_, err := g.Edit("s1", seed)
	require.NoError(t, err)

	s2 := connect(t, g, "nb1", "s2")

	// Both replicas edit c1 without seeing each other: a genuine conflict.
	d1 := s1.edit(crdt.Op{Kind: crdt.OpSetSource, CellID: "c1", Source: "from-s1"})
	d2 := s2.edit(crdt.Op{Kind: crdt.OpSetSource, CellID: "c1", Source: "from-s2"})

	_, err = g.Edit("s1", d1)
	require.NoError(t, err)
	_, err = g.Edit("s2", d2)
	require.NoError(t, err)

	// Each session merges the other's delta from its broadcast feed.
	ev1, ok := s1.recvDelta(time.Second)
	require.True(t, ok)
	_, err = s1.engine.MergeRemote(ev1.Delta)
	require.NoError(t, err)
	ev2, ok := s2.recvDelta(time.Second)
	require.True(t, ok)
	_, err = s2.engine.MergeRemote(ev2.Delta)
	require.NoError(t, err)

	// One deterministic winner everywhere, canonical copy included.
	c1, _ := s1.engine.Cell("c1")
	c2, _ := s2.engine.Cell("c1")
	assert.Equal(t, c1.Source, c2.Source)

	s3 := connect(t, g, "nb1", "s3")
	c3 := s3.at.Snapshot.Cells[0]
	assert.Equal(t, c1.Source, c3.Source)
}

func TestSubmissionsSerializedInArrivalOrder(t *testing.T) {
	g := testRegistry(t, nil)
	s1 := connect(t, g, "nb1", "s1")
	observer := connect(t, g, "nb1", "obs")

	seed := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a"})
	_, err := g.Edit("s1", seed)
	require.NoError(t, err)

	// A burst of sequential submissions must come out in order with
	// contiguous sequence numbers.
	for i := 0; i < 10; i++ {
		d := s1.edit(crdt.Op{Kind: crdt.OpAppendOutput, CellID: "c1", Output: "line"})
		_, err := g.Edit("s1", d)
		require.NoError(t, err)
	}

	var last uint64
	for i := 0; i < 11; i++ {
		ev, ok := observer.recvDelta(time.Second)
		require.True(t, ok)
		assert.Equal(t, last+1, ev.Seq)
		last = ev.Seq
	}
}

func TestIdempotentResubmitNotRebroadcast(t *testing.T) {
	g := testRegistry(t, nil)
	s1 := connect(t, g, "nb1", "s1")
	s2 := connect(t, g, "nb1", "s2")

	d := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a"})
	seq1, err := g.Edit("s1", d)
	require.NoError(t, err)
	_, ok := s2.recvDelta(time.Second)
	require.True(t, ok)

	// Retransmission after a flaky connection: acked again, no new event.
	seq2, err := g.Edit("s1", d)
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2)
	_, ok = s2.recvDelta(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestSubmitFromUnattachedSession(t *testing.T) {
	g := testRegistry(t, nil)
	s1 := connect(t, g, "nb1", "s1")
	d := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a"})

	_, err := g.Edit("ghost", d)
	assert.ErrorIs(t, err, ErrSessionNotAttached)

	g.Close(s1.at.Session)
	_, err = g.Edit("s1", d)
	assert.ErrorIs(t, err, ErrSessionNotAttached)
}

func TestInvalidOperationRejectedAtomically(t *testing.T) {
	g := testRegistry(t, nil)
	connect(t, g, "nb1", "s1")
	s2 := connect(t, g, "nb1", "s2")

	bad := crdt.Delta{ID: "bad", Actor: "s1", Ops: []crdt.Op{{
		Kind: crdt.OpSetSource, CellID: "ghost", Source: "x",
		Clock: crdt.Clock{Lamport: 1, Actor: "s1"},
	}}}
	_, err := g.Edit("s1", bad)
	assert.ErrorIs(t, err, crdt.ErrInvalidOperation)

	// Nothing was applied or broadcast.
	_, ok := s2.recvDelta(50 * time.Millisecond)
	assert.False(t, ok)
	s3 := connect(t, g, "nb1", "s3")
	assert.Empty(t, s3.at.Snapshot.Cells)
}

func TestResumeAfterReconnect(t *testing.T) {
	g := testRegistry(t, nil)
	s1 := connect(t, g, "nb1", "s1")
	s2 := connect(t, g, "nb1", "s2")

	seed := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a"})
	_, err := g.Edit("s1", seed)
	require.NoError(t, err)
	ev, ok := s2.recvDelta(time.Second)
	require.True(t, ok)
	s2.at.Session.RecordAck(ev.Seq)

	// s2 drops and comes back knowing seq 1; two more edits land meanwhile.
	g.Close(s2.at.Session)
	for i := 0; i < 2; i++ {
		d := s1.edit(crdt.Op{Kind: crdt.OpAppendOutput, CellID: "c1", Output: "x"})
		_, err := g.Edit("s1", d)
		require.NoError(t, err)
	}

	at, err := g.Open("nb1", "s2", 1)
	require.NoError(t, err)
	assert.Nil(t, at.Snapshot, "bounded gap should resume, not resync")
	require.Len(t, at.Resume, 2)
	assert.Equal(t, uint64(2), at.Resume[0].Seq)
	assert.Equal(t, uint64(3), at.Resume[1].Seq)
}

func TestResumeGapExceedsHistory(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 4
	g := NewRegistry(store.NewMemoryStore(), nil, cfg)
	defer g.Shutdown()

	_, err := g.Open("nb1", "s1", 0)
	require.NoError(t, err)

	e := crdt.NewEngine("s1")
	seed, err := e.ApplyLocal([]crdt.Op{{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a"}})
	require.NoError(t, err)
	_, err = g.Edit("s1", seed)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		d, err := e.ApplyLocal([]crdt.Op{{Kind: crdt.OpAppendOutput, CellID: "c1", Output: "x"}})
		require.NoError(t, err)
		_, err = g.Edit("s1", d)
		require.NoError(t, err)
	}

	// Nine deltas happened, only four retained: seq 1 is out of reach.
	at, err := g.Open("nb1", "s2", 1)
	require.NoError(t, err)
	assert.NotNil(t, at.Snapshot, "gap beyond history must fall back to full state")
	assert.Empty(t, at.Resume)
}

func TestGraceTeardownPersistsAndRestores(t *testing.T) {
	st := store.NewMemoryStore()
	g := testRegistry(t, st)

	s1 := connect(t, g, "nb1", "s1")
	d := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a", Source: "print(1)"})
	_, err := g.Edit("s1", d)
	require.NoError(t, err)

	g.Close(s1.at.Session)
	require.Eventually(t, func() bool {
		return len(g.Stats()) == 0
	}, time.Second, 10*time.Millisecond, "room should tear down after the grace period")
	assert.Equal(t, 1, st.SaveCount())

	// A later open restores from the persisted snapshot.
	at, err := g.Open("nb1", "s1", 0)
	require.NoError(t, err)
	require.NotNil(t, at.Snapshot)
	require.Len(t, at.Snapshot.Cells, 1)
	assert.Equal(t, "print(1)", at.Snapshot.Cells[0].Source)
}

func TestReattachDuringGraceCancelsTeardown(t *testing.T) {
	g := testRegistry(t, nil)
	s1 := connect(t, g, "nb1", "s1")
	g.Close(s1.at.Session)

	// Reconnect well inside the grace period.
	_, err := g.Open("nb1", "s1", 0)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	stats := g.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Sessions)
}

func TestConcurrentOpensSingleRoom(t *testing.T) {
	g := testRegistry(t, nil)

	const n = 16
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		sid := string(rune('a' + i))
		go func() {
			_, err := g.Open("nb1", "session-"+sid, 0)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	stats := g.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, n, stats[0].Sessions)
}

func TestSaveFailureIsNotFatal(t *testing.T) {
	st := store.NewMemoryStore()
	st.SaveErr = errors.New("disk on fire")
	g := testRegistry(t, st)

	s1 := connect(t, g, "nb1", "s1")
	d := s1.edit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a"})
	_, err := g.Edit("s1", d)
	require.NoError(t, err)

	// Teardown's final save fails; the room still goes away cleanly and the
	// live path never saw the error.
	g.Close(s1.at.Session)
	require.Eventually(t, func() bool {
		return len(g.Stats()) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, st.SaveCount())
}

func TestRelayBridgesTwoRegistries(t *testing.T) {
	st := store.NewMemoryStore()
	mem := relay.NewMemory()
	gA := NewRegistry(st, mem.WithNode("node-a"), testConfig())
	gB := NewRegistry(st, mem.WithNode("node-b"), testConfig())
	defer gA.Shutdown()
	defer gB.Shutdown()

	atA, err := gA.Open("nb1", "s1", 0)
	require.NoError(t, err)
	eA := crdt.NewEngine("s1")
	require.NoError(t, eA.Restore(*atA.Snapshot))

	atB, err := gB.Open("nb1", "s2", 0)
	require.NoError(t, err)

	d, err := eA.ApplyLocal([]crdt.Op{{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a", Source: "hi"}})
	require.NoError(t, err)
	_, err = gA.Edit("s1", d)
	require.NoError(t, err)

	// The delta crosses the relay and reaches the session on the other node.
	select {
	case ev := <-atB.Session.Events():
		assert.Equal(t, d.ID, ev.Delta.ID)
	case <-time.After(time.Second):
		t.Fatal("delta never crossed the relay")
	}
}
