package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabnb/syncd/crdt"
	"collabnb/syncd/room"
	"collabnb/syncd/store"
	"collabnb/syncd/trust"
	"collabnb/syncd/wire"
)

func testServer(t *testing.T, st store.Store, keys *trust.Keychain) (*httptest.Server, *room.Registry) {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	reg := room.NewRegistry(st, nil, room.Config{
		GracePeriod:   50 * time.Millisecond,
		SaveInterval:  time.Hour,
		HistoryLimit:  16,
		SessionBuffer: 32,
	})
	t.Cleanup(reg.Shutdown)
	ts := httptest.NewServer(New(reg, keys).Router())
	t.Cleanup(ts.Close)
	return ts, reg
}

// wsClient is a front-end over the real websocket transport: it dials,
// sends a hello, and keeps its own engine in sync from the frames it reads.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	engine *crdt.Engine
}

func dial(t *testing.T, ts *httptest.Server, notebook, sessionID string, lastSeq uint64) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + notebook
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello, err := json.Marshal(wire.Hello{Type: wire.TypeHello, Notebook: notebook, SessionID: sessionID, LastSeq: lastSeq})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))
	return &wsClient{t: t, conn: conn, engine: crdt.NewEngine(sessionID)}
}

func (c *wsClient) read(timeout time.Duration) any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	msg, err := wire.Decode(data)
	if err != nil {
		// Server-to-client frames include snapshots and errors, which the
		// client-frame decoder does not cover.
		var mt struct {
			Type string `json:"type"`
		}
		require.NoError(c.t, json.Unmarshal(data, &mt))
		switch mt.Type {
		case wire.TypeSnapshot:
			var m wire.Snapshot
			require.NoError(c.t, json.Unmarshal(data, &m))
			return &m
		case wire.TypeError:
			var m wire.ErrorMsg
			require.NoError(c.t, json.Unmarshal(data, &m))
			return &m
		}
		c.t.Fatalf("unreadable frame: %s", data)
	}
	return msg
}

func (c *wsClient) syncState(timeout time.Duration) uint64 {
	c.t.Helper()
	snap, ok := c.read(timeout).(*wire.Snapshot)
	require.True(c.t, ok, "expected snapshot frame")
	require.NoError(c.t, c.engine.Restore(snap.Snapshot))
	return snap.Seq
}

func (c *wsClient) submit(ops ...crdt.Op) uint64 {
	c.t.Helper()
	d, err := c.engine.ApplyLocal(ops)
	require.NoError(c.t, err)
	frame, err := json.Marshal(wire.DeltaMsg{Type: wire.TypeDelta, Delta: d})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
	ack, ok := c.read(time.Second).(*wire.Ack)
	require.True(c.t, ok, "expected ack frame")
	return ack.Seq
}

func TestAttachDeliversSnapshot(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	c := dial(t, ts, "nb1", "s1", 0)
	seq := c.syncState(time.Second)
	assert.Equal(t, uint64(0), seq)
	assert.Empty(t, c.engine.Cells())
}

func TestEditIsAckedAndBroadcast(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	a := dial(t, ts, "nb1", "alice", 0)
	a.syncState(time.Second)
	b := dial(t, ts, "nb1", "bob", 0)
	b.syncState(time.Second)

	seq := a.submit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a", Source: "print(1)"})
	assert.Equal(t, uint64(1), seq)

	msg, ok := b.read(time.Second).(*wire.DeltaMsg)
	require.True(t, ok, "expected delta frame")
	assert.Equal(t, uint64(1), msg.Seq)
	_, err := b.engine.MergeRemote(msg.Delta)
	require.NoError(t, err)

	cells := b.engine.Cells()
	require.Len(t, cells, 1)
	assert.Equal(t, "print(1)", cells[0].Source)
}

func TestLateJoinerSeesFullState(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	a := dial(t, ts, "nb1", "alice", 0)
	a.syncState(time.Second)
	a.submit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a", Source: "x = 1"})
	a.submit(crdt.Op{Kind: crdt.OpSetSource, CellID: "c1", Source: "x = 2"})

	b := dial(t, ts, "nb1", "bob", 0)
	seq := b.syncState(time.Second)
	assert.Equal(t, uint64(2), seq)
	cells := b.engine.Cells()
	require.Len(t, cells, 1)
	assert.Equal(t, "x = 2", cells[0].Source)
}

func TestReconnectResumesFromDeltas(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	a := dial(t, ts, "nb1", "alice", 0)
	a.syncState(time.Second)
	b := dial(t, ts, "nb1", "bob", 0)
	b.syncState(time.Second)
	seq := b.submit(crdt.Op{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "code", Pos: "a"})

	// bob drops and comes back knowing seq 1; alice edits meanwhile.
	b.conn.Close()
	msg, ok := a.read(time.Second).(*wire.DeltaMsg)
	require.True(t, ok)
	_, err := a.engine.MergeRemote(msg.Delta)
	require.NoError(t, err)
	a.submit(crdt.Op{Kind: crdt.OpSetSource, CellID: "c1", Source: "resumed"})

	b2 := dial(t, ts, "nb1", "bob", seq)
	resumed, ok := b2.read(time.Second).(*wire.DeltaMsg)
	require.True(t, ok, "expected resume delta, not snapshot")
	assert.Equal(t, uint64(2), resumed.Seq)
}

func TestRawOpsFromThinClient(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	a := dial(t, ts, "nb1", "alice", 0)
	a.syncState(time.Second)
	b := dial(t, ts, "nb1", "bob", 0)
	b.syncState(time.Second)

	// bob has no replica: raw ops go up, the stamped delta comes back.
	frame, err := json.Marshal(wire.OpsMsg{Type: wire.TypeOps, Ops: []crdt.Op{
		{Kind: crdt.OpInsertCell, CellID: "c1", CellType: "markdown", Pos: "a", Source: "# notes"},
	}})
	require.NoError(t, err)
	require.NoError(t, b.conn.WriteMessage(websocket.TextMessage, frame))

	echo, ok := b.read(time.Second).(*wire.DeltaMsg)
	require.True(t, ok, "expected canonical delta echo")
	assert.Equal(t, uint64(1), echo.Seq)
	require.Len(t, echo.Delta.Ops, 1)
	assert.NotZero(t, echo.Delta.Ops[0].Clock.Lamport, "room should have stamped the ops")

	msg, ok := a.read(time.Second).(*wire.DeltaMsg)
	require.True(t, ok)
	_, err = a.engine.MergeRemote(msg.Delta)
	require.NoError(t, err)
	cells := a.engine.Cells()
	require.Len(t, cells, 1)
	assert.Equal(t, "# notes", cells[0].Source)
}

func TestMalformedFirstFrameRejected(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/nb1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack","seq":1}`)))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var em wire.ErrorMsg
	require.NoError(t, json.Unmarshal(data, &em))
	assert.Equal(t, wire.CodeInvalidOp, em.Code)
}

func TestInvalidDeltaGetsResyncError(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	a := dial(t, ts, "nb1", "alice", 0)
	a.syncState(time.Second)

	// Hand-built delta against a cell that does not exist.
	bad := crdt.Delta{
		ID:    "bad-1",
		Actor: "alice",
		Ops:   []crdt.Op{{Kind: crdt.OpSetSource, CellID: "ghost", Source: "x", Clock: crdt.Clock{Lamport: 1, Actor: "alice"}}},
	}
	frame, err := json.Marshal(wire.DeltaMsg{Type: wire.TypeDelta, Delta: bad})
	require.NoError(t, err)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, frame))

	em, ok := a.read(time.Second).(*wire.ErrorMsg)
	require.True(t, ok, "expected error frame")
	assert.Equal(t, wire.CodeInvalidOp, em.Code)
	assert.True(t, em.Resync)
}

func TestHealthz(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTrustEndpoint(t *testing.T) {
	keys := trust.NewKeychain(make([]byte, 32))
	ts, _ := testServer(t, nil, keys)

	a := dial(t, ts, "nb1", "alice", 0)
	a.syncState(time.Second)
	a.submit(crdt.Op{Kind: crdt.OpSetMetadata, Key: "deps.pip", Value: "numpy==2.1"})

	resp, err := http.Get(ts.URL + "/trust/nb1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Status  trust.Status `json:"status"`
		Trusted bool         `json:"trusted"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, trust.Untrusted, body.Status)
	assert.False(t, body.Trusted)

	// Sign the declared dependencies and set the signature through the doc.
	sig := keys.Sign(map[string]string{"deps.pip": "numpy==2.1"})
	a.submit(crdt.Op{Kind: crdt.OpSetMetadata, Key: trust.SignatureKey, Value: sig})

	resp2, err := http.Get(ts.URL + "/trust/nb1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, trust.Trusted, body.Status)
	assert.True(t, body.Trusted)
}

func TestTrustUnknownNotebook(t *testing.T) {
	ts, _ := testServer(t, nil, trust.NewKeychain(make([]byte, 32)))
	resp, err := http.Get(ts.URL + "/trust/never-opened")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDebugRooms(t *testing.T) {
	ts, _ := testServer(t, nil, nil)
	a := dial(t, ts, "nb1", "alice", 0)
	a.syncState(time.Second)

	resp, err := http.Get(ts.URL + "/debug/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
