// Package server is the websocket transport in front of the room registry.
// It speaks the wire codec to front-ends and knows nothing about merge
// semantics: decode, route to the registry, encode, fan out.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sanity-io/litter"

	"collabnb/syncd/crdt"
	"collabnb/syncd/discovery"
	"collabnb/syncd/room"
	"collabnb/syncd/trust"
	"collabnb/syncd/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server routes websocket sessions into the registry and serves the small
// HTTP surface around them.
type Server struct {
	reg  *room.Registry
	keys *trust.Keychain
}

// New builds a Server. keys may be nil; the trust endpoint then reports
// every notebook as untrusted-unknown.
func New(reg *room.Registry, keys *trust.Keychain) *Server {
	return &Server{reg: reg, keys: keys}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{notebook}", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/trust/{notebook}", s.handleTrust).Methods(http.MethodGet)
	r.HandleFunc("/runtime", s.handleRuntime).Methods(http.MethodGet)
	r.HandleFunc("/debug/rooms", s.handleDebugRooms).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	notebook := mux.Vars(r)["notebook"]
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	// First frame must be a hello.
	_, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		s.writeOnce(ws, mustEncodeError(wire.CodeInvalidOp, err.Error(), false))
		return
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		s.writeOnce(ws, mustEncodeError(wire.CodeInvalidOp, "expected hello", false))
		return
	}
	if hello.Notebook != "" && hello.Notebook != notebook {
		s.writeOnce(ws, mustEncodeError(wire.CodeInvalidOp, "notebook mismatch", false))
		return
	}
	sessionID := hello.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	at, err := s.reg.Open(notebook, sessionID, hello.LastSeq)
	if err != nil {
		s.writeOnce(ws, mustEncodeError(wire.CodeInvalidOp, err.Error(), true))
		return
	}
	log.Printf("[server] session %s opened notebook %s", sessionID, notebook)

	out := make(chan []byte, 256)
	done := make(chan struct{})
	defer func() {
		s.reg.Close(at.Session)
		close(done)
	}()

	go writePump(ws, out, done)

	// Initial state goes out before the live feed starts, so the client
	// never sees a broadcast delta ahead of its snapshot.
	if at.Snapshot != nil {
		frame, err := wire.EncodeSnapshot(at.Seq, *at.Snapshot)
		if err != nil {
			log.Printf("[server] encode snapshot: %v", err)
			return
		}
		send(out, done, frame)
	} else {
		for _, ev := range at.Resume {
			frame, err := wire.EncodeDelta(ev.Seq, ev.Delta)
			if err != nil {
				log.Printf("[server] encode delta: %v", err)
				return
			}
			send(out, done, frame)
		}
	}

	go forwardEvents(at.Session, out, done)
	s.readPump(ws, sessionID, out, done)
	log.Printf("[server] session %s closed notebook %s", sessionID, notebook)
}

// readPump handles inbound frames until the connection drops.
func (s *Server) readPump(ws *websocket.Conn, sessionID string, out chan []byte, done chan struct{}) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			send(out, done, mustEncodeError(wire.CodeInvalidOp, err.Error(), false))
			continue
		}
		switch m := msg.(type) {
		case *wire.DeltaMsg:
			seq, err := s.reg.Edit(sessionID, m.Delta)
			if err != nil {
				send(out, done, errorFrame(err))
				continue
			}
			frame, err := wire.EncodeAck(seq)
			if err == nil {
				send(out, done, frame)
			}
		case *wire.OpsMsg:
			d, seq, err := s.reg.EditOps(sessionID, m.Ops)
			if err != nil {
				send(out, done, errorFrame(err))
				continue
			}
			frame, err := wire.EncodeDelta(seq, d)
			if err == nil {
				send(out, done, frame)
			}
		case *wire.Ack:
			s.reg.Ack(sessionID, m.Seq)
		case *wire.Hello:
			send(out, done, mustEncodeError(wire.CodeInvalidOp, "already attached", false))
		}
	}
}

// forwardEvents turns room broadcasts into wire frames. A closed event
// channel means the room dropped the session (superseded or too slow); the
// front-end must reconnect, so it gets a resync directive.
func forwardEvents(sess *room.Session, out chan []byte, done chan struct{}) {
	for ev := range sess.Events() {
		frame, err := wire.EncodeDelta(ev.Seq, ev.Delta)
		if err != nil {
			log.Printf("[server] encode delta: %v", err)
			continue
		}
		send(out, done, frame)
	}
	send(out, done, mustEncodeError(wire.CodeNotAttached, "session dropped", true))
}

func writePump(ws *websocket.Conn, out chan []byte, done chan struct{}) {
	for {
		select {
		case frame := <-out:
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-done:
			ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func send(out chan []byte, done chan struct{}, frame []byte) {
	select {
	case out <- frame:
	case <-done:
	}
}

func (s *Server) writeOnce(ws *websocket.Conn, frame []byte) {
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func errorFrame(err error) []byte {
	switch {
	case errors.Is(err, crdt.ErrInvalidOperation):
		return mustEncodeError(wire.CodeInvalidOp, err.Error(), true)
	case errors.Is(err, room.ErrSessionNotAttached):
		return mustEncodeError(wire.CodeNotAttached, err.Error(), true)
	default:
		return mustEncodeError(wire.CodeInvalidOp, err.Error(), false)
	}
}

func mustEncodeError(code, detail string, resync bool) []byte {
	frame, err := wire.EncodeError(code, detail, resync)
	if err != nil {
		// Static shapes only; cannot fail.
		panic(err)
	}
	return frame
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

// handleTrust reports whether a notebook's dependency metadata carries a
// valid signature. Execution gating happens in the front-end; the server
// only answers the question.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	notebook := mux.Vars(r)["notebook"]
	meta, err := s.reg.Metadata(notebook)
	if err != nil {
		http.Error(w, "unknown notebook", http.StatusNotFound)
		return
	}
	status := trust.Untrusted
	if s.keys != nil {
		status = s.keys.Verify(meta)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"notebook": notebook,
		"status":   status,
		"trusted":  s.keys != nil && s.keys.IsTrusted(meta),
	})
}

// handleRuntime locates an execution backend on the local network. Purely
// advisory: the sync core never waits on this.
func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	rt, err := discovery.Locate(ctx, discovery.RuntimeService)
	if err != nil {
		http.Error(w, "no runtime available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rt)
}

func (s *Server) handleDebugRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(litter.Sdump(s.reg.Stats())))
}
