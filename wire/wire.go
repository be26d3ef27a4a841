// Package wire is the codec between the sync core's delta/snapshot types and
// the JSON envelopes a front-end speaks. The core never touches these shapes;
// the transport decodes inbound frames here and encodes outbound ones.
package wire

import (
	"encoding/json"
	"fmt"

	"collabnb/syncd/crdt"
)

// Message type tags. Each envelope carries one in its "type" field.
const (
	TypeHello    = "hello"
	TypeSnapshot = "snapshot"
	TypeDelta    = "delta"
	TypeOps      = "ops"
	TypeAck      = "ack"
	TypeError    = "error"
)

// Error codes sent to front-ends.
const (
	CodeInvalidOp   = "invalid_op"
	CodeNotAttached = "not_attached"
)

// msgType is decoded first to dispatch on the envelope type.
type msgType struct {
	Type string `json:"type"`
}

// Hello is the first client message on a connection: which notebook to open,
// who the session is, and the last canonical sequence number it acked (zero
// for a fresh session).
type Hello struct {
	Type      string `json:"type"`
	Notebook  string `json:"notebook"`
	SessionID string `json:"session_id"`
	LastSeq   uint64 `json:"last_seq"`
}

// Snapshot carries a full document state to a client, stamped with the
// canonical sequence number it corresponds to.
type Snapshot struct {
	Type     string        `json:"type"`
	Seq      uint64        `json:"seq"`
	Snapshot crdt.Snapshot `json:"snapshot"`
}

// DeltaMsg carries one delta. Client→server it is a submission (Seq unset);
// server→client it is a canonical broadcast stamped with its room sequence.
type DeltaMsg struct {
	Type  string     `json:"type"`
	Seq   uint64     `json:"seq,omitempty"`
	Delta crdt.Delta `json:"delta"`
}

// OpsMsg carries raw operations from a front-end that does not run a
// replica of its own. The room stamps and merges them; the canonical delta
// comes back as a DeltaMsg.
type OpsMsg struct {
	Type string    `json:"type"`
	Ops  []crdt.Op `json:"ops"`
}

// Ack acknowledges. Client→server it advances the session cursor;
// server→client it confirms a submission with its canonical sequence.
type Ack struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

// ErrorMsg reports a rejected message. Resync tells the front-end its replica
// is unusable and a full state re-fetch is required.
type ErrorMsg struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
	Resync bool   `json:"resync,omitempty"`
}

// Decode parses one client frame into a Hello, DeltaMsg, OpsMsg, or Ack.
func Decode(data []byte) (any, error) {
	var mt msgType
	if err := json.Unmarshal(data, &mt); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch mt.Type {
	case TypeHello:
		var m Hello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode hello: %w", err)
		}
		return &m, nil
	case TypeDelta:
		var m DeltaMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		return &m, nil
	case TypeOps:
		var m OpsMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode ops: %w", err)
		}
		return &m, nil
	case TypeAck:
		var m Ack
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode ack: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", mt.Type)
	}
}

// EncodeSnapshot builds the full-state frame sent on attach.
func EncodeSnapshot(seq uint64, snap crdt.Snapshot) ([]byte, error) {
	return json.Marshal(Snapshot{Type: TypeSnapshot, Seq: seq, Snapshot: snap})
}

// EncodeDelta builds a canonical broadcast frame.
func EncodeDelta(seq uint64, d crdt.Delta) ([]byte, error) {
	return json.Marshal(DeltaMsg{Type: TypeDelta, Seq: seq, Delta: d})
}

// EncodeAck builds a submission confirmation.
func EncodeAck(seq uint64) ([]byte, error) {
	return json.Marshal(Ack{Type: TypeAck, Seq: seq})
}

// EncodeError builds an error frame.
func EncodeError(code, detail string, resync bool) ([]byte, error) {
	return json.Marshal(ErrorMsg{Type: TypeError, Code: code, Detail: detail, Resync: resync})
}
