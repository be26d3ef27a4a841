package crdt

import "encoding/json"

// Snapshot is a point-in-time serialization of a document, tagged with the
// version vector at capture time. It is a deep copy: the engine can keep
// merging while a snapshot is being persisted.
type Snapshot struct {
	Version    VersionVector        `json:"version"`
	Lamport    uint64               `json:"lamport"`
	Cells      []Cell               `json:"cells"`
	Tombstones map[string]Clock     `json:"tombstones,omitempty"`
	Metadata   map[string]MetaEntry `json:"metadata,omitempty"`
}

// Encode serializes the snapshot for the persistence boundary.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses bytes produced by Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Snapshot captures the full current state. It copies everything, so the
// returned value stays consistent no matter what the engine does next.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Version: e.vv.Clone(),
		Lamport: e.lamport,
		Cells:   e.doc.ordered(),
	}
	if len(e.doc.tombs) > 0 {
		s.Tombstones = make(map[string]Clock, len(e.doc.tombs))
		for id, c := range e.doc.tombs {
			s.Tombstones[id] = c
		}
	}
	if len(e.doc.meta) > 0 {
		s.Metadata = make(map[string]MetaEntry, len(e.doc.meta))
		for k, v := range e.doc.meta {
			s.Metadata[k] = v
		}
	}
	return s
}

// Restore resets the engine to a snapshot. Only valid on an engine with no
// prior history; deltas the snapshot already reflects replay as no-ops
// against the restored field clocks.
func (e *Engine) Restore(s Snapshot) error {
	if e.lamport != 0 || len(e.doc.cells) != 0 || len(e.doc.tombs) != 0 ||
		len(e.doc.meta) != 0 || e.applied.Cardinality() != 0 {
		return ErrNotFresh
	}
	e.lamport = s.Lamport
	e.vv = s.Version.Clone()
	if e.vv == nil {
		e.vv = make(VersionVector)
	}
	for i := range s.Cells {
		c := s.Cells[i]
		c.Outputs = append([]string(nil), c.Outputs...)
		c.Appends = append([]OutputEntry(nil), c.Appends...)
		e.doc.cells[c.ID] = &c
	}
	for id, c := range s.Tombstones {
		e.doc.tombs[id] = c
	}
	for k, v := range s.Metadata {
		e.doc.meta[k] = v
	}
	return nil
}
