package crdt

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// Engine wraps one replicated notebook document. It applies locally
// originated edits, merges deltas from other replicas, and produces
// snapshots. It knows nothing about rooms or transport, and it is not safe
// for concurrent use: the owning room serializes every call.
type Engine struct {
	actor   string
	lamport uint64
	doc     *document
	vv      VersionVector
	applied mapset.Set[string]
}

// NewEngine returns an empty engine. actor is the identity stamped on edits
// applied through ApplyLocal; edits applied on behalf of a session use that
// session's identity instead.
func NewEngine(actor string) *Engine {
	return &Engine{
		actor:   actor,
		doc:     newDocument(),
		vv:      make(VersionVector),
		applied: mapset.NewThreadUnsafeSet[string](),
	}
}

// Actor returns the engine's own actor identity.
func (e *Engine) Actor() string { return e.actor }

// Version returns a copy of the current version vector.
func (e *Engine) Version() VersionVector { return e.vv.Clone() }

// Cells returns the live cells in document order.
func (e *Engine) Cells() []Cell { return e.doc.ordered() }

// Cell returns one live cell by ID.
func (e *Engine) Cell(id string) (Cell, bool) {
	c, ok := e.doc.cells[id]
	if !ok {
		return Cell{}, false
	}
	cp := *c
	cp.Outputs = append([]string(nil), c.Outputs...)
	cp.Appends = append([]OutputEntry(nil), c.Appends...)
	return cp, true
}

// Metadata returns the current value for one metadata key.
func (e *Engine) Metadata(key string) (string, bool) {
	m, ok := e.doc.meta[key]
	return m.Value, ok
}

// MetadataAll returns a copy of all document metadata values.
func (e *Engine) MetadataAll() map[string]string {
	out := make(map[string]string, len(e.doc.meta))
	for k, v := range e.doc.meta {
		out[k] = v.Value
	}
	return out
}

// ApplyLocal stamps and applies edits originated by this replica, returning
// the delta to broadcast. Fails with ErrInvalidOperation if any op references
// a cell not present in the current state; nothing is applied on failure.
func (e *Engine) ApplyLocal(ops []Op) (Delta, error) {
	return e.ApplyLocalAs(e.actor, ops)
}

// ApplyLocalAs is ApplyLocal with an explicit originating actor. The room
// uses it to stamp edits submitted by a session with that session's identity,
// so the per-field tiebreak reflects who actually wrote.
func (e *Engine) ApplyLocalAs(actor string, ops []Op) (Delta, error) {
	if len(ops) == 0 || actor == "" {
		return Delta{}, ErrInvalidOperation
	}

	// Validate everything before stamping anything: merge is all-or-nothing.
	// Ops may target cells inserted earlier in the same batch.
	pending := make(map[string]bool)
	for _, op := range ops {
		if op.Kind == OpInsertCell {
			if op.CellID == "" || op.Pos == "" {
				return Delta{}, ErrInvalidOperation
			}
			pending[op.CellID] = true
			continue
		}
		if pending[op.CellID] {
			continue
		}
		if err := e.doc.validate(op); err != nil {
			return Delta{}, err
		}
	}

	stamped := make([]Op, len(ops))
	for i, op := range ops {
		e.lamport++
		op.Clock = Clock{Lamport: e.lamport, Actor: actor}
		e.vv.Observe(op.Clock)
		stamped[i] = op
	}

	d := Delta{
		ID:      uuid.NewString(),
		Actor:   actor,
		Ops:     stamped,
		Version: e.vv.Clone(),
	}
	for _, op := range stamped {
		e.doc.apply(op, d.Version)
	}
	e.applied.Add(d.ID)
	return d, nil
}

// MergeRemote applies a delta received from elsewhere. Re-delivery of an
// already-applied delta is a no-op: exact by delta ID, and otherwise by the
// per-field clocks, which never move backward — so replaying any old delta
// (in any order, including across a snapshot restore) changes nothing. The
// version vector is bookkeeping for conflict classification only; it is
// never used to skip ops, since a max-per-actor vector cannot tell a gap
// from a replay when deltas arrive out of causal order. On
// ErrInvalidOperation nothing is applied.
func (e *Engine) MergeRemote(d Delta) (MergeOutcome, error) {
	if len(d.Ops) == 0 {
		return MergeOutcome{}, ErrInvalidOperation
	}
	if d.ID != "" && e.applied.Contains(d.ID) {
		return MergeOutcome{}, nil
	}

	pending := make(map[string]bool)
	for _, op := range d.Ops {
		if op.Clock.IsZero() {
			return MergeOutcome{}, ErrInvalidOperation
		}
		if op.Kind == OpInsertCell {
			if op.CellID == "" || op.Pos == "" {
				return MergeOutcome{}, ErrInvalidOperation
			}
			pending[op.CellID] = true
			continue
		}
		if pending[op.CellID] {
			continue
		}
		if err := e.doc.validate(op); err != nil {
			return MergeOutcome{}, err
		}
	}

	var out MergeOutcome
	for _, op := range d.Ops {
		changed, conflict := e.doc.apply(op, d.Version)
		if changed {
			out.Changed = true
		}
		if conflict != nil {
			out.Conflicts = append(out.Conflicts, *conflict)
		}
		e.vv.Observe(op.Clock)
		if op.Clock.Lamport > e.lamport {
			e.lamport = op.Clock.Lamport
		}
	}
	if d.ID != "" {
		e.applied.Add(d.ID)
	}
	return out, nil
}
