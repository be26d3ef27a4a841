package crdt

import "sort"

// Cell is one notebook cell. Every replicated field carries the clock of its
// last write so the merge can resolve concurrent edits per field. Pos is a
// fractional index key; document order is (Pos, ID), which keeps concurrent
// inserts at the same spot in the same relative order on every replica.
type Cell struct {
	ID          string        `json:"id"`
	Type        string        `json:"cell_type"`
	TypeClock   Clock         `json:"cell_type_clock"`
	Pos         string        `json:"pos"`
	PosClock    Clock         `json:"pos_clock"`
	Source      string        `json:"source"`
	SourceClock Clock         `json:"source_clock"`
	Count       string        `json:"execution_count"`
	CountClock  Clock         `json:"execution_count_clock"`
	Outputs     []string      `json:"outputs,omitempty"`
	OutputClock Clock         `json:"outputs_clock"`
	Appends     []OutputEntry `json:"output_appends,omitempty"`
}

// OutputEntry is an output appended after the last whole-list write. Appends
// commute: entries are kept sorted by clock, so delivery order does not matter.
type OutputEntry struct {
	Value string `json:"value"`
	Clock Clock  `json:"clock"`
}

// EffectiveOutputs returns the outputs as a front-end should render them: the
// last whole-list write followed by every append that survived it.
func (c *Cell) EffectiveOutputs() []string {
	out := make([]string, 0, len(c.Outputs)+len(c.Appends))
	out = append(out, c.Outputs...)
	for _, e := range c.Appends {
		out = append(out, e.Value)
	}
	return out
}

// MetaEntry is a last-writer-wins register for one document metadata key.
type MetaEntry struct {
	Value string `json:"value"`
	Clock Clock  `json:"clock"`
}

// document is the replicated state proper. A deleted cell leaves a tombstone
// so that a concurrent (or late) insert or edit of the same cell ID cannot
// resurrect it: delete wins.
type document struct {
	cells map[string]*Cell
	tombs map[string]Clock
	meta  map[string]MetaEntry
}

func newDocument() *document {
	return &document{
		cells: make(map[string]*Cell),
		tombs: make(map[string]Clock),
		meta:  make(map[string]MetaEntry),
	}
}

// validate checks an op against current state without mutating anything.
// Merge is all-or-nothing per delta, so every op is validated before any is
// applied. An op targeting a tombstoned cell is valid (it merges to a no-op);
// an op targeting a cell this document has never seen is not.
func (d *document) validate(op Op) error {
	switch op.Kind {
	case OpInsertCell:
		if op.CellID == "" || op.Pos == "" {
			return ErrInvalidOperation
		}
	case OpDeleteCell, OpMoveCell, OpSetSource, OpSetCellType,
		OpSetExecutionCount, OpSetOutputs, OpAppendOutput, OpClearOutputs:
		if op.CellID == "" {
			return ErrInvalidOperation
		}
		if _, ok := d.cells[op.CellID]; ok {
			return nil
		}
		if _, ok := d.tombs[op.CellID]; ok {
			return nil
		}
		return ErrInvalidOperation
	case OpSetMetadata:
		if op.Key == "" {
			return ErrInvalidOperation
		}
	default:
		return ErrInvalidOperation
	}
	return nil
}

// apply merges one op into the document. vv is the sender's version vector,
// used only to classify a superseded write as concurrent (a conflict) versus
// causally known to the sender (plain overwrite, not reported).
func (d *document) apply(op Op, vv VersionVector) (bool, *Conflict) {
	if _, dead := d.tombs[op.CellID]; dead && op.Kind != OpSetMetadata && op.Kind != OpDeleteCell {
		return false, nil
	}

	switch op.Kind {
	case OpInsertCell:
		if _, ok := d.cells[op.CellID]; ok {
			return false, nil
		}
		d.cells[op.CellID] = &Cell{
			ID:          op.CellID,
			Type:        op.CellType,
			TypeClock:   op.Clock,
			Pos:         op.Pos,
			PosClock:    op.Clock,
			Source:      op.Source,
			SourceClock: op.Clock,
			Count:       "null",
			CountClock:  op.Clock,
			OutputClock: op.Clock,
		}
		return true, nil

	case OpDeleteCell:
		// Keep the highest delete clock so concurrent deletes converge on
		// the same tombstone regardless of delivery order.
		if prev, dead := d.tombs[op.CellID]; !dead || op.Clock.After(prev) {
			d.tombs[op.CellID] = op.Clock
		}
		if _, ok := d.cells[op.CellID]; !ok {
			return false, nil
		}
		delete(d.cells, op.CellID)
		return true, nil

	case OpMoveCell:
		c := d.cells[op.CellID]
		return lwwSet(&c.Pos, &c.PosClock, op.Pos, op.Clock, vv, op.CellID, "pos")

	case OpSetSource:
		c := d.cells[op.CellID]
		return lwwSet(&c.Source, &c.SourceClock, op.Source, op.Clock, vv, op.CellID, "source")

	case OpSetCellType:
		c := d.cells[op.CellID]
		return lwwSet(&c.Type, &c.TypeClock, op.CellType, op.Clock, vv, op.CellID, "cell_type")

	case OpSetExecutionCount:
		c := d.cells[op.CellID]
		return lwwSet(&c.Count, &c.CountClock, op.Count, op.Clock, vv, op.CellID, "execution_count")

	case OpSetOutputs:
		return d.setOutputs(op.CellID, op.Outputs, op.Clock, vv)

	case OpClearOutputs:
		return d.setOutputs(op.CellID, nil, op.Clock, vv)

	case OpAppendOutput:
		c := d.cells[op.CellID]
		if !op.Clock.After(c.OutputClock) {
			// Concurrent with a newer whole-list write; the write wins.
			return false, nil
		}
		for _, e := range c.Appends {
			if e.Clock == op.Clock {
				return false, nil
			}
		}
		c.Appends = append(c.Appends, OutputEntry{Value: op.Output, Clock: op.Clock})
		sort.Slice(c.Appends, func(i, j int) bool {
			return c.Appends[j].Clock.After(c.Appends[i].Clock)
		})
		return true, nil

	case OpSetMetadata:
		cur, ok := d.meta[op.Key]
		if ok && !op.Clock.After(cur.Clock) {
			return false, conflictIf(vv, cur.Clock, op.Clock, cur.Clock, "", "metadata."+op.Key)
		}
		d.meta[op.Key] = MetaEntry{Value: op.Value, Clock: op.Clock}
		if !ok {
			return true, nil
		}
		return true, conflictIf(vv, op.Clock, cur.Clock, cur.Clock, "", "metadata."+op.Key)
	}
	return false, nil
}

// setOutputs is the whole-list LWW write shared by set and clear.
func (d *document) setOutputs(cellID string, outputs []string, clock Clock, vv VersionVector) (bool, *Conflict) {
	c := d.cells[cellID]
	if !clock.After(c.OutputClock) {
		return false, conflictIf(vv, c.OutputClock, clock, c.OutputClock, cellID, "outputs")
	}
	conflict := conflictIf(vv, clock, c.OutputClock, c.OutputClock, cellID, "outputs")
	c.Outputs = append([]string(nil), outputs...)
	if len(c.Outputs) == 0 {
		c.Outputs = nil
	}
	c.OutputClock = clock
	// Appends that the new write supersedes are gone.
	kept := c.Appends[:0]
	for _, e := range c.Appends {
		if e.Clock.After(clock) {
			kept = append(kept, e)
		}
	}
	c.Appends = kept
	if len(c.Appends) == 0 {
		c.Appends = nil
	}
	return true, conflict
}

// lwwSet writes a register if the incoming clock wins, reporting a conflict
// when the superseded write was concurrent.
func lwwSet(field *string, clock *Clock, value string, incoming Clock, vv VersionVector, cellID, name string) (bool, *Conflict) {
	if !incoming.After(*clock) {
		return false, conflictIf(vv, *clock, incoming, *clock, cellID, name)
	}
	conflict := conflictIf(vv, incoming, *clock, *clock, cellID, name)
	*field = value
	*clock = incoming
	return true, conflict
}

// conflictIf builds a Conflict when the incoming write was concurrent with
// the one already in place. existing is the register's clock before this op;
// the sender's vector always covers the sender's own op, so concurrency is
// probed against the existing clock — if the sender had seen it, the write
// is a causal overwrite, not a conflict. The probe is the same whichever
// side wins, so both replicas of a concurrent pair report the identical
// resolution.
func conflictIf(vv VersionVector, winner, loser, existing Clock, cellID, field string) *Conflict {
	if existing.IsZero() || vv.Covers(existing) {
		return nil
	}
	return &Conflict{CellID: cellID, Field: field, Winner: winner, Loser: loser}
}

// ordered returns copies of all live cells in document order.
func (d *document) ordered() []Cell {
	out := make([]Cell, 0, len(d.cells))
	for _, c := range d.cells {
		cp := *c
		cp.Outputs = append([]string(nil), c.Outputs...)
		cp.Appends = append([]OutputEntry(nil), c.Appends...)
		if len(cp.Outputs) == 0 {
			cp.Outputs = nil
		}
		if len(cp.Appends) == 0 {
			cp.Appends = nil
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pos != out[j].Pos {
			return out[i].Pos < out[j].Pos
		}
		return out[i].ID < out[j].ID
	})
	return out
}
