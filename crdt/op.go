package crdt

import "errors"

// Errors returned by the engine. A rejected delta is never partially applied.
var (
	// ErrInvalidOperation means an op referenced a cell that does not exist
	// or the op itself is malformed. The submitter should resync.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNotFresh means Restore was called on an engine that already has
	// history. Restore is construction-time only.
	ErrNotFresh = errors.New("engine already has history")
)

// OpKind identifies one kind of document mutation. Merge dispatches on the
// kind through a single function rather than per-kind types.
type OpKind string

const (
	OpInsertCell        OpKind = "insert_cell"
	OpDeleteCell        OpKind = "delete_cell"
	OpMoveCell          OpKind = "move_cell"
	OpSetSource         OpKind = "set_source"
	OpSetCellType       OpKind = "set_cell_type"
	OpSetExecutionCount OpKind = "set_execution_count"
	OpSetOutputs        OpKind = "set_outputs"
	OpAppendOutput      OpKind = "append_output"
	OpClearOutputs      OpKind = "clear_outputs"
	OpSetMetadata       OpKind = "set_metadata"
)

// Op is a single document mutation. Which fields are meaningful depends on
// Kind; unused fields stay at their zero value and are omitted on the wire.
// Clock is stamped by the engine when the op is applied locally and must be
// preserved verbatim when the op travels inside a Delta.
type Op struct {
	Kind     OpKind   `json:"kind"`
	CellID   string   `json:"cell_id,omitempty"`
	CellType string   `json:"cell_type,omitempty"`
	Pos      string   `json:"pos,omitempty"`
	Source   string   `json:"source,omitempty"`
	Count    string   `json:"count,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
	Output   string   `json:"output,omitempty"`
	Key      string   `json:"key,omitempty"`
	Value    string   `json:"value,omitempty"`
	Clock    Clock    `json:"clock"`
}

// Delta is one unit of causally-tagged change, produced by ApplyLocal on one
// replica and consumed by MergeRemote everywhere else. Version is the
// producer's version vector after the delta was applied; the receiver uses it
// to tell concurrent writes from stale ones.
type Delta struct {
	ID      string        `json:"id"`
	Actor   string        `json:"actor"`
	Ops     []Op          `json:"ops"`
	Version VersionVector `json:"version"`
}

// Conflict describes one structural conflict resolved during a merge: two
// writes to the same field of the same cell that neither happened before the
// other. Winner and Loser record the deterministic resolution.
type Conflict struct {
	CellID string `json:"cell_id,omitempty"`
	Field  string `json:"field"`
	Winner Clock  `json:"winner"`
	Loser  Clock  `json:"loser"`
}

// MergeOutcome reports what a MergeRemote call did. Changed is false for
// re-delivered or fully stale deltas, which tells the room not to re-broadcast.
type MergeOutcome struct {
	Changed   bool
	Conflicts []Conflict
}
