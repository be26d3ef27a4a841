// Package store is the durable snapshot boundary: latest snapshot per
// notebook identity, nothing more. Rooms are the only callers.
package store

import (
	"context"
	"errors"

	"collabnb/syncd/crdt"
)

// ErrNotFound means no snapshot has been persisted for the identity. The
// room starts from an empty document in that case.
var ErrNotFound = errors.New("snapshot not found")

// Store persists one snapshot per notebook identity. Save overwrites; Load
// returns ErrNotFound for unknown identities. Implementations must be safe
// for concurrent use by independent rooms.
type Store interface {
	Load(ctx context.Context, identity string) (crdt.Snapshot, error)
	Save(ctx context.Context, identity string, snap crdt.Snapshot) error
	Close() error
}
