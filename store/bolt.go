package store

import (
	"context"
	"fmt"
	"log"

	bolt "go.etcd.io/bbolt"

	"collabnb/syncd/crdt"
)

var snapshotBucket = []byte("snapshots")

// BoltStore keeps snapshots in a single bbolt file, keyed by notebook
// identity. It is the default store when no database URL is configured.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the snapshot database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context, identity string) (crdt.Snapshot, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get([]byte(identity))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return crdt.Snapshot{}, fmt.Errorf("load snapshot %q: %w", identity, err)
	}
	if data == nil {
		return crdt.Snapshot{}, ErrNotFound
	}
	snap, err := crdt.DecodeSnapshot(data)
	if err != nil {
		// A corrupt snapshot must not take the room down; start fresh.
		log.Printf("[store] corrupt snapshot for %q: %v", identity, err)
		return crdt.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *BoltStore) Save(ctx context.Context, identity string, snap crdt.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot %q: %w", identity, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(identity), data)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", identity, err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
