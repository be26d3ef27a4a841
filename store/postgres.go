package store

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabnb/syncd/crdt"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS notebook_snapshots (
	identity   text PRIMARY KEY,
	data       bytea NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// PostgresStore keeps snapshots in a notebook_snapshots table, one row per
// identity. Used when a database URL is configured; several daemons can then
// share durable state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database and ensures the snapshot table exists.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, snapshotSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, identity string) (crdt.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM notebook_snapshots WHERE identity = $1`, identity,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return crdt.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return crdt.Snapshot{}, fmt.Errorf("load snapshot %q: %w", identity, err)
	}
	snap, err := crdt.DecodeSnapshot(data)
	if err != nil {
		log.Printf("[store] corrupt snapshot for %q: %v", identity, err)
		return crdt.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *PostgresStore) Save(ctx context.Context, identity string, snap crdt.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot %q: %w", identity, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO notebook_snapshots (identity, data, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (identity) DO UPDATE SET data = $2, updated_at = now()`,
		identity, data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", identity, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
