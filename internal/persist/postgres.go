package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/regiongc/internal/world"
)

// PostgresStore keeps flags in the chunk_flags table so several hosts can
// share one audit trail.
type PostgresStore struct {
	db *DB
}

func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, ns Namespace, c world.ChunkCoord) (world.VisitFlag, error) {
	var f int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT flag FROM chunk_flags
		 WHERE namespace = $1 AND world = $2 AND x = $3 AND z = $4`,
		int16(ns), c.World, c.X, c.Z,
	).Scan(&f)
	if errors.Is(err, pgx.ErrNoRows) {
		return world.FlagDefault, ErrNotFound
	}
	if err != nil {
		return world.FlagDefault, fmt.Errorf("select flag %s %s: %w", ns, c, err)
	}
	return world.VisitFlag(f), nil
}

// PutBatch upserts all records in one transaction.
func (s *PostgresStore) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("flags begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(
			`INSERT INTO chunk_flags (namespace, world, x, z, flag, updated_at)
			 VALUES ($1, $2, $3, $4, $5, now())
			 ON CONFLICT (namespace, world, x, z)
			 DO UPDATE SET flag = EXCLUDED.flag, updated_at = now()`,
			int16(r.NS), r.Chunk.World, r.Chunk.X, r.Chunk.Z, int64(r.Flag),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("flags upsert: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
