package localstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/starford/slabsync/internal/db"
	"github.com/starford/slabsync/internal/models"
)

// MarkRefreshed records at as the last successful refresh of p.
func (s *Store) MarkRefreshed(ctx context.Context, p models.Partition, at time.Time) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	return s.markRefreshed(ctx, s.conn, p, at)
}

func (s *Store) markRefreshed(ctx context.Context, ex db.Execer, p models.Partition, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO cache_meta (partition, refreshed_at) VALUES (?, ?)
		ON CONFLICT(partition) DO UPDATE SET refreshed_at = excluded.refreshed_at
	`, p, at.UTC())
	return storageErr("localstore: mark refreshed", err)
}

// LastRefreshed returns the last refresh time of p; ok is false when p was
// never refreshed (or was cleared since).
func (s *Store) LastRefreshed(ctx context.Context, p models.Partition) (at time.Time, ok bool, err error) {
	if err := checkPartition(p); err != nil {
		return time.Time{}, false, err
	}
	err = s.conn.QueryRowContext(ctx, `SELECT refreshed_at FROM cache_meta WHERE partition = ?`, p).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storageErr("localstore: last refreshed", err)
	}
	return at, true, nil
}

// IsStale reports whether p needs a refresh. A never-refreshed partition is
// always stale; a non-positive ttl never expires.
func (s *Store) IsStale(ctx context.Context, p models.Partition, ttl time.Duration) (bool, error) {
	at, ok, err := s.LastRefreshed(ctx, p)
	if err != nil || !ok {
		return true, err
	}
	if ttl <= 0 {
		return false, nil
	}
	return s.now().Sub(at) > ttl, nil
}

// Refresh upserts recs and stamps p as refreshed at at, atomically.
func (s *Store) Refresh(ctx context.Context, p models.Partition, recs []models.Record, at time.Time) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	err := db.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		return s.RefreshTx(ctx, tx, p, recs, at)
	})
	return storageErr("localstore: refresh", err)
}

// RefreshTx is Refresh against an existing transaction.
func (s *Store) RefreshTx(ctx context.Context, ex db.Execer, p models.Partition, recs []models.Record, at time.Time) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := s.put(ctx, ex, p, rec); err != nil {
			return err
		}
	}
	return s.markRefreshed(ctx, ex, p, at)
}
