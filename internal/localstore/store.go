package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starford/slabsync/internal/apperr"
	"github.com/starford/slabsync/internal/checksum"
	"github.com/starford/slabsync/internal/db"
	"github.com/starford/slabsync/internal/models"
)

// Store is the SQLite-backed record cache. Records are overwritten, never
// merged, on every write.
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// Filter narrows a partition read. Empty fields match everything.
type Filter struct {
	StoreID  string
	Status   string
	Category string
}

var indexColumns = map[models.Index]string{
	models.IndexStore:    "store_id",
	models.IndexStatus:   "status",
	models.IndexCategory: "category",
	models.IndexType:     "category",
}

// New applies the cache schema to conn and returns a Store.
func New(ctx context.Context, conn *sql.DB) (*Store, error) {
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("localstore: apply schema: %w", err)
	}
	return &Store{conn: conn, now: time.Now}, nil
}

func checkPartition(p models.Partition) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", apperr.ErrUnknownPartition, p)
	}
	return nil
}

// storageErr wraps untyped failures as StorageError and passes domain
// validation errors through.
func storageErr(op string, err error) error {
	if err == nil || apperr.IsStorage(err) || errors.Is(err, apperr.ErrInvalidRecord) {
		return err
	}
	return apperr.Storage(op, err)
}

// GetAll returns every record of partition p ordered by id.
func (s *Store) GetAll(ctx context.Context, p models.Partition) ([]models.Record, error) {
	return s.Find(ctx, p, Filter{})
}

// GetByID returns one record or apperr.ErrNotFound.
func (s *Store) GetByID(ctx context.Context, p models.Partition, id string) (*models.Record, error) {
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM cached_records WHERE partition = ? AND id = ?`, p, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("localstore: get", err)
	}
	return &rec, nil
}

// Find returns the records of p matching every non-empty filter field.
// Filters other than the zero value require an indexed partition.
func (s *Store) Find(ctx context.Context, p models.Partition, f Filter) ([]models.Record, error) {
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	where := []string{"partition = ?"}
	args := []any{p}
	for _, c := range []struct{ col, val string }{
		{"store_id", f.StoreID},
		{"status", f.Status},
		{"category", f.Category},
	} {
		if c.val == "" {
			continue
		}
		if !p.Indexed() {
			return nil, fmt.Errorf("%w: %s has no secondary indexes", apperr.ErrUnsupportedIndex, p)
		}
		where = append(where, c.col+" = ?")
		args = append(args, c.val)
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+selectCols+` FROM cached_records WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, apperr.Storage("localstore: find", err)
	}
	defer rows.Close()

	out := []models.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Storage("localstore: scan", err)
		}
		out = append(out, rec)
	}
	return out, apperr.Storage("localstore: find", rows.Err())
}

// Lookup reads p through a single secondary index.
func (s *Store) Lookup(ctx context.Context, p models.Partition, idx models.Index, value string) ([]models.Record, error) {
	col, ok := indexColumns[idx]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnsupportedIndex, idx)
	}
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	if !p.Indexed() {
		return nil, fmt.Errorf("%w: %s has no secondary indexes", apperr.ErrUnsupportedIndex, p)
	}
	var f Filter
	switch col {
	case "store_id":
		f.StoreID = value
	case "status":
		f.Status = value
	default:
		f.Category = value
	}
	return s.Find(ctx, p, f)
}

// Count returns the number of records cached in p.
func (s *Store) Count(ctx context.Context, p models.Partition) (int, error) {
	if err := checkPartition(p); err != nil {
		return 0, err
	}
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM cached_records WHERE partition = ?`, p).Scan(&n)
	return n, apperr.Storage("localstore: count", err)
}

// Put upserts rec into p, replacing any previous version as a whole.
func (s *Store) Put(ctx context.Context, p models.Partition, rec models.Record) error {
	return s.PutTx(ctx, s.conn, p, rec)
}

// PutTx is Put against an existing transaction.
func (s *Store) PutTx(ctx context.Context, ex db.Execer, p models.Partition, rec models.Record) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	return s.put(ctx, ex, p, rec)
}

// PutMany upserts recs as one unit: either all of them become visible or,
// on any failure, none do.
func (s *Store) PutMany(ctx context.Context, p models.Partition, recs []models.Record) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	err := db.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := s.put(ctx, tx, p, rec); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("localstore: put many", err)
}

func (s *Store) put(ctx context.Context, ex db.Execer, p models.Partition, rec models.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: id is required", apperr.ErrInvalidRecord)
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload of %q is not valid JSON", apperr.ErrInvalidRecord, rec.ID)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO cached_records (partition, id, store_id, status, category, payload, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition, id) DO UPDATE SET
			store_id   = excluded.store_id,
			status     = excluded.status,
			category   = excluded.category,
			payload    = excluded.payload,
			checksum   = excluded.checksum,
			updated_at = excluded.updated_at
	`, p, rec.ID, rec.StoreID, rec.Status, rec.Category, string(payload), checksum.Payload(payload), updated.UTC())
	return apperr.Storage("localstore: put", err)
}

// DeleteByID removes one record. Deleting an absent record is not an error.
func (s *Store) DeleteByID(ctx context.Context, p models.Partition, id string) error {
	return s.DeleteTx(ctx, s.conn, p, id)
}

// DeleteTx is DeleteByID against an existing transaction.
func (s *Store) DeleteTx(ctx context.Context, ex db.Execer, p models.Partition, id string) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	_, err := ex.ExecContext(ctx, `DELETE FROM cached_records WHERE partition = ? AND id = ?`, p, id)
	return apperr.Storage("localstore: delete", err)
}

// Clear drops every record of p together with its refresh timestamp.
func (s *Store) Clear(ctx context.Context, p models.Partition) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	err := db.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_records WHERE partition = ?`, p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cache_meta WHERE partition = ?`, p)
		return err
	})
	return storageErr("localstore: clear", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (models.Record, error) {
	var (
		rec     models.Record
		payload string
	)
	err := sc.Scan(&rec.ID, &rec.StoreID, &rec.Status, &rec.Category, &payload, &rec.Checksum, &rec.UpdatedAt)
	if err != nil {
		return models.Record{}, err
	}
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}
