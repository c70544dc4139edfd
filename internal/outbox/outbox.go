// Package outbox is the durable, strictly ordered queue of writes that the
// remote API has not confirmed yet.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/slabsync/internal/apperr"
	"github.com/starford/slabsync/internal/db"
	"github.com/starford/slabsync/internal/models"
)

// AUTOINCREMENT keeps seq strictly increasing and never reuses a removed id.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS outbox (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	kind            TEXT NOT NULL,
	method          TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	payload         TEXT,
	partition       TEXT NOT NULL DEFAULT '',
	entity_id       TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	enqueued_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_enqueued_at ON outbox(enqueued_at);
CREATE INDEX IF NOT EXISTS idx_outbox_kind ON outbox(kind);
`

const selectCols = `seq, kind, method, endpoint, payload, partition, entity_id, idempotency_key, enqueued_at`

// Outbox is the SQLite-backed pending-mutation queue. Entries are never
// reordered, coalesced or modified after enqueue.
type Outbox struct {
	conn *sql.DB
	now  func() time.Time
}

// New applies the outbox schema to conn and returns an Outbox.
func New(ctx context.Context, conn *sql.DB) (*Outbox, error) {
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("outbox: apply schema: %w", err)
	}
	return &Outbox{conn: conn, now: time.Now}, nil
}

// Normalize fills defaults on m and validates it. The returned copy is what
// Enqueue persists (apart from the assigned seq).
func (o *Outbox) Normalize(m models.Mutation) (models.Mutation, error) {
	if !m.Kind.Valid() {
		return m, fmt.Errorf("%w: unknown kind %q", apperr.ErrInvalidMutation, m.Kind)
	}
	if m.Method == "" {
		m.Method = m.Kind.DefaultMethod()
	}
	m.Method = strings.ToUpper(m.Method)
	switch m.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return m, fmt.Errorf("%w: method %q is not a write verb", apperr.ErrInvalidMutation, m.Method)
	}
	if !strings.HasPrefix(m.Endpoint, "/") {
		return m, fmt.Errorf("%w: endpoint %q must be an absolute path", apperr.ErrInvalidMutation, m.Endpoint)
	}
	if m.Partition != "" && !m.Partition.Valid() {
		return m, fmt.Errorf("%w: %q", apperr.ErrUnknownPartition, m.Partition)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return m, fmt.Errorf("%w: payload is not valid JSON", apperr.ErrInvalidMutation)
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = o.now()
	}
	m.EnqueuedAt = m.EnqueuedAt.UTC()
	m.Seq = 0
	return m, nil
}

// Enqueue appends m and returns its assigned sequence id.
func (o *Outbox) Enqueue(ctx context.Context, m models.Mutation) (int64, error) {
	return o.EnqueueTx(ctx, o.conn, m)
}

// EnqueueTx is Enqueue against an existing transaction.
func (o *Outbox) EnqueueTx(ctx context.Context, ex db.Execer, m models.Mutation) (int64, error) {
	m, err := o.Normalize(m)
	if err != nil {
		return 0, err
	}
	var payload any
	if len(m.Payload) > 0 {
		payload = string(m.Payload)
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO outbox (kind, method, endpoint, payload, partition, entity_id, idempotency_key, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Kind, m.Method, m.Endpoint, payload, m.Partition, m.EntityID, m.IdempotencyKey, m.EnqueuedAt)
	if err != nil {
		return 0, apperr.Storage("outbox: enqueue", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Storage("outbox: enqueue", err)
	}
	return seq, nil
}

// ListAll returns every pending mutation in ascending enqueue order.
func (o *Outbox) ListAll(ctx context.Context) ([]models.Mutation, error) {
	return o.ListAllTx(ctx, o.conn)
}

// ListAllTx is ListAll against an existing transaction.
func (o *Outbox) ListAllTx(ctx context.Context, ex db.Execer) ([]models.Mutation, error) {
	rows, err := ex.QueryContext(ctx, `SELECT `+selectCols+` FROM outbox ORDER BY seq ASC`)
	if err != nil {
		return nil, apperr.Storage("outbox: list", err)
	}
	defer rows.Close()

	out := []models.Mutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, apperr.Storage("outbox: scan", err)
		}
		out = append(out, m)
	}
	return out, apperr.Storage("outbox: list", rows.Err())
}

// Get returns one pending mutation or apperr.ErrNotFound.
func (o *Outbox) Get(ctx context.Context, seq int64) (*models.Mutation, error) {
	row := o.conn.QueryRowContext(ctx, `SELECT `+selectCols+` FROM outbox WHERE seq = ?`, seq)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("outbox: get", err)
	}
	return &m, nil
}

// Count returns the number of pending mutations.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var n int
	err := o.conn.QueryRowContext(ctx, `SELECT count(*) FROM outbox`).Scan(&n)
	return n, apperr.Storage("outbox: count", err)
}

// Remove deletes one entry. Removing an absent seq is a no-op.
func (o *Outbox) Remove(ctx context.Context, seq int64) error {
	return o.RemoveTx(ctx, o.conn, seq)
}

// RemoveTx is Remove against an existing transaction.
func (o *Outbox) RemoveTx(ctx context.Context, ex db.Execer, seq int64) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq)
	return apperr.Storage("outbox: remove", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(sc scanner) (models.Mutation, error) {
	var (
		m         models.Mutation
		payload   sql.NullString
		partition string
	)
	err := sc.Scan(&m.Seq, &m.Kind, &m.Method, &m.Endpoint, &payload, &partition, &m.EntityID, &m.IdempotencyKey, &m.EnqueuedAt)
	if err != nil {
		return models.Mutation{}, err
	}
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	m.Partition = models.Partition(partition)
	return m, nil
}
