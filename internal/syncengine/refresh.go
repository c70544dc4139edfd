package syncengine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/starford/slabsync/internal/apperr"
	"github.com/starford/slabsync/internal/db"
	"github.com/starford/slabsync/internal/models"
)

// RefreshResult reports what a partition refresh wrote.
type RefreshResult struct {
	Partition models.Partition `json:"partition"`
	Stored    int              `json:"stored"`
	// Held counts server records not applied because a queued mutation
	// still targets them.
	Held int `json:"held"`
	// Invalid counts entries without a usable id.
	Invalid int       `json:"invalid"`
	At      time.Time `json:"at"`
}

// Refresh downloads partition p and upserts it into the cache as one unit.
// Records with queued mutations keep their optimistic local version, and
// records missing from the response are left in place.
func (e *Engine) Refresh(ctx context.Context, p models.Partition) (res RefreshResult, err error) {
	res.Partition = p
	if !p.Valid() {
		return res, fmt.Errorf("%w: %q", apperr.ErrUnknownPartition, p)
	}
	if !e.net.IsOnline() {
		return res, apperr.ErrOffline
	}

	ctx, span := e.tracer.Start(ctx, "sync.refresh")
	span.SetAttributes(attribute.String("cache.partition", string(p)))
	defer func() {
		span.SetAttributes(attribute.Int("cache.stored", res.Stored))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := e.api.Fetch(ctx, e.endpoints[p])
	if err != nil {
		return res, err
	}
	recs, invalid, err := decodeRecords(body)
	if err != nil {
		return res, err
	}
	res.Invalid = invalid

	// The held set and the upserts share one transaction so a Submit cannot
	// commit an optimistic write in between.
	at := e.now()
	err = db.WithTx(ctx, e.conn, func(tx *sql.Tx) error {
		held, err := e.pendingTargets(ctx, tx, p)
		if err != nil {
			return err
		}
		res.Held = 0
		keep := make([]models.Record, 0, len(recs))
		for _, r := range recs {
			if held[r.ID] {
				res.Held++
				continue
			}
			r.UpdatedAt = at
			keep = append(keep, r)
		}
		if e.refreshLocked != nil {
			e.refreshLocked()
		}
		if err := e.store.RefreshTx(ctx, tx, p, keep, at); err != nil {
			return err
		}
		res.Stored = len(keep)
		return nil
	})
	if err != nil {
		if !apperr.IsStorage(err) && !errors.Is(err, apperr.ErrInvalidRecord) {
			err = apperr.Storage("sync: refresh", err)
		}
		return res, err
	}
	res.At = at
	e.logger.Info("sync: partition refreshed",
		slog.String("partition", string(p)),
		slog.Int("stored", res.Stored),
		slog.Int("held", res.Held),
		slog.Int("invalid", res.Invalid))
	return res, nil
}

// RefreshStale refreshes every partition older than ttl. Failures are
// logged and do not stop the remaining partitions.
func (e *Engine) RefreshStale(ctx context.Context, ttl time.Duration) []RefreshResult {
	var out []RefreshResult
	for _, p := range models.Partitions {
		stale, err := e.store.IsStale(ctx, p, ttl)
		if err != nil {
			e.logger.Warn("sync: staleness check failed",
				slog.String("partition", string(p)),
				slog.String("error", err.Error()))
			continue
		}
		if !stale {
			continue
		}
		res, err := e.Refresh(ctx, p)
		if err != nil {
			e.logger.Warn("sync: refresh failed",
				slog.String("partition", string(p)),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, res)
	}
	return out
}

func (e *Engine) pendingTargets(ctx context.Context, ex db.Execer, p models.Partition) (map[string]bool, error) {
	pending, err := e.outbox.ListAllTx(ctx, ex)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool)
	for _, m := range pending {
		if m.Partition == p && m.EntityID != "" {
			held[m.EntityID] = true
		}
	}
	return held, nil
}

// decodeRecords accepts a bare JSON array or an object wrapping the array
// under "data". Entries without an id are counted and skipped.
func decodeRecords(body []byte) ([]models.Record, int, error) {
	body = bytes.TrimSpace(body)
	var items []json.RawMessage
	if len(body) > 0 && body[0] == '{' {
		var env struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, 0, fmt.Errorf("%w: decode envelope: %v", apperr.ErrInvalidRecord, err)
		}
		items = env.Data
	} else if err := json.Unmarshal(body, &items); err != nil {
		return nil, 0, fmt.Errorf("%w: decode list: %v", apperr.ErrInvalidRecord, err)
	}

	recs := make([]models.Record, 0, len(items))
	invalid := 0
	for _, raw := range items {
		rec, ok := decodeEntity(raw)
		if !ok || rec.ID == "" {
			invalid++
			continue
		}
		recs = append(recs, rec)
	}
	return recs, invalid, nil
}

// decodeEntity maps one server JSON object onto a Record. ok is false when
// raw is not an object.
func decodeEntity(raw []byte) (models.Record, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return models.Record{}, false
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return models.Record{}, false
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return models.Record{}, false
	}
	return models.Record{
		ID:       firstString(fields, "id", "_id"),
		StoreID:  firstString(fields, "storeId", "store_id"),
		Status:   firstString(fields, "status"),
		Category: firstString(fields, "category", "type"),
		Payload:  json.RawMessage(compact.Bytes()),
	}, true
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
