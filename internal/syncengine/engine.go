// Package syncengine drains the outbox against the remote API and keeps the
// local cache in step with the server.
package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starford/slabsync/internal/apperr"
	"github.com/starford/slabsync/internal/db"
	"github.com/starford/slabsync/internal/localstore"
	"github.com/starford/slabsync/internal/models"
	"github.com/starford/slabsync/internal/outbox"
)

const tracerName = "github.com/starford/slabsync/internal/syncengine"

// API is the subset of the remote client the engine needs.
type API interface {
	Dispatch(ctx context.Context, m models.Mutation) ([]byte, error)
	Fetch(ctx context.Context, endpoint string) ([]byte, error)
}

// Connectivity reports and announces online state.
type Connectivity interface {
	IsOnline() bool
	Subscribe(onOnline, onOffline func()) func()
}

// Result is the outcome of one drain. Rejected lists the seqs of failed
// mutations the server refused outright (409/412/422); they stay queued
// until retried successfully or discarded.
type Result struct {
	Synced   int     `json:"synced"`
	Failed   int     `json:"failed"`
	Rejected []int64 `json:"rejected,omitempty"`
}

// Engine replays the outbox. At most one drain runs at a time.
type Engine struct {
	conn   *sql.DB
	store  *localstore.Store
	outbox *outbox.Outbox
	api    API
	net    Connectivity

	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
	onAuthFailure func(error)
	drainOnSubmit bool
	cacheTTL      time.Duration
	endpoints     map[models.Partition]string

	syncing atomic.Bool
	wg      sync.WaitGroup

	// refreshLocked, when set, runs inside a refresh transaction after the
	// held set is read and before records are written.
	refreshLocked func()

	mu        sync.Mutex
	observers []func(Result, error)
}

// New wires an Engine. conn must be the database store and ob were opened on.
func New(conn *sql.DB, store *localstore.Store, ob *outbox.Outbox, api API, net Connectivity, opts ...Option) *Engine {
	e := &Engine{
		conn:      conn,
		store:     store,
		outbox:    ob,
		api:       api,
		net:       net,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		endpoints: make(map[models.Partition]string, len(models.Partitions)),
	}
	for _, p := range models.Partitions {
		e.endpoints[p] = "/" + string(p)
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnDrain registers fn to receive the result of every drain that ran.
// Skipped calls (offline, already draining) are not reported.
func (e *Engine) OnDrain(fn func(Result, error)) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// Syncing reports whether a drain is in progress.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// IsOnline reports the connectivity snapshot the engine acts on.
func (e *Engine) IsOnline() bool {
	return e.net.IsOnline()
}

// SyncPendingMutations replays every queued mutation once, in order.
//
// It returns a zero Result without touching the network when offline or
// when another drain is already running. Dispatch failures are counted and
// leave the mutation queued; the drain continues with the next one. Only a
// local storage failure aborts the drain, returning the partial Result and
// the error. Once started, a drain is not cancelled by ctx.
func (e *Engine) SyncPendingMutations(ctx context.Context) (Result, error) {
	if !e.net.IsOnline() {
		return Result{}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync: drain already running")
		return Result{}, nil
	}
	defer e.syncing.Store(false)

	res, err := e.drain(context.WithoutCancel(ctx))
	e.notify(res, err)
	return res, err
}

func (e *Engine) drain(ctx context.Context) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "sync.drain")
	defer func() {
		span.SetAttributes(
			attribute.Int("sync.synced", res.Synced),
			attribute.Int("sync.failed", res.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pending, err := e.outbox.ListAll(ctx)
	if err != nil {
		return res, err
	}
	span.SetAttributes(attribute.Int("sync.pending", len(pending)))
	if len(pending) == 0 {
		return res, nil
	}
	e.logger.Info("sync: drain started", slog.Int("pending", len(pending)))

	authNotified := false
	for _, m := range pending {
		body, dErr := e.dispatch(ctx, m)
		if dErr != nil {
			res.Failed++
			if errors.Is(dErr, apperr.ErrRejected) {
				res.Rejected = append(res.Rejected, m.Seq)
			}
			if errors.Is(dErr, apperr.ErrUnauthorized) && !authNotified && e.onAuthFailure != nil {
				authNotified = true
				e.onAuthFailure(dErr)
			}
			e.logger.Warn("sync: dispatch failed",
				slog.Int64("seq", m.Seq),
				slog.String("endpoint", m.Endpoint),
				slog.String("error", dErr.Error()))
			continue
		}
		if err := e.confirm(ctx, m, body); err != nil {
			e.logger.Error("sync: confirm failed",
				slog.Int64("seq", m.Seq),
				slog.String("error", err.Error()))
			return res, err
		}
		res.Synced++
	}

	e.logger.Info("sync: drain finished",
		slog.Int("synced", res.Synced),
		slog.Int("failed", res.Failed),
		slog.Int("rejected", len(res.Rejected)))
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, m models.Mutation) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "sync.dispatch", trace.WithAttributes(
		attribute.Int64("mutation.seq", m.Seq),
		attribute.String("mutation.kind", string(m.Kind)),
		attribute.String("http.request.method", m.Method),
		attribute.String("mutation.endpoint", m.Endpoint),
	))
	defer span.End()

	body, err := e.api.Dispatch(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return body, err
}

// confirm removes a dispatched mutation and, when the server answered with
// the entity, overwrites the cached copy with it. A server-assigned id
// replaces the optimistic entry stored under the local id.
func (e *Engine) confirm(ctx context.Context, m models.Mutation, body []byte) error {
	var rec *models.Record
	if m.Reconcilable() {
		if r, ok := decodeEntity(body); ok {
			if r.ID == "" {
				r.ID = m.EntityID
			}
			r.UpdatedAt = e.now()
			rec = &r
		}
	}
	if rec == nil {
		return e.outbox.Remove(ctx, m.Seq)
	}
	err := db.WithTx(ctx, e.conn, func(tx *sql.Tx) error {
		if err := e.outbox.RemoveTx(ctx, tx, m.Seq); err != nil {
			return err
		}
		if rec.ID != m.EntityID {
			if err := e.store.DeleteTx(ctx, tx, m.Partition, m.EntityID); err != nil {
				return err
			}
		}
		return e.store.PutTx(ctx, tx, m.Partition, *rec)
	})
	if err != nil && !apperr.IsStorage(err) && !errors.Is(err, apperr.ErrInvalidRecord) {
		err = apperr.Storage("sync: confirm", err)
	}
	return err
}

func (e *Engine) notify(res Result, err error) {
	e.mu.Lock()
	obs := append([]func(Result, error){}, e.observers...)
	e.mu.Unlock()
	for _, fn := range obs {
		fn(res, err)
	}
}

// Trigger starts a drain in the background. The drain outlives ctx.
func (e *Engine) Trigger(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.SyncPendingMutations(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("sync: background drain failed", slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until every drain started by Trigger has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Attach subscribes the engine to connectivity transitions: every
// transition to online starts a drain. When already online, exactly one
// drain starts right away. The returned function detaches.
func (e *Engine) Attach(ctx context.Context) func() {
	unsubscribe := e.net.Subscribe(func() { e.Trigger(ctx) }, nil)
	if e.net.IsOnline() {
		e.Trigger(ctx)
	}
	return unsubscribe
}

// Loop drains every interval while online until ctx is cancelled. With a
// cache TTL configured it also refreshes stale partitions after each drain.
func (e *Engine) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sync: loop interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !e.net.IsOnline() {
				continue
			}
			if _, err := e.SyncPendingMutations(ctx); err != nil {
				e.logger.Error("sync: periodic drain failed", slog.String("error", err.Error()))
				continue
			}
			if e.cacheTTL > 0 {
				e.RefreshStale(ctx, e.cacheTTL)
			}
		}
	}
}

// Submit records a local write: the optimistic cache change and the outbox
// append commit together or not at all. For delete mutations the cached
// record is removed; otherwise optimistic, when non-nil, is stored under
// the mutation's partition. Returns the assigned seq.
func (e *Engine) Submit(ctx context.Context, m models.Mutation, optimistic *models.Record) (int64, error) {
	m, err := e.outbox.Normalize(m)
	if err != nil {
		return 0, err
	}
	deleteCached := m.Kind == models.MutationDelete && m.Partition != "" && m.EntityID != ""
	if optimistic != nil && !deleteCached && m.Partition == "" {
		return 0, fmt.Errorf("%w: optimistic record needs a partition", apperr.ErrInvalidMutation)
	}

	var seq int64
	err = db.WithTx(ctx, e.conn, func(tx *sql.Tx) error {
		switch {
		case deleteCached:
			if err := e.store.DeleteTx(ctx, tx, m.Partition, m.EntityID); err != nil {
				return err
			}
		case optimistic != nil:
			rec := *optimistic
			if rec.ID == "" {
				rec.ID = m.EntityID
			}
			if err := e.store.PutTx(ctx, tx, m.Partition, rec); err != nil {
				return err
			}
		}
		var err error
		seq, err = e.outbox.EnqueueTx(ctx, tx, m)
		return err
	})
	if err != nil {
		if apperr.IsStorage(err) || errors.Is(err, apperr.ErrInvalidRecord) ||
			errors.Is(err, apperr.ErrInvalidMutation) || errors.Is(err, apperr.ErrUnknownPartition) {
			return 0, err
		}
		return 0, apperr.Storage("sync: submit", err)
	}

	e.logger.Debug("sync: mutation queued",
		slog.Int64("seq", seq),
		slog.String("kind", string(m.Kind)),
		slog.String("endpoint", m.Endpoint))
	if e.drainOnSubmit && e.net.IsOnline() {
		e.Trigger(ctx)
	}
	return seq, nil
}

// PendingCount returns the number of queued mutations.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.outbox.Count(ctx)
}

// PendingMutations returns the queue in replay order.
func (e *Engine) PendingMutations(ctx context.Context) ([]models.Mutation, error) {
	return e.outbox.ListAll(ctx)
}

// Discard drops a queued mutation on explicit user request and returns it.
// The optimistic cache change it made stays until the next refresh.
func (e *Engine) Discard(ctx context.Context, seq int64) (*models.Mutation, error) {
	m, err := e.outbox.Get(ctx, seq)
	if err != nil {
		return nil, err
	}
	if err := e.outbox.Remove(ctx, seq); err != nil {
		return nil, err
	}
	e.logger.Warn("sync: mutation discarded",
		slog.Int64("seq", seq),
		slog.String("endpoint", m.Endpoint))
	return m, nil
}

// ClearCache drops a partition's cached records and refresh timestamp.
func (e *Engine) ClearCache(ctx context.Context, p models.Partition) error {
	return e.store.Clear(ctx, p)
}
