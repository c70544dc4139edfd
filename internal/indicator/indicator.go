// Package indicator is the read/trigger surface the UI uses: online state,
// pending count, last drain outcome and the manual "sync now" action.
package indicator

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/starford/slabsync/internal/models"
	"github.com/starford/slabsync/internal/sse"
	"github.com/starford/slabsync/internal/syncengine"
)

// Engine is the subset of the sync engine the indicator drives.
type Engine interface {
	IsOnline() bool
	Syncing() bool
	PendingCount(ctx context.Context) (int, error)
	SyncPendingMutations(ctx context.Context) (syncengine.Result, error)
	Submit(ctx context.Context, m models.Mutation, optimistic *models.Record) (int64, error)
	Discard(ctx context.Context, seq int64) (*models.Mutation, error)
	Refresh(ctx context.Context, p models.Partition) (syncengine.RefreshResult, error)
	OnDrain(fn func(syncengine.Result, error))
}

// Connectivity announces online transitions.
type Connectivity interface {
	Subscribe(onOnline, onOffline func()) func()
}

// Notifier receives events for connected clients. Notify marks the event
// as a status change; Publish broadcasts it without one.
type Notifier interface {
	Notify(eventType string, data any)
	Publish(ev sse.Event)
}

// Status is the snapshot shown by the UI indicator.
type Status struct {
	Online     bool               `json:"online"`
	Pending    int                `json:"pending"`
	Syncing    bool               `json:"syncing"`
	LastResult *syncengine.Result `json:"last_result,omitempty"`
	LastSyncAt *time.Time         `json:"last_sync_at,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
	// Rejected lists queued seqs the server refused in the last drain and
	// that have not been discarded since.
	Rejected []int64 `json:"rejected"`
}

// Indicator keeps only what the display needs: the last drain outcome.
type Indicator struct {
	engine   Engine
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	last     *syncengine.Result
	lastAt   time.Time
	lastErr  string
	rejected []int64
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, any) {}
func (nopNotifier) Publish(sse.Event)  {}

// New builds an Indicator and registers it as a drain observer.
func New(engine Engine, notifier Notifier, logger *slog.Logger) *Indicator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ind := &Indicator{engine: engine, notifier: notifier, logger: logger, now: time.Now}
	engine.OnDrain(ind.recordDrain)
	return ind
}

func (ind *Indicator) recordDrain(res syncengine.Result, err error) {
	ind.mu.Lock()
	idle := err == nil && res.Synced == 0 && res.Failed == 0 &&
		ind.lastErr == "" && len(ind.rejected) == 0
	r := res
	ind.last = &r
	ind.lastAt = ind.now().UTC()
	ind.lastErr = ""
	if err != nil {
		ind.lastErr = err.Error()
	}
	ind.rejected = slices.Clone(res.Rejected)
	ind.mu.Unlock()

	data := map[string]any{"synced": res.Synced, "failed": res.Failed, "rejected": res.Rejected}
	if err != nil {
		data["error"] = err.Error()
	}
	if idle {
		// Nothing was sent and nothing was pending before: no status change.
		ind.notifier.Publish(sse.Event{Type: sse.TypeSyncCompleted, Data: data})
		return
	}
	ind.notifier.Notify(sse.TypeSyncCompleted, data)
}

// Watch forwards connectivity transitions to the notifier until the
// returned function is called.
func (ind *Indicator) Watch(net Connectivity) func() {
	return net.Subscribe(
		func() { ind.notifier.Notify(sse.TypeOnline, map[string]bool{"online": true}) },
		func() { ind.notifier.Notify(sse.TypeOffline, map[string]bool{"online": false}) },
	)
}

// Status returns the current snapshot.
func (ind *Indicator) Status(ctx context.Context) (Status, error) {
	pending, err := ind.engine.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Online:  ind.engine.IsOnline(),
		Pending: pending,
		Syncing: ind.engine.Syncing(),
	}

	ind.mu.Lock()
	defer ind.mu.Unlock()
	if ind.last != nil {
		r := *ind.last
		at := ind.lastAt
		st.LastResult = &r
		st.LastSyncAt = &at
	}
	st.LastError = ind.lastErr
	st.Rejected = slices.Clone(ind.rejected)
	if st.Rejected == nil {
		st.Rejected = []int64{}
	}
	return st, nil
}

// SyncNow runs a drain and returns its counts. A zero result while online
// means another drain was already running.
func (ind *Indicator) SyncNow(ctx context.Context) (syncengine.Result, error) {
	return ind.engine.SyncPendingMutations(ctx)
}

// Submit queues a local write and announces it.
func (ind *Indicator) Submit(ctx context.Context, m models.Mutation, optimistic *models.Record) (int64, error) {
	seq, err := ind.engine.Submit(ctx, m, optimistic)
	if err != nil {
		return 0, err
	}
	ind.notifier.Notify(sse.TypeMutationQueued, map[string]any{
		"seq":       seq,
		"kind":      m.Kind,
		"partition": m.Partition,
		"entity_id": m.EntityID,
	})
	return seq, nil
}

// Discard drops a queued mutation on user request.
func (ind *Indicator) Discard(ctx context.Context, seq int64) (*models.Mutation, error) {
	m, err := ind.engine.Discard(ctx, seq)
	if err != nil {
		return nil, err
	}
	ind.mu.Lock()
	ind.rejected = slices.DeleteFunc(ind.rejected, func(s int64) bool { return s == seq })
	ind.mu.Unlock()

	ind.logger.Info("indicator: mutation discarded", slog.Int64("seq", seq))
	ind.notifier.Notify(sse.TypeMutationDiscarded, map[string]any{"seq": seq, "endpoint": m.Endpoint})
	return m, nil
}

// Refresh reloads one cache partition from the server and announces it.
func (ind *Indicator) Refresh(ctx context.Context, p models.Partition) (syncengine.RefreshResult, error) {
	res, err := ind.engine.Refresh(ctx, p)
	if err != nil {
		return res, err
	}
	ind.notifier.Notify(sse.TypeCacheRefreshed, res)
	return res, nil
}
