package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/slabsync/internal/apperr"
	"github.com/starford/slabsync/internal/connectivity"
	"github.com/starford/slabsync/internal/localstore"
	"github.com/starford/slabsync/internal/models"
	"github.com/starford/slabsync/internal/outbox"
	"github.com/starford/slabsync/internal/testutil"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    []models.Mutation
	fetches  []string
	dispatch func(models.Mutation) ([]byte, error)
	fetch    func(string) ([]byte, error)
}

func (f *fakeAPI) Dispatch(_ context.Context, m models.Mutation) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, m)
	fn := f.dispatch
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(m)
}

func (f *fakeAPI) Fetch(_ context.Context, endpoint string) ([]byte, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, endpoint)
	fn := f.fetch
	f.mu.Unlock()
	if fn == nil {
		return []byte(`[]`), nil
	}
	return fn(endpoint)
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	engine *Engine
	store  *localstore.Store
	outbox *outbox.Outbox
	api    *fakeAPI
	net    *connectivity.Monitor
}

func newEnv(t *testing.T, online bool, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	conn := testutil.TestDB(t)
	store, err := localstore.New(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	ob, err := outbox.New(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	api := &fakeAPI{}
	mon := connectivity.NewMonitor(online, logger)
	opts = append([]Option{WithLogger(logger)}, opts...)
	e := New(conn, store, ob, api, mon, opts...)
	t.Cleanup(e.Wait)
	return &testEnv{engine: e, store: store, outbox: ob, api: api, net: mon}
}

func (env *testEnv) enqueue(t *testing.T, ids ...string) []int64 {
	t.Helper()
	var seqs []int64
	for _, id := range ids {
		seq, err := env.outbox.Enqueue(context.Background(), models.Mutation{
			Kind:      models.MutationUpdate,
			Endpoint:  "/inventory/" + id,
			Payload:   json.RawMessage(`{"status":"reserved"}`),
			Partition: models.PartitionInventory,
			EntityID:  id,
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

func serverError(status int) error {
	return &apperr.DispatchError{Status: status, Err: errors.New(http.StatusText(status))}
}

func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestSync_PartialFailureIsolation(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	seqs := env.enqueue(t, "s-1", "s-2", "s-3")
	env.api.dispatch = func(m models.Mutation) ([]byte, error) {
		if m.Seq == seqs[1] {
			return nil, serverError(http.StatusInternalServerError)
		}
		return nil, nil
	}

	res, err := env.engine.SyncPendingMutations(ctx)
	if err != nil {
		t.Fatalf("SyncPendingMutations: %v", err)
	}
	if res.Synced != 2 || res.Failed != 1 || len(res.Rejected) != 0 {
		t.Errorf("result = %+v, want {2 1}", res)
	}
	left, _ := env.outbox.ListAll(ctx)
	if len(left) != 1 || left[0].Seq != seqs[1] {
		t.Errorf("outbox = %v, want only seq %d", left, seqs[1])
	}
	if env.api.callCount() != 3 {
		t.Errorf("dispatched %d, want 3", env.api.callCount())
	}
}

func TestSync_DispatchesInEnqueueOrder(t *testing.T) {
	env := newEnv(t, true)
	seqs := env.enqueue(t, "s-1", "s-1", "s-2", "s-1")
	if _, err := env.engine.SyncPendingMutations(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, m := range env.api.calls {
		if m.Seq != seqs[i] {
			t.Fatalf("call %d seq = %d, want %d", i, m.Seq, seqs[i])
		}
	}
}

func TestSync_OfflineGuard(t *testing.T) {
	env := newEnv(t, false)
	ctx := context.Background()
	env.enqueue(t, "s-1", "s-2")

	res, err := env.engine.SyncPendingMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want zero", res)
	}
	if env.api.callCount() != 0 {
		t.Errorf("network called %d times while offline", env.api.callCount())
	}
	if n, _ := env.outbox.Count(ctx); n != 2 {
		t.Errorf("outbox count = %d, want 2", n)
	}
}

func TestSync_AtMostOneActiveDrain(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	env.enqueue(t, "s-1", "s-2")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.api.dispatch = func(models.Mutation) ([]byte, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, nil
	}

	first := make(chan Result, 1)
	go func() {
		res, _ := env.engine.SyncPendingMutations(ctx)
		first <- res
	}()
	<-entered
	if !env.engine.Syncing() {
		t.Error("Syncing should be true during a drain")
	}

	second, err := env.engine.SyncPendingMutations(ctx)
	if err != nil || second.Synced != 0 || second.Failed != 0 {
		t.Errorf("second drain = %+v, %v, want zero", second, err)
	}
	close(release)

	if res := <-first; res.Synced != 2 {
		t.Errorf("first drain synced %d, want 2", res.Synced)
	}
	if env.api.callCount() != 2 {
		t.Errorf("dispatched %d, want 2 (no double dispatch)", env.api.callCount())
	}
	if env.engine.Syncing() {
		t.Error("flag not cleared")
	}
}

func TestSync_SnapshotExcludesLateEnqueues(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	env.enqueue(t, "s-1")
	env.api.dispatch = func(m models.Mutation) ([]byte, error) {
		if m.EntityID == "s-1" {
			env.enqueue(t, "s-2")
		}
		return nil, nil
	}
	res, _ := env.engine.SyncPendingMutations(ctx)
	if res.Synced != 1 {
		t.Errorf("synced = %d, want 1", res.Synced)
	}
	left, _ := env.outbox.ListAll(ctx)
	if len(left) != 1 || left[0].EntityID != "s-2" {
		t.Errorf("late mutation should wait for the next drain: %v", left)
	}
}

func TestSync_RejectedStaysQueuedUntilDiscarded(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	seqs := env.enqueue(t, "s-1", "s-2")
	env.api.dispatch = func(m models.Mutation) ([]byte, error) {
		if m.Seq == seqs[1] {
			return nil, serverError(http.StatusConflict)
		}
		return nil, nil
	}

	res, _ := env.engine.SyncPendingMutations(ctx)
	if len(res.Rejected) != 1 || res.Rejected[0] != seqs[1] || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	res, _ = env.engine.SyncPendingMutations(ctx)
	if res.Failed != 1 {
		t.Errorf("rejected mutation should be retried, result = %+v", res)
	}

	m, err := env.engine.Discard(ctx, seqs[1])
	if err != nil || m.Seq != seqs[1] {
		t.Fatalf("Discard = %v, %v", m, err)
	}
	if n, _ := env.engine.PendingCount(ctx); n != 0 {
		t.Errorf("pending = %d after discard", n)
	}
	if _, err := env.engine.Discard(ctx, seqs[1]); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second discard err = %v, want ErrNotFound", err)
	}
}

func TestSync_AuthFailureHookOncePerDrain(t *testing.T) {
	var hooks atomic.Int32
	env := newEnv(t, true, WithAuthFailureHook(func(err error) {
		if !errors.Is(err, apperr.ErrUnauthorized) {
			t.Errorf("hook err = %v", err)
		}
		hooks.Add(1)
	}))
	env.enqueue(t, "s-1", "s-2")
	env.api.dispatch = func(models.Mutation) ([]byte, error) {
		return nil, serverError(http.StatusUnauthorized)
	}

	res, _ := env.engine.SyncPendingMutations(context.Background())
	if res.Failed != 2 {
		t.Errorf("failed = %d, want 2", res.Failed)
	}
	if hooks.Load() != 1 {
		t.Errorf("hook called %d times, want 1", hooks.Load())
	}
}

func TestSync_StorageFailureAbortsAndClearsFlag(t *testing.T) {
	ctx := context.Background()
	conn := testutil.TestDB(t)
	store, _ := localstore.New(ctx, conn)
	ob, _ := outbox.New(ctx, conn)
	mon := connectivity.NewMonitor(true, nil)
	e := New(conn, store, ob, &fakeAPI{}, mon, WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))

	var observed error
	e.OnDrain(func(_ Result, err error) { observed = err })
	conn.Close()

	_, err := e.SyncPendingMutations(ctx)
	if !apperr.IsStorage(err) {
		t.Fatalf("err = %v, want StorageError", err)
	}
	if observed == nil {
		t.Error("observers should see the storage failure")
	}
	if e.Syncing() {
		t.Error("flag must be cleared after an aborted drain")
	}
}

func TestAttach_WhileOnlineDrainsExactlyOnce(t *testing.T) {
	env := newEnv(t, true)
	env.enqueue(t, "s-1", "s-2")

	var drains atomic.Int32
	env.engine.OnDrain(func(Result, error) { drains.Add(1) })

	detach := env.engine.Attach(context.Background())
	defer detach()
	env.engine.Wait()

	if drains.Load() != 1 {
		t.Errorf("drains = %d, want 1", drains.Load())
	}
	if env.api.callCount() != 2 {
		t.Errorf("dispatched %d, want 2", env.api.callCount())
	}
}

func TestAttach_ReconnectTriggersDrain(t *testing.T) {
	env := newEnv(t, false)
	env.enqueue(t, "s-1")

	var drains atomic.Int32
	env.engine.OnDrain(func(Result, error) { drains.Add(1) })

	detach := env.engine.Attach(context.Background())
	env.engine.Wait()
	if drains.Load() != 0 {
		t.Fatalf("attaching offline drained %d times", drains.Load())
	}

	env.net.Set(true)
	env.engine.Wait()
	if drains.Load() != 1 || env.api.callCount() != 1 {
		t.Errorf("drains=%d calls=%d, want 1/1", drains.Load(), env.api.callCount())
	}

	detach()
	env.net.Set(false)
	env.net.Set(true)
	env.engine.Wait()
	if drains.Load() != 1 {
		t.Errorf("detached engine drained again: %d", drains.Load())
	}
}

func TestTrigger_OutlivesCallerContext(t *testing.T) {
	env := newEnv(t, true)
	env.enqueue(t, "s-1")
	ctx, cancel := context.WithCancel(context.Background())
	env.engine.Trigger(ctx)
	cancel()
	env.engine.Wait()
	if n, _ := env.outbox.Count(context.Background()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestLoop_DrainsPeriodically(t *testing.T) {
	env := newEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Loop(ctx, 10*time.Millisecond) }()

	env.enqueue(t, "s-1")
	eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		n, _ := env.outbox.Count(context.Background())
		return n == 0
	}, "loop did not drain the outbox")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Loop returned %v", err)
	}
	if err := env.engine.Loop(context.Background(), 0); err == nil {
		t.Error("zero interval should be rejected")
	}
}

func TestSubmit_OptimisticWriteAndReconcile(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()

	seq, err := env.engine.Submit(ctx, models.Mutation{
		Kind:      models.MutationUpdate,
		Endpoint:  "/inventory/s-1",
		Payload:   json.RawMessage(`{"status":"reserved"}`),
		Partition: models.PartitionInventory,
		EntityID:  "s-1",
	}, &models.Record{StoreID: "st-1", Status: "reserved", Payload: json.RawMessage(`{"status":"reserved"}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec, err := env.store.GetByID(ctx, models.PartitionInventory, "s-1")
	if err != nil || rec.Status != "reserved" {
		t.Fatalf("optimistic record = %+v, %v", rec, err)
	}
	if m, _ := env.outbox.Get(ctx, seq); m == nil {
		t.Fatal("mutation not queued")
	}

	env.api.dispatch = func(models.Mutation) ([]byte, error) {
		return []byte(`{"id":"s-1","storeId":"st-1","status":"sold","category":"marble"}`), nil
	}
	if _, err := env.engine.SyncPendingMutations(ctx); err != nil {
		t.Fatal(err)
	}
	rec, _ = env.store.GetByID(ctx, models.PartitionInventory, "s-1")
	if rec.Status != "sold" || rec.Category != "marble" {
		t.Errorf("reconciled record = %+v", rec)
	}
}

func TestSubmit_ServerAssignedIDReplacesOptimisticRecord(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()

	_, err := env.engine.Submit(ctx, models.Mutation{
		Kind:      models.MutationCreate,
		Endpoint:  "/inventory",
		Payload:   json.RawMessage(`{"status":"available"}`),
		Partition: models.PartitionInventory,
		EntityID:  "tmp-1",
	}, &models.Record{StoreID: "st-1", Status: "available"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	env.api.dispatch = func(models.Mutation) ([]byte, error) {
		return []byte(`{"id":"srv-42","storeId":"st-1","status":"available"}`), nil
	}
	if _, err := env.engine.SyncPendingMutations(ctx); err != nil {
		t.Fatal(err)
	}

	recs, err := env.store.GetAll(ctx, models.PartitionInventory)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "srv-42" {
		t.Fatalf("cached records = %+v, want only srv-42", recs)
	}
	if _, err := env.store.GetByID(ctx, models.PartitionInventory, "tmp-1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetByID(tmp-1) err = %v, want ErrNotFound", err)
	}
}

func TestSubmit_NoContentKeepsOptimisticRecord(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	_, err := env.engine.Submit(ctx, models.Mutation{
		Kind:      models.MutationCreate,
		Endpoint:  "/parties",
		Partition: models.PartitionParties,
		EntityID:  "p-1",
	}, &models.Record{StoreID: "st-1", Category: "buyer"})
	if err != nil {
		t.Fatal(err)
	}
	res, _ := env.engine.SyncPendingMutations(ctx)
	if res.Synced != 1 {
		t.Fatalf("result = %+v", res)
	}
	rec, err := env.store.GetByID(ctx, models.PartitionParties, "p-1")
	if err != nil || rec.Category != "buyer" {
		t.Errorf("record = %+v, %v", rec, err)
	}
}

func TestSubmit_DeleteRemovesCachedRecord(t *testing.T) {
	env := newEnv(t, false)
	ctx := context.Background()
	_ = env.store.Put(ctx, models.PartitionInventory, models.Record{ID: "s-9", StoreID: "st-1"})

	_, err := env.engine.Submit(ctx, models.Mutation{
		Kind:      models.MutationDelete,
		Endpoint:  "/inventory/s-9",
		Partition: models.PartitionInventory,
		EntityID:  "s-9",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.GetByID(ctx, models.PartitionInventory, "s-9"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetByID err = %v, want ErrNotFound", err)
	}
	all, _ := env.outbox.ListAll(ctx)
	if len(all) != 1 || all[0].Method != http.MethodDelete {
		t.Errorf("outbox = %+v", all)
	}
}

func TestSubmit_InvalidOptimisticRecordQueuesNothing(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	_, err := env.engine.Submit(ctx, models.Mutation{
		Kind:      models.MutationCreate,
		Endpoint:  "/inventory",
		Partition: models.PartitionInventory,
	}, &models.Record{StoreID: "st-1"})
	if !errors.Is(err, apperr.ErrInvalidRecord) {
		t.Fatalf("err = %v, want ErrInvalidRecord", err)
	}
	if n, _ := env.outbox.Count(ctx); n != 0 {
		t.Errorf("outbox count = %d, want 0", n)
	}

	_, err = env.engine.Submit(ctx, models.Mutation{Kind: models.MutationCreate, Endpoint: "/x"}, &models.Record{ID: "a"})
	if !errors.Is(err, apperr.ErrInvalidMutation) {
		t.Errorf("partitionless optimistic err = %v", err)
	}
}

func TestSubmit_DrainOnSubmit(t *testing.T) {
	env := newEnv(t, true, WithDrainOnSubmit(true))
	ctx := context.Background()
	if _, err := env.engine.Submit(ctx, models.Mutation{Kind: models.MutationCreate, Endpoint: "/payments"}, nil); err != nil {
		t.Fatal(err)
	}
	env.engine.Wait()
	if env.api.callCount() != 1 {
		t.Errorf("dispatched %d, want 1", env.api.callCount())
	}
}
