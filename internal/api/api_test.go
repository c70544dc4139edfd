package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/starford/slabsync/internal/connectivity"
	"github.com/starford/slabsync/internal/indicator"
	"github.com/starford/slabsync/internal/localstore"
	"github.com/starford/slabsync/internal/models"
	"github.com/starford/slabsync/internal/outbox"
	"github.com/starford/slabsync/internal/remote"
	"github.com/starford/slabsync/internal/syncengine"
	"github.com/starford/slabsync/internal/testutil"
)

// backend is a fake remote API that records every write it receives.
type backend struct {
	mu     sync.Mutex
	writes []string
	status int
	list   string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(b.list))
		return
	}
	b.writes = append(b.writes, r.Method+" "+r.URL.Path)
	if b.status != 0 {
		w.WriteHeader(b.status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type env struct {
	router  http.Handler
	backend *backend
	net     *connectivity.Monitor
	store   *localstore.Store
}

func testEnv(t *testing.T, token string) *env {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	be := &backend{list: `[]`}
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	conn := testutil.TestDB(t)
	store, err := localstore.New(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	ob, err := outbox.New(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	mon := connectivity.NewMonitor(true, logger)
	eng := syncengine.New(conn, store, ob, remote.New(remote.Config{BaseURL: srv.URL}), mon, syncengine.WithLogger(logger))
	t.Cleanup(eng.Wait)
	ind := indicator.New(eng, nil, logger)

	return &env{
		router:  NewRouter(ind, eng, store, token != "", token, nil),
		backend: be,
		net:     mon,
		store:   store,
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestSubmitThenSync(t *testing.T) {
	e := testEnv(t, "")
	e.net.Set(false)

	w := e.do(t, http.MethodPost, "/mutations", SubmitRequest{
		Kind:      models.MutationUpdate,
		Endpoint:  "/inventory/s-1",
		Payload:   json.RawMessage(`{"status":"reserved"}`),
		Partition: models.PartitionInventory,
		EntityID:  "s-1",
		Record:    &RecordInput{StoreID: "st-1", Status: "reserved"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit = %d %s", w.Code, w.Body.String())
	}
	if seq := decode[SubmitResponse](t, w).Seq; seq <= 0 {
		t.Errorf("seq = %d", seq)
	}

	st := decode[indicator.Status](t, e.do(t, http.MethodGet, "/status", nil))
	if st.Online || st.Pending != 1 {
		t.Errorf("status = %+v", st)
	}

	res := decode[syncengine.Result](t, e.do(t, http.MethodPost, "/sync", nil))
	if res.Synced != 0 || res.Failed != 0 {
		t.Errorf("offline sync = %+v", res)
	}

	e.net.Set(true)
	res = decode[syncengine.Result](t, e.do(t, http.MethodPost, "/sync", nil))
	if res.Synced != 1 {
		t.Errorf("online sync = %+v", res)
	}
	if len(e.backend.writes) != 1 || e.backend.writes[0] != "PUT /inventory/s-1" {
		t.Errorf("backend writes = %v", e.backend.writes)
	}
	st = decode[indicator.Status](t, e.do(t, http.MethodGet, "/status", nil))
	if st.Pending != 0 || st.LastResult == nil || st.LastResult.Synced != 1 {
		t.Errorf("status after sync = %+v", st)
	}
}

func TestSubmit_Validation(t *testing.T) {
	e := testEnv(t, "")
	cases := []any{
		SubmitRequest{Kind: "merge", Endpoint: "/x"},
		SubmitRequest{Kind: models.MutationCreate, Endpoint: "/x", Partition: "quarries"},
		SubmitRequest{Kind: models.MutationCreate, Endpoint: "/x", Partition: models.PartitionParties, Record: &RecordInput{}},
	}
	for i, body := range cases {
		if w := e.do(t, http.MethodPost, "/mutations", body); w.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d %s", i, w.Code, w.Body.String())
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/mutations", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", w.Code)
	}
}

func TestOutbox_ListAndDiscardRejected(t *testing.T) {
	e := testEnv(t, "")
	e.backend.status = http.StatusConflict
	for _, id := range []string{"o-1", "o-2"} {
		e.do(t, http.MethodPost, "/mutations", SubmitRequest{Kind: models.MutationUpdate, Endpoint: "/orders/" + id})
	}

	res := decode[syncengine.Result](t, e.do(t, http.MethodPost, "/sync", nil))
	if res.Failed != 2 || len(res.Rejected) != 2 {
		t.Fatalf("result = %+v", res)
	}

	list := decode[OutboxResponse](t, e.do(t, http.MethodGet, "/outbox", nil))
	if list.Total != 2 || list.Mutations[0].Seq >= list.Mutations[1].Seq {
		t.Fatalf("outbox = %+v", list)
	}

	seq := list.Mutations[0].Seq
	path := "/outbox/" + itoa(seq)
	if w := e.do(t, http.MethodDelete, path, nil); w.Code != http.StatusOK {
		t.Fatalf("discard = %d", w.Code)
	}
	if w := e.do(t, http.MethodDelete, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("second discard = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/outbox/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad seq = %d, want 400", w.Code)
	}
	st := decode[indicator.Status](t, e.do(t, http.MethodGet, "/status", nil))
	if st.Pending != 1 || len(st.Rejected) != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestCache_ReadFilterRefreshClear(t *testing.T) {
	e := testEnv(t, "")
	e.backend.list = `{"data":[
		{"id":"s-1","storeId":"st-1","status":"available","category":"marble"},
		{"id":"s-2","storeId":"st-1","status":"sold","category":"granite"},
		{"id":"s-3","storeId":"st-2","status":"available","category":"marble"}]}`

	w := e.do(t, http.MethodPost, "/cache/inventory/refresh", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", w.Code, w.Body.String())
	}
	if res := decode[syncengine.RefreshResult](t, w); res.Stored != 3 {
		t.Errorf("refresh result = %+v", res)
	}

	all := decode[RecordListResponse](t, e.do(t, http.MethodGet, "/cache/inventory", nil))
	if all.Total != 3 {
		t.Errorf("total = %d", all.Total)
	}
	filtered := decode[RecordListResponse](t, e.do(t, http.MethodGet, "/cache/inventory?store_id=st-1&status=available", nil))
	if filtered.Total != 1 || filtered.Records[0].ID != "s-1" {
		t.Errorf("filtered = %+v", filtered)
	}

	rec := decode[models.Record](t, e.do(t, http.MethodGet, "/cache/inventory/s-3", nil))
	if rec.StoreID != "st-2" || rec.Category != "marble" {
		t.Errorf("record = %+v", rec)
	}
	if w := e.do(t, http.MethodGet, "/cache/inventory/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing record = %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/cache/quarries", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown partition = %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/cache/orders?status=open", nil); w.Code != http.StatusBadRequest {
		t.Errorf("filter on unindexed partition = %d", w.Code)
	}

	if w := e.do(t, http.MethodDelete, "/cache/inventory", nil); w.Code != http.StatusNoContent {
		t.Errorf("clear = %d", w.Code)
	}
	if n, _ := e.store.Count(context.Background(), models.PartitionInventory); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
}

func TestRefresh_OfflineIs503(t *testing.T) {
	e := testEnv(t, "")
	e.net.Set(false)
	if w := e.do(t, http.MethodPost, "/cache/parties/refresh", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestAuth(t *testing.T) {
	e := testEnv(t, "secret")

	if w := e.do(t, http.MethodGet, "/status", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d", w.Code)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
