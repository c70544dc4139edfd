package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/slabsync/internal/indicator"
	"github.com/starford/slabsync/internal/localstore"
	"github.com/starford/slabsync/internal/models"
	"github.com/starford/slabsync/internal/syncengine"
)

// Handler holds API route handlers.
type Handler struct {
	ind    *indicator.Indicator
	engine *syncengine.Engine
	store  *localstore.Store
}

// NewHandler creates a new Handler.
func NewHandler(ind *indicator.Indicator, engine *syncengine.Engine, store *localstore.Store) *Handler {
	return &Handler{ind: ind, engine: engine, store: store}
}

func partitionParam(r *http.Request) models.Partition {
	return models.Partition(chi.URLParam(r, "partition"))
}

// Status handles GET /api/status.
//
//	@Summary		Online state, pending count and last drain outcome
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	indicator.Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.ind.Status(r.Context())
	if err != nil {
		writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SyncNow handles POST /api/sync.
//
//	@Summary		Drain the outbox now
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	syncengine.Result
//	@Failure		500	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.ind.SyncNow(r.Context())
	if err != nil {
		writeError(w, "sync", err)
		return
	}
	if res.Rejected == nil {
		res.Rejected = []int64{}
	}
	writeJSON(w, http.StatusOK, res)
}

// ListOutbox handles GET /api/outbox.
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	ms, err := h.engine.PendingMutations(r.Context())
	if err != nil {
		writeError(w, "list outbox", err)
		return
	}
	writeJSON(w, http.StatusOK, OutboxResponse{Mutations: ms, Total: len(ms)})
}

// DiscardMutation handles DELETE /api/outbox/{seq}.
//
//	@Summary		Drop a queued mutation the server keeps rejecting
//	@Tags			sync
//	@Param			seq	path	int	true	"Mutation seq"
//	@Success		200	{object}	models.Mutation
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/outbox/{seq} [delete]
func (h *Handler) DiscardMutation(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("seq must be a positive integer"))
		return
	}
	m, err := h.ind.Discard(r.Context(), seq)
	if err != nil {
		writeError(w, "discard", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SubmitMutation handles POST /api/mutations.
//
//	@Summary		Queue a write for the remote API
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SubmitRequest	true	"Mutation"
//	@Success		201		{object}	SubmitResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/mutations [post]
func (h *Handler) SubmitMutation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	seq, err := h.ind.Submit(r.Context(), req.mutation(), req.optimistic())
	if err != nil {
		writeError(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{Seq: seq})
}

// ListCached handles GET /api/cache/{partition}.
//
//	@Summary		Read cached records, optionally filtered
//	@Tags			cache
//	@Produce		json
//	@Param			partition	path		string	true	"Partition"
//	@Param			store_id	query		string	false	"Owning store"
//	@Param			status		query		string	false	"Status"
//	@Param			category	query		string	false	"Inventory category or party type"
//	@Success		200			{object}	RecordListResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cache/{partition} [get]
func (h *Handler) ListCached(w http.ResponseWriter, r *http.Request) {
	p := partitionParam(r)
	q := r.URL.Query()
	category := q.Get("category")
	if category == "" {
		category = q.Get("type")
	}
	recs, err := h.store.Find(r.Context(), p, localstore.Filter{
		StoreID:  q.Get("store_id"),
		Status:   q.Get("status"),
		Category: category,
	})
	if err != nil {
		writeError(w, "list cache", err)
		return
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Partition: p, Records: recs, Total: len(recs)})
}

// GetCached handles GET /api/cache/{partition}/{id}.
func (h *Handler) GetCached(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetByID(r.Context(), partitionParam(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get cache", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RefreshCache handles POST /api/cache/{partition}/refresh.
func (h *Handler) RefreshCache(w http.ResponseWriter, r *http.Request) {
	res, err := h.ind.Refresh(r.Context(), partitionParam(r))
	if err != nil {
		writeError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClearCache handles DELETE /api/cache/{partition}.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearCache(r.Context(), partitionParam(r)); err != nil {
		writeError(w, "clear cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
