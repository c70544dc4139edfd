package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/slabsync/internal/indicator"
	"github.com/starford/slabsync/internal/localstore"
	"github.com/starford/slabsync/internal/syncengine"
)

// NewRouter creates a chi router with all API routes mounted.
// sseHandler, if non-nil, is mounted at GET /events behind the same auth.
func NewRouter(ind *indicator.Indicator, engine *syncengine.Engine, store *localstore.Store, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(ind, engine, store)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/status", h.Status)
	r.Post("/sync", h.SyncNow)

	r.Get("/outbox", h.ListOutbox)
	r.Delete("/outbox/{seq}", h.DiscardMutation)
	r.Post("/mutations", h.SubmitMutation)

	r.Route("/cache/{partition}", func(r chi.Router) {
		r.Get("/", h.ListCached)
		r.Delete("/", h.ClearCache)
		r.Post("/refresh", h.RefreshCache)
		r.Get("/{id}", h.GetCached)
	})

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
