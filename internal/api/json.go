package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/slabsync/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps the error taxonomy onto HTTP statuses. Unexpected errors
// are logged and reported as a generic failure.
func writeError(w http.ResponseWriter, op string, err error) {
	var de *apperr.DispatchError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrUnknownPartition),
		errors.Is(err, apperr.ErrUnsupportedIndex),
		errors.Is(err, apperr.ErrInvalidRecord),
		errors.Is(err, apperr.ErrInvalidMutation):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrOffline):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("offline"))
	case errors.As(err, &de):
		slog.Warn("api: remote call failed", slog.String("op", op), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	default:
		slog.Error("api: "+op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
