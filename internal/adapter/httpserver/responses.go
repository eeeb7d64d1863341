// Package httpserver contains the broker's HTTP handlers and middleware.
//
// It exposes the job store over a small JSON API: create, fetch, atomic
// claim, and the idempotent terminal transitions. HTTP concerns stay here;
// queue semantics live in the repository.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/openclaw/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{"detail": err.Error()})
}
