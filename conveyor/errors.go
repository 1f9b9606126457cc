package conveyor

import (
	"encoding/json"
	"errors"
	"net/http"

	"tangled.sh/tangled.sh/conveyor/conveyor/engine"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

type ApiError struct {
	Tag     string `json:"error"`
	Message string `json:"message"`
}

func (e ApiError) Error() string {
	if e.Message != "" {
		return e.Tag + ": " + e.Message
	}
	return e.Tag
}

// toApiError maps engine and store errors onto a tag and an http status.
func toApiError(err error) (ApiError, int) {
	e := ApiError{Message: err.Error()}

	switch {
	case errors.Is(err, models.ErrNotFound):
		e.Tag = "NotFound"
		return e, http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		e.Tag = "InvalidRequest"
		return e, http.StatusBadRequest
	case errors.Is(err, models.ErrQueueFull), errors.Is(err, engine.ErrShuttingDown):
		e.Tag = "Unavailable"
		return e, http.StatusServiceUnavailable
	case errors.Is(err, models.ErrPersistence):
		e.Tag = "Persistence"
		return e, http.StatusInternalServerError
	default:
		e.Tag = "Internal"
		return e, http.StatusInternalServerError
	}
}

func (s *Conveyor) fail(w http.ResponseWriter, r *http.Request, err error) {
	e, status := toApiError(err)
	if status >= http.StatusInternalServerError {
		s.l.Error("request failed", "path", r.URL.Path, "kind", e.Tag, "error", err)
	} else {
		s.l.Debug("request rejected", "path", r.URL.Path, "kind", e.Tag, "error", err)
	}
	writeError(w, e, status)
}

func writeError(w http.ResponseWriter, e ApiError, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
