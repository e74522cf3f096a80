package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/odvcencio/harbr/internal/gitinterop"
)

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeJSONBody decodes a single JSON object and rejects unknown fields.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, io.EOF):
			jsonError(w, "request body is required", http.StatusBadRequest)
		default:
			jsonError(w, "invalid request body", http.StatusBadRequest)
		}
		return false
	}
	return true
}

func parseOptionalQueryPositiveInt(w http.ResponseWriter, r *http.Request, key, label string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		jsonError(w, "invalid "+label+" query parameter", http.StatusBadRequest)
		return 0, false
	}
	return value, true
}

// writeRepoError maps registry errors to HTTP statuses.
func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gitinterop.ErrInvalidName):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, gitinterop.ErrAlreadyExists):
		jsonError(w, "repository already exists", http.StatusConflict)
	case errors.Is(err, gitinterop.ErrNotFound), errors.Is(err, gitinterop.ErrInactive):
		jsonError(w, "repository not found", http.StatusNotFound)
	case errors.Is(err, gitinterop.ErrInitFailed):
		jsonError(w, "repository init failed", http.StatusInternalServerError)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		jsonError(w, "repository busy", http.StatusServiceUnavailable)
	default:
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
