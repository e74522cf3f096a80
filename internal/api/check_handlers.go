package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/odvcencio/harbr/internal/gitinterop"
)

type checkRequest struct {
	URL string `json:"url"`
}

// handleCheck reports whether a URL is served by a git server.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		jsonError(w, "url is required", http.StatusBadRequest)
		return
	}
	result, err := s.checker.Check(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, gitinterop.ErrSpawnFailed) {
			s.logger.Error("remote check failed", "error", err)
			jsonError(w, "git is unavailable", http.StatusInternalServerError)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, http.StatusOK, result)
}
