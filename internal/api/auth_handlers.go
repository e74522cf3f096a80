package api

import (
	"net/http"
	"time"
)

type tokenResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleIssueToken exchanges basic credentials for a bearer token.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", basicChallenge)
		jsonError(w, "basic credentials required", http.StatusUnauthorized)
		return
	}
	claims, err := s.authSvc.AuthenticateBasic(username, password)
	if err != nil {
		w.Header().Set("WWW-Authenticate", basicChallenge)
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := s.authSvc.GenerateToken(claims.Username)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	issued, err := s.authSvc.ValidateToken(token)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, tokenResponse{
		Token:     token,
		Username:  claims.Username,
		ExpiresAt: issued.ExpiresAt.Time.UTC(),
	})
}
