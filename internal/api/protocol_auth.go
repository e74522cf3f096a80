package api

import (
	"errors"
	"net/http"

	"github.com/odvcencio/harbr/internal/auth"
	"github.com/odvcencio/harbr/internal/models"
)

const basicChallenge = `Basic realm="harbr", charset="UTF-8"`

var errAuthRequired = errors.New("authentication required")

// authorizeProtocolRepoAccess lets anyone read public repositories and requires
// credentials for pushes and private repositories when auth is enabled.
func (s *Server) authorizeProtocolRepoAccess(w http.ResponseWriter, r *http.Request, repo *models.Repository, write bool) (int, error) {
	if !s.opts.AuthEnabled {
		return http.StatusOK, nil
	}
	claims, err := s.requestClaims(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", basicChallenge)
		return http.StatusUnauthorized, auth.ErrInvalidCredentials
	}

	// Anonymous read is allowed for public repos.
	if !write && !repo.IsPrivate {
		return http.StatusOK, nil
	}
	if claims == nil {
		w.Header().Set("WWW-Authenticate", basicChallenge)
		return http.StatusUnauthorized, errAuthRequired
	}
	return http.StatusOK, nil
}

// requestClaims returns the caller's identity from a bearer token already validated by
// auth.Middleware, or from basic credentials. It returns nil claims for anonymous requests.
func (s *Server) requestClaims(r *http.Request) (*auth.Claims, error) {
	if claims := auth.GetClaims(r.Context()); claims != nil {
		return claims, nil
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}
	return s.authSvc.AuthenticateBasic(username, password)
}

// canSeePrivate reports whether the caller may see private repositories.
func (s *Server) canSeePrivate(r *http.Request) bool {
	if !s.opts.AuthEnabled {
		return true
	}
	claims, err := s.requestClaims(r)
	return err == nil && claims != nil
}
