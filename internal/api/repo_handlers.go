package api

import (
	"net/http"
	"strings"

	"github.com/odvcencio/harbr/internal/models"
	"github.com/odvcencio/harbr/internal/service"
)

type createRepoRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsPrivate   bool     `json:"is_private"`
	Language    string   `json:"language"`
	Topics      []string `json:"topics"`
}

type updateRepoRequest struct {
	Description *string   `json:"description"`
	IsPrivate   *bool     `json:"is_private"`
	Language    *string   `json:"language"`
	Topics      *[]string `json:"topics"`
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}

	repo, err := s.registry.Create(r.Context(), service.CreateRepoParams{
		Name:        req.Name,
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
		Language:    req.Language,
		Topics:      req.Topics,
	})
	if err != nil {
		s.logger.Warn("create repository failed", "repo", req.Name, "error", err)
		writeRepoError(w, err)
		return
	}
	s.logger.Info("repository created", "repo", repo.Name, "id", repo.ID)
	jsonResponse(w, http.StatusCreated, repo)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := models.RepoListQuery{
		Q:        query.Get("q"),
		Type:     query.Get("type"),
		Language: query.Get("language"),
		Sort:     query.Get("sort"),
	}
	if q.Type != "" && !models.IsRepoType(q.Type) {
		jsonError(w, "invalid type query parameter", http.StatusBadRequest)
		return
	}
	if q.Sort != "" && !models.IsRepoSort(q.Sort) {
		jsonError(w, "invalid sort query parameter", http.StatusBadRequest)
		return
	}
	page, perPage, ok := parsePagination(w, r)
	if !ok {
		return
	}
	q.Limit = perPage
	q.Offset = (page - 1) * perPage

	if !s.canSeePrivate(r) {
		if q.Type == models.RepoTypePrivate {
			jsonResponse(w, http.StatusOK, []models.Repository{})
			return
		}
		q.Type = models.RepoTypePublic
	}

	repos, err := s.registry.List(r.Context(), q)
	if err != nil {
		s.logger.Error("list repositories failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if repos == nil {
		repos = []models.Repository{}
	}
	jsonResponse(w, http.StatusOK, repos)
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.visibleRepo(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, repo)
}

func (s *Server) handleUpdateRepo(w http.ResponseWriter, r *http.Request) {
	var req updateRepoRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Description == nil && req.IsPrivate == nil && req.Language == nil && req.Topics == nil {
		jsonError(w, "no fields to update", http.StatusBadRequest)
		return
	}
	repo, err := s.registry.Update(r.Context(), r.PathValue("name"), models.RepoUpdate{
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
		Language:    req.Language,
		Topics:      req.Topics,
	})
	if err != nil {
		writeRepoError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Delete(r.Context(), name); err != nil {
		s.logger.Warn("delete repository failed", "repo", name, "error", err)
		writeRepoError(w, err)
		return
	}
	s.logger.Info("repository deleted", "repo", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRepoMaintenance(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.visibleRepo(w, r)
	if !ok {
		return
	}
	if s.opts.Maintenance == nil {
		jsonError(w, "maintenance is disabled", http.StatusNotFound)
		return
	}
	job, err := s.opts.Maintenance.Status(r.Context(), repo.ID)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if job == nil {
		jsonError(w, "no maintenance scheduled", http.StatusNotFound)
		return
	}
	jsonResponse(w, http.StatusOK, job)
}

// visibleRepo resolves the active repository in the path and hides private ones from
// anonymous callers.
func (s *Server) visibleRepo(w http.ResponseWriter, r *http.Request) (*models.Repository, bool) {
	repo, err := s.registry.Lookup(r.Context(), r.PathValue("name"))
	if err != nil {
		writeRepoError(w, err)
		return nil, false
	}
	if repo.IsPrivate && !s.canSeePrivate(r) {
		jsonError(w, "repository not found", http.StatusNotFound)
		return nil, false
	}
	return repo, true
}
