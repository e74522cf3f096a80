package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/odvcencio/harbr/internal/database"
	"github.com/odvcencio/harbr/internal/gitinterop"
	"github.com/odvcencio/harbr/internal/models"
	"github.com/odvcencio/harbr/internal/repolock"
)

// CreateRepoParams describes a repository to create.
type CreateRepoParams struct {
	Name        string
	Description string
	IsPrivate   bool
	Language    string
	Topics      []string
}

// RepoRegistry maps repository names to records and owns their bare repositories on disk.
type RepoRegistry struct {
	db       database.DB
	locks    *repolock.Table
	git      *gitinterop.Toolchain
	basePath string

	// mu serialises the existence check and creation of names.
	mu sync.Mutex
}

func NewRepoRegistry(db database.DB, locks *repolock.Table, git *gitinterop.Toolchain, basePath string) *RepoRegistry {
	return &RepoRegistry{db: db, locks: locks, git: git, basePath: basePath}
}

// StoragePath returns where the bare repository for name lives.
func (r *RepoRegistry) StoragePath(name string) string {
	return filepath.Join(r.basePath, name)
}

// Create initialises a bare repository and records it as active. On any failure after the
// directory was created the directory is removed and no record is left behind.
func (r *RepoRegistry) Create(ctx context.Context, p CreateRepoParams) (*models.Repository, error) {
	if err := gitinterop.ValidateName(p.Name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.GetRepository(ctx, p.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", gitinterop.ErrAlreadyExists, p.Name)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check repo: %w", err)
	}
	dir := r.StoragePath(p.Name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s exists on disk", gitinterop.ErrAlreadyExists, p.Name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat repo dir: %w", err)
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	guard, err := r.locks.AcquireWrite(ctx, p.Name)
	if err != nil {
		return nil, fmt.Errorf("lock repo: %w", err)
	}
	defer guard.Release()

	if err := r.git.InitBare(ctx, dir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	repo := &models.Repository{
		Name:        p.Name,
		Description: p.Description,
		IsPrivate:   p.IsPrivate,
		Language:    p.Language,
		Topics:      p.Topics,
		Active:      true,
		StoragePath: dir,
	}
	if err := r.db.CreateRepository(ctx, repo); err != nil {
		os.RemoveAll(dir)
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", gitinterop.ErrAlreadyExists, p.Name)
		}
		return nil, fmt.Errorf("create repo: %w", err)
	}
	return repo, nil
}

// Lookup returns the active record for name.
func (r *RepoRegistry) Lookup(ctx context.Context, name string) (*models.Repository, error) {
	repo, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !repo.Active {
		return nil, fmt.Errorf("%w: %s", gitinterop.ErrInactive, name)
	}
	return repo, nil
}

// Get returns the record for name whether or not it is active.
func (r *RepoRegistry) Get(ctx context.Context, name string) (*models.Repository, error) {
	if err := gitinterop.ValidateName(name); err != nil {
		return nil, err
	}
	repo, err := r.db.GetRepository(ctx, name)
	if err != nil {
		return nil, notFound(name, err)
	}
	return repo, nil
}

func (r *RepoRegistry) List(ctx context.Context, q models.RepoListQuery) ([]models.Repository, error) {
	repos, err := r.db.ListRepositories(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	// Repositories being deleted stay hidden.
	return slices.DeleteFunc(repos, func(repo models.Repository) bool { return !repo.Active }), nil
}

// Update changes repository metadata. Inactive repositories cannot be updated.
func (r *RepoRegistry) Update(ctx context.Context, name string, u models.RepoUpdate) (*models.Repository, error) {
	if _, err := r.Lookup(ctx, name); err != nil {
		return nil, err
	}
	repo, err := r.db.UpdateRepository(ctx, name, u)
	if err != nil {
		return nil, notFound(name, err)
	}
	return repo, nil
}

// Deactivate hides the repository from new sessions. Sessions already holding a guard finish.
func (r *RepoRegistry) Deactivate(ctx context.Context, name string) error {
	if err := gitinterop.ValidateName(name); err != nil {
		return err
	}
	if err := r.db.SetRepositoryActive(ctx, name, false); err != nil {
		return notFound(name, err)
	}
	return nil
}

// Delete deactivates the repository, waits until no session holds it, then removes the
// directory and the record.
func (r *RepoRegistry) Delete(ctx context.Context, name string) error {
	repo, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := r.Deactivate(ctx, name); err != nil {
		return err
	}

	guard, err := r.locks.AcquireWrite(ctx, name)
	if err != nil {
		return fmt.Errorf("lock repo: %w", err)
	}
	defer guard.Release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.RemoveAll(repo.StoragePath); err != nil {
		return fmt.Errorf("remove repo dir: %w", err)
	}
	if err := r.db.DeleteRepository(ctx, name); err != nil {
		return notFound(name, err)
	}
	return nil
}

func notFound(name string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", gitinterop.ErrNotFound, name)
	}
	return fmt.Errorf("repo %s: %w", name, err)
}
