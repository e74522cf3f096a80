package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odvcencio/harbr/internal/gitinterop"
	"github.com/odvcencio/harbr/internal/models"
	"github.com/odvcencio/harbr/internal/repolock"
)

// RepoResolver returns the active record for a repository name.
type RepoResolver interface {
	Lookup(ctx context.Context, name string) (*models.Repository, error)
}

// NewGCProcessor returns a JobProcessor that runs `git gc --auto` while holding the
// repository's write guard. Jobs for deleted or inactive repositories succeed without work.
func NewGCProcessor(repos RepoResolver, locks *repolock.Table, git *gitinterop.Toolchain, logger *slog.Logger) JobProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *models.MaintenanceJob) error {
		repo, err := repos.Lookup(ctx, job.RepoName)
		if errors.Is(err, gitinterop.ErrNotFound) || errors.Is(err, gitinterop.ErrInactive) {
			logger.Info("skipping maintenance for unavailable repository", "job_id", job.ID, "repo", job.RepoName, "reason", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve %s: %w", job.RepoName, err)
		}

		guard, err := locks.AcquireWrite(ctx, repo.Name)
		if err != nil {
			return fmt.Errorf("lock %s: %w", repo.Name, err)
		}
		defer guard.Release()

		start := time.Now()
		if err := git.GC(ctx, repo.StoragePath); err != nil {
			return fmt.Errorf("gc %s: %w", repo.Name, err)
		}
		logger.Debug("repository maintenance completed", "job_id", job.ID, "repo", repo.Name, "duration", time.Since(start))
		return nil
	}
}

// EnqueueAfterPush adapts q to the smart HTTP handler's post-push hook.
func EnqueueAfterPush(q *Queue, logger *slog.Logger) func(context.Context, *models.Repository, []gitinterop.RefUpdate) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, repo *models.Repository, updates []gitinterop.RefUpdate) {
		if _, err := q.Enqueue(ctx, repo); err != nil {
			logger.Warn("enqueue repository maintenance failed", "repo", repo.Name, "ref_updates", len(updates), "error", err)
		}
	}
}
