package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/harbr/internal/models"
)

func openTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	db := openTestSQLite(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSQLiteRepositoryLifecycle(t *testing.T) {
	db := openTestSQLite(t)
	ctx := context.Background()

	repo := &models.Repository{
		Name:        "demo",
		Description: "demo repo",
		Topics:      []string{"git", "http"},
		Active:      true,
		StoragePath: "/srv/repos/demo",
	}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}
	if repo.ID == 0 {
		t.Fatal("expected repository id to be assigned")
	}
	if repo.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be loaded")
	}

	dup := &models.Repository{Name: "demo", Active: true, StoragePath: "/srv/repos/demo"}
	if err := db.CreateRepository(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate create err = %v, want ErrDuplicate", err)
	}

	got, err := db.GetRepository(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if got.StoragePath != "/srv/repos/demo" || !got.Active {
		t.Fatalf("unexpected repository %+v", got)
	}
	if len(got.Topics) != 2 || got.Topics[0] != "git" {
		t.Fatalf("topics = %v, want [git http]", got.Topics)
	}

	desc := "updated"
	private := true
	updated, err := db.UpdateRepository(ctx, "demo", models.RepoUpdate{Description: &desc, IsPrivate: &private})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Description != "updated" || !updated.IsPrivate {
		t.Fatalf("update not applied: %+v", updated)
	}
	if _, err := db.UpdateRepository(ctx, "missing", models.RepoUpdate{Description: &desc}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("update missing err = %v, want sql.ErrNoRows", err)
	}

	if err := db.SetRepositoryActive(ctx, "demo", false); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetRepository(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Fatal("expected repository to be inactive")
	}

	if err := db.DeleteRepository(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetRepository(ctx, "demo"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("get after delete err = %v, want sql.ErrNoRows", err)
	}
	if err := db.DeleteRepository(ctx, "demo"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second delete err = %v, want sql.ErrNoRows", err)
	}
}

func TestSQLiteListRepositoriesFiltersAndPages(t *testing.T) {
	db := openTestSQLite(t)
	ctx := context.Background()

	for i, fixture := range []struct {
		name     string
		private  bool
		language string
	}{
		{"alpha", false, "Go"},
		{"beta", true, "Go"},
		{"gamma", false, "Rust"},
	} {
		r := &models.Repository{
			Name:        fixture.name,
			Description: fmt.Sprintf("repo %d", i),
			IsPrivate:   fixture.private,
			Language:    fixture.language,
			Active:      true,
			StoragePath: "/srv/" + fixture.name,
		}
		if err := db.CreateRepository(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.ListRepositories(ctx, models.RepoListQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	public, err := db.ListRepositories(ctx, models.RepoListQuery{Type: models.RepoTypePublic})
	if err != nil {
		t.Fatal(err)
	}
	if len(public) != 2 {
		t.Fatalf("len(public) = %d, want 2", len(public))
	}

	goRepos, err := db.ListRepositories(ctx, models.RepoListQuery{Language: "Go", Type: models.RepoTypePrivate})
	if err != nil {
		t.Fatal(err)
	}
	if len(goRepos) != 1 || goRepos[0].Name != "beta" {
		t.Fatalf("private Go repos = %+v, want [beta]", goRepos)
	}

	search, err := db.ListRepositories(ctx, models.RepoListQuery{Q: "gam"})
	if err != nil {
		t.Fatal(err)
	}
	if len(search) != 1 || search[0].Name != "gamma" {
		t.Fatalf("search = %+v, want [gamma]", search)
	}

	page, err := db.ListRepositories(ctx, models.RepoListQuery{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Fatalf("len(page) = %d, want 1", len(page))
	}
}

func TestSQLiteMaintenanceJobLifecycle(t *testing.T) {
	db := openTestSQLite(t)
	ctx := context.Background()

	repo := &models.Repository{Name: "demo", Active: true, StoragePath: "/srv/demo"}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}

	job := &models.MaintenanceJob{RepoID: repo.ID, RepoName: repo.Name, MaxAttempts: 2}
	if err := db.EnqueueMaintenanceJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if job.ID == 0 || job.Status != models.MaintenanceJobQueued || job.JobType != models.MaintenanceJobTypeGC {
		t.Fatalf("unexpected enqueued job %+v", job)
	}

	// Re-enqueue collapses onto the same row.
	again := &models.MaintenanceJob{RepoID: repo.ID, RepoName: repo.Name}
	if err := db.EnqueueMaintenanceJob(ctx, again); err != nil {
		t.Fatal(err)
	}
	if again.ID != job.ID {
		t.Fatalf("re-enqueue id = %d, want %d", again.ID, job.ID)
	}

	claimed, err := db.ClaimMaintenanceJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v, want job %d", claimed, job.ID)
	}
	if claimed.Status != models.MaintenanceJobInProgress || claimed.AttemptCount != 1 || claimed.RepoName != "demo" {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}

	next, err := db.ClaimMaintenanceJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatalf("expected no claimable job, got %+v", next)
	}

	// Enqueue while running leaves the running job alone.
	if err := db.EnqueueMaintenanceJob(ctx, &models.MaintenanceJob{RepoID: repo.ID, RepoName: repo.Name}); err != nil {
		t.Fatal(err)
	}
	status, err := db.GetMaintenanceJobStatus(ctx, repo.ID, models.MaintenanceJobTypeGC)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != models.MaintenanceJobInProgress {
		t.Fatalf("status = %q, want in_progress", status.Status)
	}

	if err := db.RequeueMaintenanceJob(ctx, claimed.ID, "gc exploded", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	claimed, err = db.ClaimMaintenanceJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.AttemptCount != 2 {
		t.Fatalf("second claim = %+v, want attempt 2", claimed)
	}

	// Attempts exhausted: requeue turns terminal.
	if err := db.RequeueMaintenanceJob(ctx, claimed.ID, "gc exploded again", time.Time{}); err != nil {
		t.Fatal(err)
	}
	status, err = db.GetMaintenanceJobStatus(ctx, repo.ID, models.MaintenanceJobTypeGC)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != models.MaintenanceJobFailed || status.LastError != "gc exploded again" {
		t.Fatalf("unexpected terminal job %+v", status)
	}

	stats, err := db.MaintenanceQueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Queued != 0 || stats.InProgress != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := db.CompleteMaintenanceJob(ctx, claimed.ID, models.MaintenanceJobCompleted, ""); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("complete of non-running job err = %v, want sql.ErrNoRows", err)
	}
}

func TestSQLiteMaintenanceJobCompleteAndCascade(t *testing.T) {
	db := openTestSQLite(t)
	ctx := context.Background()

	repo := &models.Repository{Name: "demo", Active: true, StoragePath: "/srv/demo"}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueMaintenanceJob(ctx, &models.MaintenanceJob{RepoID: repo.ID, RepoName: repo.Name}); err != nil {
		t.Fatal(err)
	}
	claimed, err := db.ClaimMaintenanceJob(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim = %+v, %v", claimed, err)
	}
	if err := db.CompleteMaintenanceJob(ctx, claimed.ID, models.MaintenanceJobQueued, ""); err == nil {
		t.Fatal("expected non-terminal status to be rejected")
	}
	if err := db.CompleteMaintenanceJob(ctx, claimed.ID, models.MaintenanceJobCompleted, "ignored"); err != nil {
		t.Fatal(err)
	}
	status, err := db.GetMaintenanceJobStatus(ctx, repo.ID, models.MaintenanceJobTypeGC)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != models.MaintenanceJobCompleted || status.LastError != "" || status.CompletedAt == nil {
		t.Fatalf("unexpected completed job %+v", status)
	}

	if err := db.DeleteRepository(ctx, repo.Name); err != nil {
		t.Fatal(err)
	}
	status, err = db.GetMaintenanceJobStatus(ctx, repo.ID, models.MaintenanceJobTypeGC)
	if err != nil {
		t.Fatal(err)
	}
	if status != nil {
		t.Fatalf("expected job to be removed with its repository, got %+v", status)
	}
}
