package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/harbr/internal/database"
	"github.com/odvcencio/harbr/internal/models"
)

func TestQueueEnqueueClaimAndComplete(t *testing.T) {
	db, repo := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{MaxAttempts: 2})

	ctx := context.Background()
	job, err := q.Enqueue(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == 0 {
		t.Fatal("expected persisted job id")
	}
	if job.Status != models.MaintenanceJobQueued || job.RepoName != repo.Name {
		t.Fatalf("unexpected job %+v", job)
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected claimed job")
	}
	if claimed.ID != job.ID {
		t.Fatalf("expected claimed id %d, got %d", job.ID, claimed.ID)
	}
	if claimed.Status != models.MaintenanceJobInProgress {
		t.Fatalf("expected in_progress status, got %q", claimed.Status)
	}

	if err := q.Complete(ctx, claimed.ID); err != nil {
		t.Fatal(err)
	}
	status, err := q.Status(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status == nil || status.Status != models.MaintenanceJobCompleted {
		t.Fatalf("expected completed status, got %+v", status)
	}
}

func TestQueueCollapsesRepeatedPushes(t *testing.T) {
	db, repo := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one pending job, got ids %d and %d", first.ID, second.ID)
	}
	if second.MaxAttempts != defaultMaxRetries {
		t.Fatalf("max attempts = %d, want %d", second.MaxAttempts, defaultMaxRetries)
	}
}

func TestQueueRetryOrFailTransitions(t *testing.T) {
	db, repo := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{RetryDelay: 5 * time.Millisecond, MaxAttempts: 2})

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, repo); err != nil {
		t.Fatal(err)
	}

	first, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil {
		t.Fatal("expected first claim")
	}
	if err := q.RetryOrFail(ctx, first, errors.New("temporary")); err != nil {
		t.Fatal(err)
	}

	second := claimWithin(t, q, 2*time.Second)
	if second.AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2, got %d", second.AttemptCount)
	}
	if err := q.RetryOrFail(ctx, second, errors.New("terminal")); err != nil {
		t.Fatal(err)
	}

	status, err := q.Status(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status == nil {
		t.Fatal("expected persisted status")
	}
	if status.Status != models.MaintenanceJobFailed {
		t.Fatalf("expected failed status, got %q", status.Status)
	}
	if status.LastError != "terminal" {
		t.Fatalf("expected terminal error message, got %q", status.LastError)
	}
}

func TestQueueBackoffDoublesAndCaps(t *testing.T) {
	q := NewQueue(nil, QueueOptions{RetryDelay: time.Second})
	cases := map[int]time.Duration{
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		40: maxRetryDelay,
	}
	for attempt, want := range cases {
		if got := q.backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestQueueStatusUnknownRepo(t *testing.T) {
	db, _ := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{})
	status, err := q.Status(context.Background(), 9999)
	if err != nil {
		t.Fatal(err)
	}
	if status != nil {
		t.Fatalf("expected nil status, got %+v", status)
	}
}

func claimWithin(t *testing.T, q *Queue, timeout time.Duration) *models.MaintenanceJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := q.Claim(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if job != nil {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a claimable job")
	return nil
}

func setupQueueTestDB(t *testing.T) (database.DB, *models.Repository) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	repo := &models.Repository{
		Name:        "queue-repo",
		Active:      true,
		StoragePath: filepath.Join(t.TempDir(), "queue-repo"),
	}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}
	return db, repo
}
