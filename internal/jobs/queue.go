package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/harbr/internal/database"
	"github.com/odvcencio/harbr/internal/models"
)

const (
	defaultRetryDelay = 5 * time.Second
	defaultMaxRetries = 3
	maxRetryDelay     = 10 * time.Minute
)

// Queue persists maintenance jobs and status transitions in the database.
type Queue struct {
	db          database.DB
	retryDelay  time.Duration
	maxAttempts int
	jobType     models.MaintenanceJobType
}

type QueueOptions struct {
	RetryDelay  time.Duration
	MaxAttempts int
	JobType     models.MaintenanceJobType
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetries
	}
	jobType := opts.JobType
	if jobType == "" {
		jobType = models.MaintenanceJobTypeGC
	}
	return &Queue{
		db:          db,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		jobType:     jobType,
	}
}

// Enqueue schedules maintenance for repo. Repeated pushes collapse into one pending job.
func (q *Queue) Enqueue(ctx context.Context, repo *models.Repository) (*models.MaintenanceJob, error) {
	if repo == nil || repo.ID == 0 {
		return nil, fmt.Errorf("repository is required")
	}
	job := &models.MaintenanceJob{
		RepoID:        repo.ID,
		RepoName:      repo.Name,
		JobType:       q.jobType,
		Status:        models.MaintenanceJobQueued,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := q.db.EnqueueMaintenanceJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Claim(ctx context.Context) (*models.MaintenanceJob, error) {
	return q.db.ClaimMaintenanceJob(ctx)
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	return q.db.CompleteMaintenanceJob(ctx, jobID, models.MaintenanceJobCompleted, "")
}

func (q *Queue) Fail(ctx context.Context, jobID int64, runErr error) error {
	return q.db.CompleteMaintenanceJob(ctx, jobID, models.MaintenanceJobFailed, failureMessage(runErr))
}

// RetryOrFail requeues job with exponential backoff, or fails it once its attempts are used up.
func (q *Queue) RetryOrFail(ctx context.Context, job *models.MaintenanceJob, runErr error) error {
	if job == nil {
		return fmt.Errorf("maintenance job is nil")
	}
	message := failureMessage(runErr)
	if attemptsExhausted(job) {
		return q.db.CompleteMaintenanceJob(ctx, job.ID, models.MaintenanceJobFailed, message)
	}
	nextAttempt := time.Now().UTC().Add(q.backoff(job.AttemptCount))
	return q.db.RequeueMaintenanceJob(ctx, job.ID, message, nextAttempt)
}

func attemptsExhausted(job *models.MaintenanceJob) bool {
	return job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.retryDelay
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

// Status returns the job for repoID, or nil when none was ever queued.
func (q *Queue) Status(ctx context.Context, repoID int64) (*models.MaintenanceJob, error) {
	return q.db.GetMaintenanceJobStatus(ctx, repoID, q.jobType)
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
