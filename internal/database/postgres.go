package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/odvcencio/harbr/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	is_private BOOLEAN NOT NULL DEFAULT FALSE,
	language TEXT NOT NULL DEFAULT '',
	topics TEXT NOT NULL DEFAULT '[]',
	stars_count BIGINT NOT NULL DEFAULT 0,
	forks_count BIGINT NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	storage_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE repositories ADD COLUMN IF NOT EXISTS topics TEXT NOT NULL DEFAULT '[]';

CREATE TABLE IF NOT EXISTS maintenance_jobs (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	repo_name TEXT NOT NULL,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	UNIQUE(repo_id, job_type)
);

CREATE INDEX IF NOT EXISTS idx_maintenance_jobs_claim ON maintenance_jobs(status, next_attempt_at, id);
`

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func isPostgresUniqueErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	row := p.db.QueryRowContext(ctx,
		`INSERT INTO repositories (name, description, is_private, language, topics, active, storage_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+repoColumns,
		r.Name, r.Description, r.IsPrivate, r.Language, encodeTopics(r.Topics), r.Active, r.StoragePath)
	loaded, err := scanRepository(row)
	if err != nil {
		if isPostgresUniqueErr(err) {
			return ErrDuplicate
		}
		return err
	}
	*r = *loaded
	return nil
}

func (p *PostgresDB) GetRepository(ctx context.Context, name string) (*models.Repository, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repositories WHERE name = $1`, name)
	return scanRepository(row)
}

func (p *PostgresDB) ListRepositories(ctx context.Context, q models.RepoListQuery) ([]models.Repository, error) {
	tail, args := repoListSQL(q, pgPlaceholder, "ILIKE")
	rows, err := p.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repositories`+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	repos := []models.Repository{}
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

func (p *PostgresDB) UpdateRepository(ctx context.Context, name string, u models.RepoUpdate) (*models.Repository, error) {
	sets, args := repoUpdateSQL(u, pgPlaceholder, 1)
	if sets == "" {
		return p.GetRepository(ctx, name)
	}
	args = append(args, name)
	row := p.db.QueryRowContext(ctx,
		`UPDATE repositories SET `+sets+`, updated_at = NOW() WHERE name = `+pgPlaceholder(len(args))+`
		 RETURNING `+repoColumns, args...)
	return scanRepository(row)
}

func (p *PostgresDB) SetRepositoryActive(ctx context.Context, name string, active bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE repositories SET active = $1, updated_at = NOW() WHERE name = $2`, active, name)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) DeleteRepository(ctx context.Context, name string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM repositories WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Maintenance Jobs ---

func (p *PostgresDB) EnqueueMaintenanceJob(ctx context.Context, job *models.MaintenanceJob) error {
	if job == nil {
		return fmt.Errorf("maintenance job is nil")
	}
	status := job.Status
	if status == "" {
		status = models.MaintenanceJobQueued
	}
	jobType := job.JobType
	if jobType == "" {
		jobType = models.MaintenanceJobTypeGC
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	nextAttemptAt := job.NextAttemptAt
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}

	row := p.db.QueryRowContext(ctx,
		`INSERT INTO maintenance_jobs (
			 repo_id, repo_name, job_type, status, attempt_count, max_attempts, last_error, next_attempt_at
		 ) VALUES ($1, $2, $3, $4, 0, $5, '', $6)
		 ON CONFLICT(repo_id, job_type) DO UPDATE SET
			 status = CASE
				WHEN maintenance_jobs.status = $7 THEN maintenance_jobs.status
				ELSE $8
			 END,
			 attempt_count = CASE
				WHEN maintenance_jobs.status = $7 THEN maintenance_jobs.attempt_count
				ELSE 0
			 END,
			 last_error = CASE
				WHEN maintenance_jobs.status = $7 THEN maintenance_jobs.last_error
				ELSE ''
			 END,
			 next_attempt_at = CASE
				WHEN maintenance_jobs.status = $7 THEN maintenance_jobs.next_attempt_at
				ELSE EXCLUDED.next_attempt_at
			 END,
			 completed_at = CASE
				WHEN maintenance_jobs.status = $7 THEN maintenance_jobs.completed_at
				ELSE NULL
			 END,
			 updated_at = NOW()
		 RETURNING `+maintenanceJobColumns,
		job.RepoID, job.RepoName, jobType, status, maxAttempts, nextAttemptAt,
		models.MaintenanceJobInProgress, models.MaintenanceJobQueued,
	)
	loaded, err := scanMaintenanceJob(row)
	if err != nil {
		return err
	}
	*job = *loaded
	return nil
}

func (p *PostgresDB) ClaimMaintenanceJob(ctx context.Context) (*models.MaintenanceJob, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE maintenance_jobs
		 SET status = $1,
			 attempt_count = attempt_count + 1,
			 started_at = NOW(),
			 completed_at = NULL,
			 updated_at = NOW()
		 WHERE id = (
			 SELECT id
			 FROM maintenance_jobs
			 WHERE status = $2
			   AND next_attempt_at <= NOW()
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+maintenanceJobColumns,
		models.MaintenanceJobInProgress, models.MaintenanceJobQueued,
	)
	job, err := scanMaintenanceJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (p *PostgresDB) CompleteMaintenanceJob(ctx context.Context, jobID int64, status models.MaintenanceJobStatus, errMsg string) error {
	msg, err := failureMessage(errMsg, status)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE maintenance_jobs
		 SET status = $1,
			 last_error = $2,
			 completed_at = NOW(),
			 updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		status, msg, jobID, models.MaintenanceJobInProgress,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) RequeueMaintenanceJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE maintenance_jobs
		 SET status = CASE
				 WHEN attempt_count >= max_attempts THEN $1
				 ELSE $2
			 END,
			 last_error = $3,
			 next_attempt_at = CASE
				 WHEN attempt_count >= max_attempts THEN next_attempt_at
				 ELSE $4
			 END,
			 started_at = NULL,
			 completed_at = CASE
				 WHEN attempt_count >= max_attempts THEN NOW()
				 ELSE NULL
			 END,
			 updated_at = NOW()
		 WHERE id = $5 AND status = $6`,
		models.MaintenanceJobFailed, models.MaintenanceJobQueued, trimmedErr, nextAttemptAt, jobID, models.MaintenanceJobInProgress,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) GetMaintenanceJobStatus(ctx context.Context, repoID int64, jobType models.MaintenanceJobType) (*models.MaintenanceJob, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+maintenanceJobColumns+`
		 FROM maintenance_jobs
		 WHERE repo_id = $1 AND job_type = $2
		 LIMIT 1`,
		repoID, jobType,
	)
	job, err := scanMaintenanceJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}
