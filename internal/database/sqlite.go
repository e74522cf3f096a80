package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/harbr/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

// sqliteDSN adds per-connection pragmas so every pooled connection enforces foreign keys
// and waits on locks instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// Backfill schema for installations created before repository topics.
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE repositories ADD COLUMN topics TEXT NOT NULL DEFAULT '[]'`); err != nil {
		if !isSQLiteDuplicateColumnErr(err) {
			return err
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	is_private BOOLEAN NOT NULL DEFAULT FALSE,
	language TEXT NOT NULL DEFAULT '',
	topics TEXT NOT NULL DEFAULT '[]',
	stars_count INTEGER NOT NULL DEFAULT 0,
	forks_count INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	storage_path TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS maintenance_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	repo_name TEXT NOT NULL,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME,
	UNIQUE(repo_id, job_type)
);

CREATE INDEX IF NOT EXISTS idx_maintenance_jobs_claim ON maintenance_jobs(status, next_attempt_at, id);
`

func (s *SQLiteDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (name, description, is_private, language, topics, active, storage_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Description, r.IsPrivate, r.Language, encodeTopics(r.Topics), r.Active, r.StoragePath)
	if err != nil {
		if isSQLiteUniqueErr(err) {
			return ErrDuplicate
		}
		return err
	}
	r.ID, _ = res.LastInsertId()
	loaded, err := s.GetRepository(ctx, r.Name)
	if err != nil {
		return err
	}
	*r = *loaded
	return nil
}

func (s *SQLiteDB) GetRepository(ctx context.Context, name string) (*models.Repository, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repositories WHERE name = ?`, name)
	return scanRepository(row)
}

func (s *SQLiteDB) ListRepositories(ctx context.Context, q models.RepoListQuery) ([]models.Repository, error) {
	tail, args := repoListSQL(q, func(int) string { return "?" }, "LIKE")
	rows, err := s.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repositories`+tail, args...)
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

func (s *SQLiteDB) UpdateRepository(ctx context.Context, name string, u models.RepoUpdate) (*models.Repository, error) {
	sets, args := repoUpdateSQL(u, func(int) string { return "?" }, 1)
	if sets == "" {
		return s.GetRepository(ctx, name)
	}
	args = append(args, name)
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET `+sets+`, updated_at = CURRENT_TIMESTAMP WHERE name = ?`, args...)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, sql.ErrNoRows
	}
	return s.GetRepository(ctx, name)
}

func (s *SQLiteDB) SetRepositoryActive(ctx context.Context, name string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?`, active, name)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) DeleteRepository(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func isSQLiteBusyErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

func isSQLiteDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

func isSQLiteUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Maintenance Jobs ---

const maintenanceJobColumns = `id, repo_id, repo_name, job_type, status, attempt_count, max_attempts, last_error, next_attempt_at, created_at, updated_at, started_at, completed_at`

func (s *SQLiteDB) EnqueueMaintenanceJob(ctx context.Context, job *models.MaintenanceJob) error {
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
	nextAttempt := sqliteTimestamp(nextAttemptAt)

	// A job already running keeps its state; anything else is reset to a fresh attempt window.
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO maintenance_jobs (
				 repo_id, repo_name, job_type, status, attempt_count, max_attempts, last_error, next_attempt_at
			 ) VALUES (?, ?, ?, ?, 0, ?, '', datetime(?))
			 ON CONFLICT(repo_id, job_type) DO UPDATE SET
				 status = CASE
					WHEN maintenance_jobs.status = ? THEN maintenance_jobs.status
					ELSE ?
				 END,
				 attempt_count = CASE
					WHEN maintenance_jobs.status = ? THEN maintenance_jobs.attempt_count
					ELSE 0
				 END,
				 last_error = CASE
					WHEN maintenance_jobs.status = ? THEN maintenance_jobs.last_error
					ELSE ''
				 END,
				 next_attempt_at = CASE
					WHEN maintenance_jobs.status = ? THEN maintenance_jobs.next_attempt_at
					ELSE excluded.next_attempt_at
				 END,
				 completed_at = CASE
					WHEN maintenance_jobs.status = ? THEN maintenance_jobs.completed_at
					ELSE NULL
				 END,
				 updated_at = CURRENT_TIMESTAMP`,
			job.RepoID, job.RepoName, jobType, status, maxAttempts, nextAttempt,
			models.MaintenanceJobInProgress, models.MaintenanceJobQueued,
			models.MaintenanceJobInProgress,
			models.MaintenanceJobInProgress,
			models.MaintenanceJobInProgress,
			models.MaintenanceJobInProgress,
		)
		if err == nil || !isSQLiteBusyErr(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	if err != nil {
		return err
	}

	loaded, err := s.GetMaintenanceJobStatus(ctx, job.RepoID, jobType)
	if err != nil {
		return err
	}
	if loaded == nil {
		return sql.ErrNoRows
	}
	*job = *loaded
	return nil
}

func (s *SQLiteDB) ClaimMaintenanceJob(ctx context.Context) (*models.MaintenanceJob, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE maintenance_jobs
		 SET status = ?,
			 attempt_count = attempt_count + 1,
			 started_at = CURRENT_TIMESTAMP,
			 completed_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = (
			 SELECT id
			 FROM maintenance_jobs
			 WHERE status = ?
			   AND datetime(next_attempt_at) <= CURRENT_TIMESTAMP
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
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

func (s *SQLiteDB) CompleteMaintenanceJob(ctx context.Context, jobID int64, status models.MaintenanceJobStatus, errMsg string) error {
	msg, err := failureMessage(errMsg, status)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE maintenance_jobs
		 SET status = ?,
			 last_error = ?,
			 completed_at = CURRENT_TIMESTAMP,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
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

func (s *SQLiteDB) RequeueMaintenanceJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	nextAttempt := sqliteTimestamp(nextAttemptAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE maintenance_jobs
		 SET status = CASE
				 WHEN attempt_count >= max_attempts THEN ?
				 ELSE ?
			 END,
			 last_error = ?,
			 next_attempt_at = CASE
				 WHEN attempt_count >= max_attempts THEN next_attempt_at
				 ELSE datetime(?)
			 END,
			 started_at = NULL,
			 completed_at = CASE
				 WHEN attempt_count >= max_attempts THEN CURRENT_TIMESTAMP
				 ELSE NULL
			 END,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		models.MaintenanceJobFailed, models.MaintenanceJobQueued, trimmedErr, nextAttempt, jobID, models.MaintenanceJobInProgress,
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

func (s *SQLiteDB) GetMaintenanceJobStatus(ctx context.Context, repoID int64, jobType models.MaintenanceJobType) (*models.MaintenanceJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+maintenanceJobColumns+`
		 FROM maintenance_jobs
		 WHERE repo_id = ? AND job_type = ?
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

func scanMaintenanceJob(row rowScanner) (*models.MaintenanceJob, error) {
	var job models.MaintenanceJob
	var jobType string
	var status string
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	if err := row.Scan(
		&job.ID,
		&job.RepoID,
		&job.RepoName,
		&jobType,
		&status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.LastError,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.JobType = models.MaintenanceJobType(jobType)
	job.Status = models.MaintenanceJobStatus(status)
	if startedAt.Valid {
		v := startedAt.Time
		job.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		job.CompletedAt = &v
	}
	return &job, nil
}

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
