package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/harbr/internal/models"
)

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
// Lookups of missing rows return sql.ErrNoRows.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error

	// Repositories
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepository(ctx context.Context, name string) (*models.Repository, error)
	ListRepositories(ctx context.Context, q models.RepoListQuery) ([]models.Repository, error)
	UpdateRepository(ctx context.Context, name string, u models.RepoUpdate) (*models.Repository, error)
	SetRepositoryActive(ctx context.Context, name string, active bool) error
	DeleteRepository(ctx context.Context, name string) error

	// Maintenance jobs
	EnqueueMaintenanceJob(ctx context.Context, job *models.MaintenanceJob) error
	ClaimMaintenanceJob(ctx context.Context) (*models.MaintenanceJob, error)
	CompleteMaintenanceJob(ctx context.Context, jobID int64, status models.MaintenanceJobStatus, errMsg string) error
	RequeueMaintenanceJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error
	GetMaintenanceJobStatus(ctx context.Context, repoID int64, jobType models.MaintenanceJobType) (*models.MaintenanceJob, error)
}

// repoListSQL builds the WHERE / ORDER BY / LIMIT tail shared by both backends.
// placeholder renders the n-th (1-based) bind parameter; like is the case-insensitive match operator.
func repoListSQL(q models.RepoListQuery, placeholder func(n int) string, like string) (string, []any) {
	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if term := strings.TrimSpace(q.Q); term != "" {
		pattern := "%" + term + "%"
		where = append(where, fmt.Sprintf("(name %s %s OR description %s %s)", like, bind(pattern), like, bind(pattern)))
	}
	switch q.Type {
	case models.RepoTypePublic:
		where = append(where, "is_private = "+bind(false))
	case models.RepoTypePrivate:
		where = append(where, "is_private = "+bind(true))
	}
	if lang := strings.TrimSpace(q.Language); lang != "" {
		where = append(where, "language = "+bind(lang))
	}

	var b strings.Builder
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	switch q.Sort {
	case models.RepoSortStars:
		b.WriteString(" ORDER BY stars_count DESC, id DESC")
	case models.RepoSortForks:
		b.WriteString(" ORDER BY forks_count DESC, id DESC")
	case models.RepoSortUpdated:
		b.WriteString(" ORDER BY updated_at DESC, id DESC")
	default:
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	b.WriteString(" LIMIT " + bind(limit) + " OFFSET " + bind(offset))
	return b.String(), args
}

const repoColumns = `id, name, description, is_private, language, topics, stars_count, forks_count, active, storage_path, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*models.Repository, error) {
	var r models.Repository
	var topics string
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsPrivate, &r.Language, &topics,
		&r.StarsCount, &r.ForksCount, &r.Active, &r.StoragePath, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Topics = decodeTopics(topics)
	return &r, nil
}

func failureMessage(errMsg string, status models.MaintenanceJobStatus) (string, error) {
	trimmed := strings.TrimSpace(errMsg)
	switch status {
	case models.MaintenanceJobCompleted:
		return "", nil
	case models.MaintenanceJobFailed:
		if trimmed == "" {
			trimmed = "job failed"
		}
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported terminal status %q", status)
	}
}

func encodeTopics(topics []string) string {
	if len(topics) == 0 {
		return "[]"
	}
	b, err := json.Marshal(topics)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTopics(raw string) []string {
	topics := []string{}
	if strings.TrimSpace(raw) == "" {
		return topics
	}
	if err := json.Unmarshal([]byte(raw), &topics); err != nil {
		return []string{}
	}
	return topics
}

// repoUpdateSQL renders the SET list for a metadata update. It returns "" when nothing changes.
func repoUpdateSQL(u models.RepoUpdate, placeholder func(n int) string, startAt int) (string, []any) {
	var (
		sets []string
		args []any
	)
	bind := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+placeholder(startAt+len(args)-1))
	}
	if u.Description != nil {
		bind("description", *u.Description)
	}
	if u.IsPrivate != nil {
		bind("is_private", *u.IsPrivate)
	}
	if u.Language != nil {
		bind("language", strings.TrimSpace(*u.Language))
	}
	if u.Topics != nil {
		bind("topics", encodeTopics(*u.Topics))
	}
	return strings.Join(sets, ", "), args
}
