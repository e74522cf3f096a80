package models

import "time"

// Repository is the registry record for one hosted bare repository plus its metadata.
type Repository struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsPrivate   bool      `json:"is_private"`
	Language    string    `json:"language,omitempty"`
	Topics      []string  `json:"topics"`
	StarsCount  int64     `json:"stars_count"`
	ForksCount  int64     `json:"forks_count"`
	Active      bool      `json:"active"`
	StoragePath string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	RepoTypePublic  = "public"
	RepoTypePrivate = "private"
)

const (
	RepoSortStars   = "stars"
	RepoSortForks   = "forks"
	RepoSortUpdated = "updated"
	RepoSortCreated = "created"
)

func IsRepoType(v string) bool {
	switch v {
	case RepoTypePublic, RepoTypePrivate:
		return true
	default:
		return false
	}
}

func IsRepoSort(v string) bool {
	switch v {
	case RepoSortStars, RepoSortForks, RepoSortUpdated, RepoSortCreated:
		return true
	default:
		return false
	}
}

// RepoListQuery filters and pages repository listings.
type RepoListQuery struct {
	Q        string
	Type     string // "", "public", "private"
	Language string
	Sort     string // "", "stars", "forks", "updated", "created"
	Limit    int
	Offset   int
}

// RepoUpdate carries optional metadata changes. Nil fields are left untouched.
type RepoUpdate struct {
	Description *string
	IsPrivate   *bool
	Language    *string
	Topics      *[]string
}

type MaintenanceJobType string

const (
	MaintenanceJobTypeGC MaintenanceJobType = "gc"
)

type MaintenanceJobStatus string

const (
	MaintenanceJobQueued     MaintenanceJobStatus = "queued"
	MaintenanceJobInProgress MaintenanceJobStatus = "in_progress"
	MaintenanceJobCompleted  MaintenanceJobStatus = "completed"
	MaintenanceJobFailed     MaintenanceJobStatus = "failed"
)

// MaintenanceJob is queued housekeeping (e.g. `git gc --auto`) for a repository after a push.
type MaintenanceJob struct {
	ID            int64                `json:"id"`
	RepoID        int64                `json:"repo_id"`
	RepoName      string               `json:"repo_name"`
	JobType       MaintenanceJobType   `json:"job_type"`
	Status        MaintenanceJobStatus `json:"status"`
	AttemptCount  int                  `json:"attempt_count"`
	MaxAttempts   int                  `json:"max_attempts"`
	LastError     string               `json:"last_error,omitempty"`
	NextAttemptAt time.Time            `json:"next_attempt_at"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}
