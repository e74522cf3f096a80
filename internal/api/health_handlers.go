package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/odvcencio/harbr/internal/database"
)

type maintenanceQueueStatsProvider interface {
	MaintenanceQueueStats(ctx context.Context) (database.MaintenanceQueueStats, error)
}

type dbStatsProvider interface {
	DBStats() sql.DBStats
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Git       healthGit      `json:"git"`
	Queue     healthQueue    `json:"queue"`
	Locks     healthLocks    `json:"locks"`
	Database  healthDatabase `json:"database"`
	Errors    []string       `json:"errors,omitempty"`
}

type healthGit struct {
	Binary    string `json:"binary"`
	Available bool   `json:"available"`
}

type healthQueue struct {
	Enabled               bool    `json:"enabled"`
	Depth                 int64   `json:"depth"`
	InProgress            int64   `json:"in_progress"`
	Failed                int64   `json:"failed"`
	OldestQueuedAgeSecond float64 `json:"oldest_queued_age_seconds"`
}

type healthLocks struct {
	Tracked int `json:"tracked"`
}

type healthDatabase struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
	MaxIdleClosed   int64 `json:"max_idle_closed"`
	MaxLifetime     int64 `json:"max_lifetime_closed"`
	MaxIdleTime     int64 `json:"max_idle_time_closed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Git:       healthGit{Binary: s.git.Binary},
		Queue:     healthQueue{Enabled: s.opts.Maintenance != nil},
		Locks:     healthLocks{Tracked: s.locks.Len()},
	}

	if err := s.git.Available(); err != nil {
		resp.Errors = append(resp.Errors, "git_unavailable")
	} else {
		resp.Git.Available = true
	}

	if queueProvider, ok := s.db.(maintenanceQueueStatsProvider); ok {
		stats, err := queueProvider.MaintenanceQueueStats(r.Context())
		if err != nil {
			resp.Errors = append(resp.Errors, "maintenance_queue_stats")
		} else {
			resp.Queue.Depth = stats.Queued
			resp.Queue.InProgress = stats.InProgress
			resp.Queue.Failed = stats.Failed
			if stats.OldestQueuedAt != nil {
				resp.Queue.OldestQueuedAgeSecond = max(time.Since(stats.OldestQueuedAt.UTC()).Seconds(), 0)
			}
		}
	}

	if poolProvider, ok := s.db.(dbStatsProvider); ok {
		stats := poolProvider.DBStats()
		resp.Database = healthDatabase{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
			WaitDurationMS:  stats.WaitDuration.Milliseconds(),
			MaxIdleClosed:   stats.MaxIdleClosed,
			MaxLifetime:     stats.MaxLifetimeClosed,
			MaxIdleTime:     stats.MaxIdleTimeClosed,
		}
	}

	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
		jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
