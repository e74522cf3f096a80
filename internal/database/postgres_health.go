package database

import (
	"context"
	"database/sql"

	"github.com/odvcencio/harbr/internal/models"
)

func (p *PostgresDB) MaintenanceQueueStats(ctx context.Context) (MaintenanceQueueStats, error) {
	var stats MaintenanceQueueStats
	var oldestQueued sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END), 0) AS in_progress,
			 COALESCE(SUM(CASE WHEN status = $3 THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = $1 THEN next_attempt_at END) AS oldest_queued_at
		 FROM maintenance_jobs`,
		models.MaintenanceJobQueued,
		models.MaintenanceJobInProgress,
		models.MaintenanceJobFailed,
	).Scan(&stats.Queued, &stats.InProgress, &stats.Failed, &oldestQueued)
	if err != nil {
		return MaintenanceQueueStats{}, err
	}
	if oldestQueued.Valid {
		t := oldestQueued.Time.UTC()
		stats.OldestQueuedAt = &t
	}
	return stats, nil
}

func (p *PostgresDB) DBStats() sql.DBStats {
	return p.db.Stats()
}
