package database

import "time"

// MaintenanceQueueStats summarizes maintenance queue status for health and observability endpoints.
type MaintenanceQueueStats struct {
	Queued         int64
	InProgress     int64
	Failed         int64
	OldestQueuedAt *time.Time
}
