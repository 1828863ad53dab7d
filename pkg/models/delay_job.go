package models

import "time"

// DelayJobStatus is the lifecycle state of a scheduled continuation.
type DelayJobStatus string

const (
	DelayJobStatusScheduled DelayJobStatus = "scheduled"
	DelayJobStatusDone      DelayJobStatus = "done"
	DelayJobStatusCancelled DelayJobStatus = "cancelled"
)

// DelayJob is a durable continuation created when a session reaches a delay
// node. The sweeper claims due jobs (scheduled -> done) before resuming the
// owning session, so a job fires at most once.
type DelayJob struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	FireAt    time.Time      `json:"fire_at"`
	Status    DelayJobStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
