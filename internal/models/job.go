package models

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusProcessed  JobStatus = "processed"
	JobStatusFailed     JobStatus = "failed"
)

// stage orders statuses along the job lifecycle. Both terminal statuses share
// the last stage.
func (s JobStatus) stage() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusInProgress:
		return 1
	case JobStatusProcessed, JobStatusFailed:
		return 2
	}
	return -1
}

func (s JobStatus) Valid() bool {
	return s.stage() >= 0
}

// IsTerminal returns true once the job can no longer change status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusProcessed || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle
// monotonic: queued -> in_progress -> processed | failed, with skips allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	return next.stage() > s.stage()
}

// Job is the persisted record of one ingestion request.
type Job struct {
	ID          string     `json:"_id" bson:"_id"`
	Mode        string     `json:"mode" bson:"mode"`
	StartDate   *string    `json:"start_date" bson:"start_date"`
	EndDate     *string    `json:"end_date" bson:"end_date"`
	Status      JobStatus  `json:"status" bson:"status"`
	Error       string     `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// DateRange renders the requested range the way status responses show it.
func (j Job) DateRange() *string {
	if j.StartDate == nil && j.EndDate == nil {
		return nil
	}
	r := derefOr(j.StartDate, "none") + " to " + derefOr(j.EndDate, "none")
	return &r
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
