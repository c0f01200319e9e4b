package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/ga4-ingest/internal/docstore"
	"github.com/stanstork/ga4-ingest/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

// TransitionError is returned when a status change would move a job
// backwards or out of a terminal state.
type TransitionError struct {
	JobID string
	From  models.JobStatus
	To    models.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.From, e.To)
}

type JobRepository interface {
	Create(ctx context.Context, job models.Job) (models.Job, error)
	Get(ctx context.Context, jobID string) (models.Job, error)
	MarkInProgress(ctx context.Context, jobID string) error
	MarkProcessed(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, message string) error
}

type jobRepository struct {
	store      docstore.Store
	collection string
	now        func() time.Time
}

func NewJobRepository(store docstore.Store, collection string) JobRepository {
	return &jobRepository{store: store, collection: collection, now: time.Now}
}

func (r *jobRepository) Create(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		return job, errors.New("job id is required")
	}
	now := r.now().UTC()
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := r.store.InsertOne(ctx, r.collection, job); err != nil {
		return job, errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return job, nil
}

func (r *jobRepository) Get(ctx context.Context, jobID string) (models.Job, error) {
	var job models.Job
	err := r.store.FindOne(ctx, r.collection, jobID, &job)
	if errors.Is(err, docstore.ErrNotFound) {
		return job, ErrJobNotFound
	}
	if err != nil {
		return job, errors.Wrapf(err, "failed to load job %s", jobID)
	}
	return job, nil
}

func (r *jobRepository) MarkInProgress(ctx context.Context, jobID string) error {
	now := r.now().UTC()
	return r.transition(ctx, jobID, models.JobStatusInProgress, docstore.Document{"started_at": now})
}

func (r *jobRepository) MarkProcessed(ctx context.Context, jobID string) error {
	now := r.now().UTC()
	return r.transition(ctx, jobID, models.JobStatusProcessed, docstore.Document{"completed_at": now})
}

func (r *jobRepository) MarkFailed(ctx context.Context, jobID, message string) error {
	now := r.now().UTC()
	return r.transition(ctx, jobID, models.JobStatusFailed, docstore.Document{
		"completed_at": now,
		"error":        message,
	})
}

func (r *jobRepository) transition(ctx context.Context, jobID string, next models.JobStatus, fields docstore.Document) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransitionTo(next) {
		return &TransitionError{JobID: jobID, From: job.Status, To: next}
	}

	fields["status"] = next
	fields["updated_at"] = fields[timestampField(next)]
	err = r.store.UpdateByID(ctx, r.collection, jobID, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrJobNotFound
	}
	return errors.Wrapf(err, "failed to mark job %s %s", jobID, next)
}

func timestampField(s models.JobStatus) string {
	if s == models.JobStatusInProgress {
		return "started_at"
	}
	return "completed_at"
}
