package activities

import (
	"context"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/activity"

	"github.com/stanstork/ga4-ingest/internal/dispatch"
	"github.com/stanstork/ga4-ingest/internal/repository"
)

type Activities struct {
	Wrapper *dispatch.Wrapper
	JobRepo repository.JobRepository
}

// RunIngestionActivity hands the task to the dispatch wrapper. Dispatch
// failures come back inside the outcome; only runner and storage errors
// fail the activity.
func (a *Activities) RunIngestionActivity(ctx context.Context, payload dispatch.TaskPayload) (*dispatch.Outcome, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Running ingestion", "jobID", payload.JobID, "mode", payload.Mode, "startDate", payload.StartDate, "endDate", payload.EndDate)

	outcome, err := a.Wrapper.Run(ctx, payload)
	if err != nil {
		logger.Error("Ingestion failed", "jobID", payload.JobID, "error", err)
		return nil, err
	}
	if outcome.Failure != nil {
		logger.Warn("Ingestion could not be dispatched", "jobID", payload.JobID, "kind", outcome.Failure.Kind)
	}
	return outcome, nil
}

// MarkJobFailedActivity records a failure the wrapper never saw, such as an
// activity timeout. A job that already reached a final status is left as is.
func (a *Activities) MarkJobFailedActivity(ctx context.Context, jobID, message string) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Marking job failed", "jobID", jobID)

	err := a.JobRepo.MarkFailed(ctx, jobID, message)
	var te *repository.TransitionError
	if errors.As(err, &te) {
		logger.Info("Job already finished", "jobID", jobID, "status", te.From)
		return nil
	}
	if err != nil {
		logger.Error("Failed to mark job failed", "jobID", jobID, "error", err)
	}
	return err
}
