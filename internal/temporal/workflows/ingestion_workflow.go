package workflows

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/stanstork/ga4-ingest/internal/dispatch"
	"github.com/stanstork/ga4-ingest/internal/temporal"
	"github.com/stanstork/ga4-ingest/internal/temporal/activities"
)

// IngestionWorkflow runs one queued ingestion task. The task is attempted
// once; retries are left to whoever submitted it.
func IngestionWorkflow(ctx workflow.Context, payload dispatch.TaskPayload) (*dispatch.Outcome, error) {
	// the job timeout bounds execution; time spent waiting for a worker is
	// not charged to it
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: temporal.JobTimeoutFromMemo(workflow.GetInfo(ctx).Memo),
		RetryPolicy:         &temporalsdk.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting ingestion workflow", "JobID", payload.JobID, "Mode", payload.Mode)

	var a *activities.Activities

	var outcome dispatch.Outcome
	err := workflow.ExecuteActivity(ctx, a.RunIngestionActivity, payload).Get(ctx, &outcome)
	if err != nil {
		logger.Error("Ingestion activity failed.", "error", err)
		if payload.JobID != "" {
			// the activity may have died before it could record the failure
			cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
			cleanupCtx = workflow.WithActivityOptions(cleanupCtx, workflow.ActivityOptions{
				StartToCloseTimeout: 30 * time.Second,
				RetryPolicy:         &temporalsdk.RetryPolicy{MaximumAttempts: 3},
			})
			msg := fmt.Sprintf("ingestion failed: %v", err)
			if cerr := workflow.ExecuteActivity(cleanupCtx, a.MarkJobFailedActivity, payload.JobID, msg).Get(cleanupCtx, nil); cerr != nil {
				logger.Error("Failed to record job failure.", "error", cerr)
			}
		}
		return nil, err
	}

	if outcome.Failure != nil {
		logger.Warn("Ingestion finished with a dispatch failure.", "Kind", outcome.Failure.Kind)
	} else {
		logger.Info("Ingestion workflow completed successfully.", "JobID", payload.JobID)
	}
	return &outcome, nil
}
