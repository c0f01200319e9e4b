package temporal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/sdk/client"

	"github.com/stanstork/ga4-ingest/internal/dispatch"
)

// ErrNotTracked means Temporal holds no execution for the job id, either
// because it was never started or because retention removed it.
var ErrNotTracked = errors.New("job not tracked by queue")

// Queue status names reported to clients.
const (
	StatusQueued   = "queued"
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
	StatusStopped  = "stopped"
)

type QueueOptions struct {
	TaskQueue  string
	JobTimeout time.Duration
}

// QueueStatus is the queue's view of one job.
type QueueStatus struct {
	JobID      string         `json:"job_id"`
	Status     string         `json:"status"`
	EnqueuedAt *time.Time     `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	ErrorInfo  string         `json:"error_info,omitempty"`
}

// Queue submits ingestion tasks as workflows whose id is the job id.
type Queue struct {
	client    client.Client
	taskQueue string
	timeout   time.Duration
}

func NewQueue(c client.Client, opts QueueOptions) *Queue {
	if opts.TaskQueue == "" {
		opts.TaskQueue = TaskQueueName
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	return &Queue{client: c, taskQueue: opts.TaskQueue, timeout: opts.JobTimeout}
}

func (q *Queue) Enqueue(ctx context.Context, payload dispatch.TaskPayload) error {
	if payload.JobID == "" {
		return errors.New("cannot enqueue a task without a job id")
	}
	opts := client.StartWorkflowOptions{
		ID:        payload.JobID,
		TaskQueue: q.taskQueue,
		Memo:      jobTimeoutMemo(q.timeout),
	}
	_, err := q.client.ExecuteWorkflow(ctx, opts, IngestionWorkflowName, payload)
	return errors.Wrapf(err, "failed to enqueue job %s", payload.JobID)
}

func (q *Queue) Fetch(ctx context.Context, jobID string) (*QueueStatus, error) {
	resp, err := q.client.DescribeWorkflowExecution(ctx, jobID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrNotTracked
		}
		return nil, errors.Wrapf(err, "failed to describe job %s", jobID)
	}

	info := resp.GetWorkflowExecutionInfo()
	st := &QueueStatus{JobID: jobID, Status: mapStatus(info.GetStatus())}
	if ts := info.GetStartTime(); ts != nil {
		t := ts.AsTime()
		st.EnqueuedAt = &t
	}
	if ts := info.GetExecutionTime(); ts != nil {
		t := ts.AsTime()
		st.StartedAt = &t
	}
	if ts := info.GetCloseTime(); ts != nil {
		t := ts.AsTime()
		st.EndedAt = &t
	}
	if st.Status == StatusStarted && waitingForWorker(resp.GetPendingActivities()) {
		st.Status = StatusQueued
	}

	switch st.Status {
	case StatusFinished:
		var out map[string]any
		if err := q.client.GetWorkflow(ctx, jobID, "").Get(ctx, &out); err != nil {
			return nil, errors.Wrapf(err, "failed to load result of job %s", jobID)
		}
		st.Result = out
	case StatusFailed, StatusCanceled, StatusStopped:
		if err := q.client.GetWorkflow(ctx, jobID, "").Get(ctx, nil); err != nil {
			st.ErrorInfo = err.Error()
		}
	}
	return st, nil
}

// waitingForWorker is true while no activity of a running workflow has been
// picked up yet.
func waitingForWorker(pending []*workflowpb.PendingActivityInfo) bool {
	if len(pending) == 0 {
		return true
	}
	for _, a := range pending {
		if a.GetState() != enums.PENDING_ACTIVITY_STATE_SCHEDULED {
			return false
		}
	}
	return true
}

func mapStatus(s enums.WorkflowExecutionStatus) string {
	switch s {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING, enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return StatusStarted
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return StatusFinished
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED, enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return StatusFailed
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return StatusCanceled
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return StatusStopped
	}
	return StatusQueued
}
