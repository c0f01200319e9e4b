package temporal

import (
	"time"

	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/sdk/converter"
)

// TaskQueueName is the Temporal task queue ingestion workers poll.
const TaskQueueName = "GA_INGESTION"

// IngestionWorkflowName is the registered name of the ingestion workflow.
// Clients start it by name so they do not import the worker code.
const IngestionWorkflowName = "IngestionWorkflow"

// DefaultJobTimeout bounds one ingestion run when none is configured.
const DefaultJobTimeout = 1000 * time.Second

// JobTimeoutMemo is the workflow memo key carrying the job timeout in
// seconds. The timeout counts execution only: a job may wait in the queue
// for a worker indefinitely, as workflows carry no execution timeout.
const JobTimeoutMemo = "job_timeout_seconds"

func jobTimeoutMemo(timeout time.Duration) map[string]interface{} {
	return map[string]interface{}{JobTimeoutMemo: int64(timeout / time.Second)}
}

// JobTimeoutFromMemo reads the timeout set at enqueue time, falling back to
// DefaultJobTimeout.
func JobTimeoutFromMemo(memo *commonpb.Memo) time.Duration {
	p, ok := memo.GetFields()[JobTimeoutMemo]
	if !ok {
		return DefaultJobTimeout
	}
	var secs int64
	if err := converter.GetDefaultDataConverter().FromPayload(p, &secs); err != nil || secs <= 0 {
		return DefaultJobTimeout
	}
	return time.Duration(secs) * time.Second
}
