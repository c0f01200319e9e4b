package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/ga4-ingest/internal/ingest"
	"github.com/stanstork/ga4-ingest/internal/repository"
)

// FailedCall is the error tag of a FailurePayload.
const FailedCall = "failed_call"

type JobStatusWriter interface {
	MarkProcessed(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, message string) error
}

// FailurePayload is returned in place of an error when no runner could be
// invoked with the task.
type FailurePayload struct {
	Error      string       `json:"error"`
	Kind       string       `json:"kind"`
	Exception  string       `json:"exception"`
	Traceback  string       `json:"traceback"`
	CalledWith TaskPayload  `json:"called_with"`
	Fallback   *TaskPayload `json:"fallback_called_with,omitempty"`
	Timestamp  string       `json:"timestamp"`
}

// Outcome holds exactly one of Result or Failure.
type Outcome struct {
	Result  *ingest.Result  `json:"result,omitempty"`
	Failure *FailurePayload `json:"failure,omitempty"`
}

// Wrapper is the worker-side entry point for queued tasks.
type Wrapper struct {
	registry   *Registry
	runnerName string
	jobs       JobStatusWriter
	logger     zerolog.Logger
	now        func() time.Time
}

func NewWrapper(registry *Registry, runnerName string, jobs JobStatusWriter, logger zerolog.Logger) *Wrapper {
	if runnerName == "" {
		runnerName = DefaultRunnerName
	}
	return &Wrapper{
		registry:   registry,
		runnerName: runnerName,
		jobs:       jobs,
		logger:     logger.With().Str("component", "dispatch").Logger(),
		now:        time.Now,
	}
}

func (w *Wrapper) Run(ctx context.Context, payload TaskPayload) (*Outcome, error) {
	logger := w.logger.With().Str("job_id", payload.JobID).Str("mode", payload.Mode).Logger()

	name, runner, err := w.registry.Resolve(w.runnerName)
	if err != nil {
		return w.failCall(ctx, logger, payload.JobID, payload, nil, &DispatchError{Runner: w.runnerName, Err: err}), nil
	}

	call := payload
	if d, ok := runner.(ParamDeclarer); ok {
		call = payload.only(d.Params())
	}

	result, err := runner.Run(ctx, call)
	if errors.Is(err, ErrSignatureMismatch) {
		fallback := payload.positional()
		logger.Warn().Err(err).Str("runner", name).Msg("Runner rejected payload, retrying with positional arguments")
		result, err = runner.Run(ctx, fallback)
		if err != nil {
			return w.failCall(ctx, logger, payload.JobID, call, &fallback, &DispatchError{Runner: name, Err: err}), nil
		}
	}
	if err != nil {
		w.markFailed(ctx, logger, payload.JobID, err.Error())
		return nil, err
	}

	if result == nil {
		result = &ingest.Result{Mode: payload.Mode}
	}
	if payload.JobID != "" {
		if err := w.jobs.MarkProcessed(ctx, payload.JobID); err != nil {
			var te *repository.TransitionError
			if !errors.As(err, &te) {
				return nil, errors.Wrap(err, "failed to mark job processed")
			}
			logger.Warn().Err(err).Msg("Job already finished")
		}
		result.JobID = payload.JobID
	}
	result.FinishedAt = w.now().UTC().Format(time.RFC3339)

	logger.Info().Str("runner", name).Msg("Job processed")
	return &Outcome{Result: result}, nil
}

func (w *Wrapper) failCall(ctx context.Context, logger zerolog.Logger, jobID string, call TaskPayload, fallback *TaskPayload, err error) *Outcome {
	logger.Error().Err(err).Msg("Runner call failed")
	w.markFailed(ctx, logger, jobID, err.Error())

	return &Outcome{Failure: &FailurePayload{
		Error:      FailedCall,
		Kind:       failureKind(err),
		Exception:  err.Error(),
		Traceback:  fmt.Sprintf("%+v", err),
		CalledWith: call,
		Fallback:   fallback,
		Timestamp:  w.now().UTC().Format(time.RFC3339),
	}}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrRunnerNotFound):
		return "runner_not_found"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	}
	return "runner_error"
}

func (w *Wrapper) markFailed(ctx context.Context, logger zerolog.Logger, jobID, message string) {
	if jobID == "" {
		return
	}
	if err := w.jobs.MarkFailed(ctx, jobID, message); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job failed")
	}
}
