package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/stanstork/ga4-ingest/internal/ingest"
)

// DefaultRunnerName is the runner the worker looks up for every task.
const DefaultRunnerName = "run_ga"

// runnerPrefix marks registrations usable when the default name is missing.
const runnerPrefix = "run"

var (
	ErrRunnerNotFound    = errors.New("runner not found")
	ErrSignatureMismatch = errors.New("runner does not accept this payload")
)

// DispatchError means the wrapper could not invoke a runner at all.
type DispatchError struct {
	Runner string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %q failed: %v", e.Runner, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Format prints the wrapped stack trace for %+v.
func (e *DispatchError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "dispatch to %q failed: %+v", e.Runner, e.Err)
		return
	}
	io.WriteString(s, e.Error())
}

type Runner interface {
	Run(ctx context.Context, payload TaskPayload) (*ingest.Result, error)
}

// ParamDeclarer is implemented by runners that accept only some payload
// fields. Runners without it receive the full payload.
type ParamDeclarer interface {
	Params() []string
}

type RunnerFunc func(ctx context.Context, payload TaskPayload) (*ingest.Result, error)

func (f RunnerFunc) Run(ctx context.Context, payload TaskPayload) (*ingest.Result, error) {
	return f(ctx, payload)
}

// Registry maps names to runners. Lookups happen per task, so a runner
// swapped in after a task was queued still serves it.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

func (r *Registry) Register(name string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[name]; !ok {
		r.order = append(r.order, name)
	}
	r.runners[name] = runner
}

// Resolve returns the runner registered under name, or else the first
// runner registered with a "run" prefix.
func (r *Registry) Resolve(name string) (string, Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if runner, ok := r.runners[name]; ok {
		return name, runner, nil
	}
	for _, n := range r.order {
		if strings.HasPrefix(n, runnerPrefix) {
			return n, r.runners[n], nil
		}
	}
	return "", nil, errors.Wrap(ErrRunnerNotFound, name)
}

// IngestRunner exposes an ingest.Runner to the dispatcher.
type IngestRunner struct {
	runner *ingest.Runner
}

func NewIngestRunner(runner *ingest.Runner) *IngestRunner {
	return &IngestRunner{runner: runner}
}

func (a *IngestRunner) Params() []string {
	return []string{ParamMode, ParamStartDate, ParamEndDate, ParamJobID}
}

func (a *IngestRunner) Run(ctx context.Context, p TaskPayload) (*ingest.Result, error) {
	if p.Version > PayloadVersion {
		return nil, errors.Wrapf(ErrSignatureMismatch, "payload version %d is newer than %d", p.Version, PayloadVersion)
	}
	return a.runner.Run(ctx, ingest.Request{
		Mode:      p.Mode,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
		JobID:     p.JobID,
	})
}
