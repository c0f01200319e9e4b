package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/ga4-ingest/internal/ingest"
)

func noopRunner(mode string) RunnerFunc {
	return func(context.Context, TaskPayload) (*ingest.Result, error) {
		return &ingest.Result{Mode: mode}, nil
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Resolve(DefaultRunnerName)
	assert.ErrorIs(t, err, ErrRunnerNotFound)

	r.Register("helper", noopRunner("helper"))
	r.Register("run_legacy", noopRunner("legacy"))
	r.Register("run_other", noopRunner("other"))

	name, _, err := r.Resolve(DefaultRunnerName)
	require.NoError(t, err)
	assert.Equal(t, "run_legacy", name, "first run* registration wins")

	r.Register(DefaultRunnerName, noopRunner("ga"))
	name, runner, err := r.Resolve(DefaultRunnerName)
	require.NoError(t, err)
	assert.Equal(t, DefaultRunnerName, name)
	res, err := runner.Run(context.Background(), TaskPayload{})
	require.NoError(t, err)
	assert.Equal(t, "ga", res.Mode)
}

func TestPayloadShapes(t *testing.T) {
	p := NewTaskPayload("combined", "2024-01-01", "2024-01-02", "j1")
	assert.Equal(t, PayloadVersion, p.Version)

	assert.Equal(t, TaskPayload{Version: PayloadVersion, Mode: "combined", JobID: "j1"}, p.only([]string{ParamMode, ParamJobID, "unknown"}))
	assert.Equal(t, TaskPayload{Version: 1, Mode: "combined", StartDate: "2024-01-01", EndDate: "2024-01-02"}, p.positional())
}
