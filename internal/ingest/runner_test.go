package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/ga4-ingest/internal/archive"
	"github.com/stanstork/ga4-ingest/internal/docstore"
	"github.com/stanstork/ga4-ingest/internal/loader"
	"github.com/stanstork/ga4-ingest/internal/models"
	"github.com/stanstork/ga4-ingest/internal/modes"
	"github.com/stanstork/ga4-ingest/internal/report"
	"github.com/stanstork/ga4-ingest/internal/repository"
)

// stubSource serves a fixed live-style report and fails for selected days
// or dimensions.
type stubSource struct {
	failOn map[string]bool
	calls  []report.Request
}

func (s *stubSource) Name() string { return "ga4" }

func (s *stubSource) Fetch(_ context.Context, req report.Request) (*report.RawResponse, error) {
	s.calls = append(s.calls, req)
	if s.failOn[req.StartDate] || s.failOn[req.Dimensions[0]] {
		return nil, &report.UpstreamFetchError{Op: "runReport", Status: 503, Body: "unavailable"}
	}

	rep := &report.Report{}
	for _, d := range req.Dimensions {
		rep.DimensionHeaders = append(rep.DimensionHeaders, report.Header{Name: d})
	}
	for _, m := range req.Metrics {
		rep.MetricHeaders = append(rep.MetricHeaders, report.Header{Name: m})
	}
	for i := 0; i < 2; i++ {
		row := report.ReportRow{}
		for _, d := range req.Dimensions {
			row.DimensionValues = append(row.DimensionValues, report.Value{Value: fmt.Sprintf("%s-%s-%d", d, req.StartDate, i)})
		}
		for range req.Metrics {
			row.MetricValues = append(row.MetricValues, report.Value{Value: "1"})
		}
		// live rows carry the unique key so reruns upsert
		row.DimensionValues[0].Value += "#" + req.StartDate
		rep.Rows = append(rep.Rows, row)
	}
	rep.RowCount = len(rep.Rows)
	return &report.RawResponse{Report: rep}, nil
}

type recordingArchiver struct{ keys []archive.Key }

func (a *recordingArchiver) Archive(_ context.Context, key archive.Key, _ *report.Report) error {
	a.keys = append(a.keys, key)
	return errors.New("bucket unavailable")
}

type fixture struct {
	store    *docstore.Memory
	jobs     repository.JobRepository
	source   *stubSource
	archiver *recordingArchiver
	runner   *Runner
}

func newFixture(t *testing.T, failOn ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    docstore.NewMemory(),
		source:   &stubSource{failOn: map[string]bool{}},
		archiver: &recordingArchiver{},
	}
	for _, k := range failOn {
		f.source.failOn[k] = true
	}
	f.jobs = repository.NewJobRepository(f.store, "ga_jobs")
	catalog := modes.Default()
	f.runner = NewRunner(Options{
		Catalog:   catalog,
		Source:    f.source,
		Simulator: report.NewSimulatedSource(5),
		Loader:    loader.New(f.store, catalog, zerolog.Nop()),
		Jobs:      f.jobs,
		Archiver:  f.archiver,
		Logger:    zerolog.Nop(),
	})
	f.runner.now = func() time.Time { return time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC) }
	return f
}

func TestRunCombinedRangeWithOneFailingDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2024-01-02")
	_, err := f.jobs.Create(ctx, models.Job{ID: "job-1", Mode: "combined"})
	require.NoError(t, err)

	res, err := f.runner.Run(ctx, Request{Mode: "combined", StartDate: "2024-01-01", EndDate: "2024-01-03", JobID: "job-1"})
	require.NoError(t, err)

	require.Len(t, res.PerDate, 3)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, []string{res.PerDate[0].Date, res.PerDate[1].Date, res.PerDate[2].Date})
	assert.Equal(t, 2, res.PerDate[0].RowCount)
	assert.Equal(t, 5, res.PerDate[1].RowCount, "simulated fallback")
	assert.Equal(t, 9, res.TotalRows)
	assert.Equal(t, loader.Result{Inserted: 9}, res.Inserted)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "2024-01-02: real GA call failed:")
	assert.Contains(t, res.Warnings[0], "simulation used.")
	assert.Equal(t, "mixed", res.Source)

	require.Len(t, res.RowsSample, 2)
	assert.Equal(t, "2024-01-01", res.RowsSample[0][DateField])
	require.NotNil(t, res.Counts.Combined)
	assert.Nil(t, res.Counts.Mapped)
	assert.Equal(t, "2024-01-10T08:00:00Z", res.FinishedAt)

	for _, doc := range f.store.All(modes.CombinedCollection) {
		assert.Contains(t, []any{"2024-01-01", "2024-01-02", "2024-01-03"}, doc[DateField])
	}
	assert.Len(t, f.store.All(modes.CombinedCollection), 9)

	// two live days archived, both archive failures only logged
	assert.Len(t, f.archiver.keys, 2)
	assert.Equal(t, "2024-01-03", f.archiver.keys[1].Scope)

	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, job.Status, "the runner only starts the job")
	assert.NotNil(t, job.StartedAt)
}

func TestRunCombinedRangeIsSequentialAndSingleDay(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Run(context.Background(), Request{Mode: "combined", StartDate: "2024-03-05", EndDate: "2024-03-06"})
	require.NoError(t, err)

	require.Len(t, f.source.calls, 2)
	for i, day := range []string{"2024-03-05", "2024-03-06"} {
		assert.Equal(t, day, f.source.calls[i].StartDate)
		assert.Equal(t, day, f.source.calls[i].EndDate)
	}
}

func TestRunCombinedRangeFullyDegraded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := Request{Mode: "combined", StartDate: "2024-01-01", EndDate: "2024-01-02"}

	_, err := f.runner.Run(ctx, req)
	require.NoError(t, err)
	before := len(f.store.All(modes.CombinedCollection))

	// simulated rows get fresh ids, so they never overwrite earlier records
	f.source.failOn["2024-01-01"] = true
	f.source.failOn["2024-01-02"] = true
	res, err := f.runner.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Inserted.Inserted)
	assert.Equal(t, before+10, len(f.store.All(modes.CombinedCollection)))
	assert.Equal(t, report.SimulatedSourceName, res.Source)
}

func TestRunCombinedSingleShot(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), Request{Mode: "combined"})
	require.NoError(t, err)

	assert.Empty(t, res.PerDate)
	assert.Equal(t, 2, res.TotalRows)
	assert.Equal(t, "ga4", res.Source)
	require.Len(t, f.source.calls, 1)
	assert.Empty(t, f.source.calls[0].StartDate, "the source applies its default range")
	for _, doc := range f.store.All(modes.CombinedCollection) {
		_, tagged := doc[DateField]
		assert.False(t, tagged)
	}
	assert.Equal(t, "all", f.archiver.keys[0].Scope)
}

func TestRunCombinedSingleShotFallback(t *testing.T) {
	f := newFixture(t, "")

	res, err := f.runner.Run(context.Background(), Request{Mode: "combined"})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "combined: real GA call failed")
	assert.Equal(t, 5, res.TotalRows)
	assert.Equal(t, "country_val_0", res.RowsSample[0]["country"])
}

func TestRunMapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "eventName")

	res, err := f.runner.Run(ctx, Request{Mode: "mapped"})
	require.NoError(t, err)

	require.Len(t, res.Mapped, 6)
	page := res.Mapped[0]
	assert.Equal(t, "pageTitle", page.Dimension)
	assert.Equal(t, "ga_pageTitle", page.Collection)
	assert.Len(t, page.Sample, 1)
	assert.Len(t, f.source.calls[0].Metrics, 10)
	assert.Len(t, f.store.All("ga_pageTitle"), 2)

	events := res.Mapped[4]
	assert.Equal(t, "eventName", events.Dimension)
	assert.Equal(t, 5, events.RowCount)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "eventName: real GA call failed")

	assert.Empty(t, res.PerDate)
	assert.Empty(t, res.RowsSample)
	require.NotNil(t, res.Counts.Mapped)
	assert.Equal(t, 6, res.Counts.Mapped.DimensionGroups)
	for _, doc := range f.store.All("ga_country") {
		_, tagged := doc[DateField]
		assert.False(t, tagged)
	}
}

func TestRunRejectsBadInputBeforeWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.jobs.Create(ctx, models.Job{ID: "job-1", Mode: "combined"})
	require.NoError(t, err)

	_, err = f.runner.Run(ctx, Request{Mode: "combined", StartDate: "2024-01-05", EndDate: "2024-01-01", JobID: "job-1"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.runner.Run(ctx, Request{Mode: "weekly", JobID: "job-1"})
	var modeErr *modes.InvalidModeError
	assert.ErrorAs(t, err, &modeErr)

	assert.Empty(t, f.source.calls)
	job, err := f.jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

type brokenLoader struct{}

func (brokenLoader) Persist(context.Context, string, []models.Row) (loader.Result, error) {
	return loader.Result{}, errors.New("store down")
}

func TestRunPropagatesStorageErrors(t *testing.T) {
	f := newFixture(t)
	f.runner.loader = brokenLoader{}

	_, err := f.runner.Run(context.Background(), Request{Mode: "mapped"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
}

func TestRunUnknownJobFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(context.Background(), Request{Mode: "combined", JobID: "ghost"})
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
	assert.Empty(t, f.source.calls)
}
