package ingest

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/ga4-ingest/internal/archive"
	"github.com/stanstork/ga4-ingest/internal/loader"
	"github.com/stanstork/ga4-ingest/internal/metrics"
	"github.com/stanstork/ga4-ingest/internal/models"
	"github.com/stanstork/ga4-ingest/internal/modes"
	"github.com/stanstork/ga4-ingest/internal/report"
)

// DateField tags combined rows fetched for a single day of a range.
const DateField = "date"

const (
	sampleSize       = 2
	mappedSampleSize = 1
)

type Request struct {
	Mode      string `json:"mode"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

type DateSummary struct {
	Date     string        `json:"date"`
	Inserted loader.Result `json:"inserted"`
	RowCount int           `json:"rows_count"`
}

type DimensionSummary struct {
	Dimension  string        `json:"dimension"`
	Collection string        `json:"collection"`
	Inserted   loader.Result `json:"inserted"`
	RowCount   int           `json:"rows_count"`
	Sample     []models.Row  `json:"sample"`
}

type Result struct {
	Mode       string             `json:"mode"`
	Source     string             `json:"source"`
	PerDate    []DateSummary      `json:"per_date,omitempty"`
	Mapped     []DimensionSummary `json:"mapped,omitempty"`
	Inserted   loader.Result      `json:"inserted"`
	TotalRows  int                `json:"total_rows"`
	RowsSample []models.Row       `json:"rows_sample,omitempty"`
	Counts     modes.Counts       `json:"counts"`
	Warnings   []string           `json:"warnings,omitempty"`
	JobID      string             `json:"job_id,omitempty"`
	FinishedAt string             `json:"finished_at,omitempty"`
}

type JobTracker interface {
	MarkInProgress(ctx context.Context, jobID string) error
}

type Persister interface {
	Persist(ctx context.Context, collection string, rows []models.Row) (loader.Result, error)
}

type Options struct {
	Catalog   *modes.Catalog
	Source    report.Source
	Simulator *report.SimulatedSource
	Loader    Persister
	Jobs      JobTracker
	Archiver  archive.Archiver
	Metrics   *metrics.Recorder
	Logger    zerolog.Logger
}

// Runner executes one ingestion request end to end. Dates and dimensions are
// processed strictly one at a time.
type Runner struct {
	catalog   *modes.Catalog
	source    report.Source
	simulator *report.SimulatedSource
	loader    Persister
	jobs      JobTracker
	archiver  archive.Archiver
	metrics   *metrics.Recorder
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRunner(opts Options) *Runner {
	r := &Runner{
		catalog:   opts.Catalog,
		source:    opts.Source,
		simulator: opts.Simulator,
		loader:    opts.Loader,
		jobs:      opts.Jobs,
		archiver:  opts.Archiver,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "runner").Logger(),
		now:       time.Now,
	}
	if r.catalog == nil {
		r.catalog = modes.Default()
	}
	if r.simulator == nil {
		r.simulator = report.NewSimulatedSource(0)
	}
	if r.source == nil {
		r.source = r.simulator
	}
	if r.archiver == nil {
		r.archiver = archive.Nop{}
	}
	return r
}

// run carries the state of a single Run call.
type run struct {
	req     Request
	mode    modes.Mode
	result  *Result
	sources mapset.Set[string]
	logger  zerolog.Logger
}

func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	mode, dates, err := ValidateRequest(req.Mode, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	st := &run{
		req:     req,
		mode:    mode,
		result:  &Result{Mode: string(mode), JobID: req.JobID, Counts: r.catalog.Counts(mode)},
		sources: mapset.NewThreadUnsafeSet[string](),
		logger:  r.logger.With().Str("mode", string(mode)).Str("job_id", req.JobID).Logger(),
	}
	done := r.metrics.JobStarted(string(mode))

	if req.JobID != "" && r.jobs != nil {
		if err := r.jobs.MarkInProgress(ctx, req.JobID); err != nil {
			done(string(models.JobStatusFailed))
			return nil, errors.Wrap(err, "failed to mark job in progress")
		}
	}

	st.logger.Info().Str("start_date", req.StartDate).Str("end_date", req.EndDate).Msg("Ingestion started")
	switch {
	case mode == modes.Mapped:
		err = r.runMapped(ctx, st)
	case dates != nil:
		err = r.runRange(ctx, st, *dates)
	default:
		err = r.runSingle(ctx, st)
	}
	if err != nil {
		done(string(models.JobStatusFailed))
		return nil, err
	}

	res := st.result
	res.Source = sourceLabel(st.sources)
	res.FinishedAt = r.now().UTC().Format(time.RFC3339)
	done(string(models.JobStatusProcessed))

	st.logger.Info().
		Int("rows", res.TotalRows).
		Int("inserted", res.Inserted.Inserted).
		Int("modified", res.Inserted.Modified).
		Int("warnings", len(res.Warnings)).
		Str("source", res.Source).
		Msg("Ingestion finished")
	return res, nil
}

func (r *Runner) runRange(ctx context.Context, st *run, dates DateRange) error {
	dims, mets := r.catalog.Combined.Dimensions, r.catalog.Combined.Metrics
	for _, day := range dates.Days() {
		req := report.Request{Dimensions: dims, Metrics: mets, StartDate: day, EndDate: day}
		rows := r.fetch(ctx, st, req, day, day, day)
		for _, row := range rows {
			row[DateField] = day
		}

		inserted, err := r.persist(ctx, modes.CombinedCollection, rows)
		if err != nil {
			return errors.Wrapf(err, "failed to store rows for %s", day)
		}
		st.result.PerDate = append(st.result.PerDate, DateSummary{Date: day, Inserted: inserted, RowCount: len(rows)})
		st.add(inserted, rows, sampleSize)
	}
	return nil
}

func (r *Runner) runSingle(ctx context.Context, st *run) error {
	req := report.Request{Dimensions: r.catalog.Combined.Dimensions, Metrics: r.catalog.Combined.Metrics}
	rows := r.fetch(ctx, st, req, "", string(modes.Combined), "all")

	inserted, err := r.persist(ctx, modes.CombinedCollection, rows)
	if err != nil {
		return errors.Wrap(err, "failed to store combined rows")
	}
	st.add(inserted, rows, sampleSize)
	return nil
}

func (r *Runner) runMapped(ctx context.Context, st *run) error {
	for _, g := range r.catalog.MappedGroups {
		req := report.Request{Dimensions: []string{g.Dimension}, Metrics: g.Metrics}
		rows := r.fetch(ctx, st, req, "", g.Dimension, g.Dimension)

		collection := modes.CollectionFor(g.Dimension)
		inserted, err := r.persist(ctx, collection, rows)
		if err != nil {
			return errors.Wrapf(err, "failed to store rows for %s", g.Dimension)
		}
		st.result.Mapped = append(st.result.Mapped, DimensionSummary{
			Dimension:  g.Dimension,
			Collection: collection,
			Inserted:   inserted,
			RowCount:   len(rows),
			Sample:     head(rows, mappedSampleSize),
		})
		st.result.Inserted = st.result.Inserted.Add(inserted)
		st.result.TotalRows += len(rows)
	}
	return nil
}

// fetch never fails: any error from the configured source is replaced by
// simulated rows for the same request and recorded as a warning.
func (r *Runner) fetch(ctx context.Context, st *run, req report.Request, date, label, scope string) []models.Row {
	raw, err := r.source.Fetch(ctx, req)
	if err == nil {
		r.metrics.Fetch(r.source.Name(), "success")
		st.sources.Add(r.source.Name())
		if raw != nil && raw.Report != nil {
			key := archive.Key{
				Mode:       string(st.mode),
				Scope:      scope,
				Dimensions: req.Dimensions,
				StartDate:  req.StartDate,
				EndDate:    req.EndDate,
				JobID:      st.req.JobID,
			}
			if aerr := r.archiver.Archive(ctx, key, raw.Report); aerr != nil {
				st.logger.Warn().Err(aerr).Str("scope", scope).Msg("Failed to archive raw report")
			}
		}
		return report.Normalize(raw)
	}

	r.metrics.Fetch(r.source.Name(), "fallback")
	st.sources.Add(report.SimulatedSourceName)
	warning := fmt.Sprintf("%s: real GA call failed: %v - simulation used.", label, err)
	st.result.Warnings = append(st.result.Warnings, warning)
	st.logger.Warn().Err(err).Str("scope", label).Msg("Report fetch failed, using simulated rows")

	return report.Normalize(&report.RawResponse{Rows: r.simulator.Simulate(req.Dimensions, req.Metrics, date)})
}

func (r *Runner) persist(ctx context.Context, collection string, rows []models.Row) (loader.Result, error) {
	res, err := r.loader.Persist(ctx, collection, rows)
	if err != nil {
		return res, err
	}
	r.metrics.RowsPersisted(collection, res.Inserted, res.Modified)
	return res, nil
}

func (st *run) add(inserted loader.Result, rows []models.Row, sample int) {
	st.result.Inserted = st.result.Inserted.Add(inserted)
	st.result.TotalRows += len(rows)
	if missing := sample - len(st.result.RowsSample); missing > 0 {
		st.result.RowsSample = append(st.result.RowsSample, head(rows, missing)...)
	}
}

func head(rows []models.Row, n int) []models.Row {
	if len(rows) < n {
		n = len(rows)
	}
	out := make([]models.Row, 0, n)
	return append(out, rows[:n]...)
}

func sourceLabel(sources mapset.Set[string]) string {
	switch sources.Cardinality() {
	case 0:
		return ""
	case 1:
		s, _ := sources.Pop()
		return s
	}
	return "mixed"
}
