package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the ingestion collectors. A nil *Recorder records nothing,
// which keeps call sites free of checks when metrics are disabled.
type Recorder struct {
	registry *prometheus.Registry

	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	fetchTotal     *prometheus.CounterVec
	rowsPersisted  *prometheus.CounterVec
	jobsInProgress prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ga_ingest_jobs_total",
				Help: "Ingestion runs by mode and final status",
			},
			[]string{"mode", "status"}, // status=processed/failed
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ga_ingest_job_duration_seconds",
				Help:    "Wall time of ingestion runs",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"mode"},
		),
		fetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ga_ingest_fetch_total",
				Help: "Report fetches by source and outcome",
			},
			[]string{"source", "outcome"}, // outcome=success/fallback
		),
		rowsPersisted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ga_ingest_rows_persisted_total",
				Help: "Documents written by the loader",
			},
			[]string{"collection", "kind"}, // kind=inserted/modified
		),
		jobsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ga_ingest_jobs_in_progress",
				Help: "Ingestion runs currently executing",
			},
		),
	}
}

// Handler exposes the registry for scraping.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// JobStarted marks a run as executing and returns the function that records
// its completion.
func (r *Recorder) JobStarted(mode string) func(status string) {
	if r == nil {
		return func(string) {}
	}
	start := time.Now()
	r.jobsInProgress.Inc()
	return func(status string) {
		r.jobsInProgress.Dec()
		r.jobsTotal.WithLabelValues(mode, status).Inc()
		r.jobDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

func (r *Recorder) Fetch(source, outcome string) {
	if r == nil {
		return
	}
	r.fetchTotal.WithLabelValues(source, outcome).Inc()
}

func (r *Recorder) RowsPersisted(collection string, inserted, modified int) {
	if r == nil {
		return
	}
	r.rowsPersisted.WithLabelValues(collection, "inserted").Add(float64(inserted))
	r.rowsPersisted.WithLabelValues(collection, "modified").Add(float64(modified))
}
