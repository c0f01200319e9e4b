package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	LiveSourceName = "ga4"

	DefaultEndpoint             = "https://analyticsdata.googleapis.com/v1beta"
	DefaultMaxMetricsPerRequest = 9
	DefaultPageSize             = 10000
)

type LiveConfig struct {
	PropertyID           string
	Endpoint             string
	MaxMetricsPerRequest int
	PageSize             int
	RequestsPerSecond    float64
	Timeout              time.Duration
}

// invalidator is implemented by token sources that cache tokens.
type invalidator interface {
	Invalidate()
}

// LiveSource calls runReport on the Analytics Data API. Requests with more
// metrics than the API accepts are split into chunks and the chunk responses
// merged back by dimension values.
type LiveSource struct {
	cfg        LiveConfig
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func NewLiveSource(cfg LiveConfig, tokens TokenSource, httpClient *http.Client, logger zerolog.Logger) *LiveSource {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxMetricsPerRequest <= 0 {
		cfg.MaxMetricsPerRequest = DefaultMaxMetricsPerRequest
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &LiveSource{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With().Str("component", "ga4").Str("property_id", cfg.PropertyID).Logger(),
	}
}

func (s *LiveSource) Name() string { return LiveSourceName }

func (s *LiveSource) Fetch(ctx context.Context, req Request) (*RawResponse, error) {
	if len(req.Dimensions) == 0 || len(req.Metrics) == 0 {
		return nil, errors.New("report request needs at least one dimension and one metric")
	}
	start, end := req.dateRange()

	var merged *Report
	for _, chunk := range chunk(req.Metrics, s.cfg.MaxMetricsPerRequest) {
		rep, err := s.fetchAll(ctx, req.Dimensions, chunk, start, end)
		if err != nil {
			return nil, err
		}
		merged = mergeReports(merged, rep)
	}
	return &RawResponse{Report: merged}, nil
}

type runReportRequest struct {
	DateRanges []dateRange `json:"dateRanges"`
	Dimensions []named     `json:"dimensions"`
	Metrics    []named     `json:"metrics"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
}

type dateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type named struct {
	Name string `json:"name"`
}

// fetchAll pages through one runReport request until rowCount rows are read.
func (s *LiveSource) fetchAll(ctx context.Context, dimensions, metrics []string, start, end string) (*Report, error) {
	body := runReportRequest{
		DateRanges: []dateRange{{StartDate: start, EndDate: end}},
		Dimensions: names(dimensions),
		Metrics:    names(metrics),
		Limit:      s.cfg.PageSize,
	}

	var out *Report
	for {
		page, err := s.runReportWithRetry(ctx, body)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = page
		} else {
			out.Rows = append(out.Rows, page.Rows...)
		}
		if len(page.Rows) == 0 || len(out.Rows) >= page.RowCount {
			break
		}
		body.Offset = len(out.Rows)
	}

	s.logger.Debug().
		Str("start_date", start).
		Str("end_date", end).
		Int("metrics", len(metrics)).
		Int("rows", len(out.Rows)).
		Msg("GA4 report fetched")
	return out, nil
}

// runReportWithRetry retries once with a fresh token when the API rejects the
// cached one.
func (s *LiveSource) runReportWithRetry(ctx context.Context, body runReportRequest) (*Report, error) {
	rep, err := s.runReport(ctx, body)
	var upstream *UpstreamFetchError
	if errors.As(err, &upstream) && upstream.Status == http.StatusUnauthorized {
		if inv, ok := s.tokens.(invalidator); ok {
			s.logger.Info().Msg("GA4 token rejected, refreshing")
			inv.Invalidate()
			return s.runReport(ctx, body)
		}
	}
	return rep, err
}

func (s *LiveSource) runReport(ctx context.Context, body runReportRequest) (*Report, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal runReport request")
	}
	url := fmt.Sprintf("%s/properties/%s:runReport", strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.PropertyID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create runReport request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamFetchError{Op: "runReport", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &UpstreamFetchError{Op: "runReport", Status: resp.StatusCode, Body: string(msg)}
	}

	var rep Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, &UpstreamFetchError{Op: "runReport", Err: errors.Wrap(err, "failed to decode runReport response")}
	}
	return &rep, nil
}

func names(in []string) []named {
	out := make([]named, 0, len(in))
	for _, n := range in {
		out = append(out, named{Name: n})
	}
	return out
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	return append(out, items)
}

// mergeReports joins the metric columns of next onto base, matching rows by
// their dimension values. GA omits rows whose metrics are all zero, so a row
// missing from one side gets "0" for that side's metrics.
func mergeReports(base, next *Report) *Report {
	if base == nil {
		return next
	}
	baseWidth, nextWidth := len(base.MetricHeaders), len(next.MetricHeaders)

	index := make(map[string]int, len(base.Rows))
	for i, r := range base.Rows {
		index[dimensionKey(r)] = i
	}
	matched := make([]bool, len(base.Rows))

	for _, r := range next.Rows {
		if i, ok := index[dimensionKey(r)]; ok {
			base.Rows[i].MetricValues = append(base.Rows[i].MetricValues, r.MetricValues...)
			matched[i] = true
			continue
		}
		row := ReportRow{DimensionValues: r.DimensionValues, MetricValues: zeros(baseWidth)}
		row.MetricValues = append(row.MetricValues, r.MetricValues...)
		base.Rows = append(base.Rows, row)
	}
	for i, ok := range matched {
		if !ok {
			base.Rows[i].MetricValues = append(base.Rows[i].MetricValues, zeros(nextWidth)...)
		}
	}

	base.MetricHeaders = append(base.MetricHeaders, next.MetricHeaders...)
	base.RowCount = len(base.Rows)
	return base
}

func dimensionKey(r ReportRow) string {
	parts := make([]string, len(r.DimensionValues))
	for i, v := range r.DimensionValues {
		parts[i] = v.Value
	}
	return strings.Join(parts, "\x1f")
}

func zeros(n int) []Value {
	out := make([]Value, n)
	for i := range out {
		out[i] = Value{Value: "0"}
	}
	return out
}
