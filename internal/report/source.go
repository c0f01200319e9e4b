// Package report fetches GA4 reports, either from the Analytics Data API or
// from a deterministic simulator, and flattens them into rows.
package report

import (
	"context"
	"fmt"
)

// Relative dates understood by the Analytics Data API, used when a request
// leaves its range empty.
const (
	DefaultStartDate = "7daysAgo"
	DefaultEndDate   = "today"
)

type Request struct {
	Dimensions []string
	Metrics    []string
	StartDate  string
	EndDate    string
}

func (r Request) dateRange() (string, string) {
	start, end := r.StartDate, r.EndDate
	if start == "" {
		start = DefaultStartDate
	}
	if end == "" {
		end = DefaultEndDate
	}
	return start, end
}

// Report mirrors the runReport response body.
type Report struct {
	DimensionHeaders []Header    `json:"dimensionHeaders"`
	MetricHeaders    []Header    `json:"metricHeaders"`
	Rows             []ReportRow `json:"rows"`
	RowCount         int         `json:"rowCount"`
}

type Header struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type ReportRow struct {
	DimensionValues []Value `json:"dimensionValues"`
	MetricValues    []Value `json:"metricValues"`
}

type Value struct {
	Value string `json:"value"`
}

// RawResponse is what a Source hands back: a live report, or rows that are
// already flat when the source is the simulator.
type RawResponse struct {
	Report *Report
	Rows   []map[string]any
}

type Source interface {
	Fetch(ctx context.Context, req Request) (*RawResponse, error)
	Name() string
}

// UpstreamFetchError wraps any failure talking to the reporting API.
type UpstreamFetchError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamFetchError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: upstream returned status %d: %s", e.Op, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": upstream request failed"
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }
