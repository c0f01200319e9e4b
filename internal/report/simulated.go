package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const SimulatedSourceName = "simulated"

// SimulatedSource produces deterministic placeholder rows. It is the primary
// source when no credentials are configured and the fallback whenever a live
// fetch fails.
type SimulatedSource struct {
	rows  int
	now   func() time.Time
	newID func() string
}

func NewSimulatedSource(rows int) *SimulatedSource {
	if rows <= 0 {
		rows = 5
	}
	return &SimulatedSource{rows: rows, now: time.Now, newID: uuid.NewString}
}

func (s *SimulatedSource) Name() string { return SimulatedSourceName }

// Fetch simulates the request. A single concrete day is treated as a dated
// request so its rows carry the date like a per-day fallback would.
func (s *SimulatedSource) Fetch(ctx context.Context, req Request) (*RawResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	date := ""
	if req.StartDate != "" && req.StartDate == req.EndDate {
		if _, err := time.Parse(time.DateOnly, req.StartDate); err == nil {
			date = req.StartDate
		}
	}
	return &RawResponse{Rows: s.simulate(req.Dimensions, req.Metrics, date)}, nil
}

// Simulate builds rows for the given dimensions and metrics. Row i has
// dimension values "<dim>_val_<suffix>" where suffix is "<yyyymmdd>_<i>" for a
// dated request and "<i>" otherwise, and metric values i*10+len(metric).
func (s *SimulatedSource) Simulate(dimensions, metrics []string, date string) []map[string]any {
	return s.simulate(dimensions, metrics, date)
}

func (s *SimulatedSource) simulate(dimensions, metrics []string, date string) []map[string]any {
	rows := make([]map[string]any, 0, s.rows)
	for i := 0; i < s.rows; i++ {
		suffix := fmt.Sprint(i)
		if date != "" {
			suffix = strings.ReplaceAll(date, "-", "") + "_" + suffix
		}

		row := make(map[string]any, len(dimensions)+len(metrics)+3)
		for _, d := range dimensions {
			row[d] = d + "_val_" + suffix
		}
		for _, m := range metrics {
			row[m] = i*10 + len(m)
		}
		row["id"] = s.newID()
		row["created_at"] = s.now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
		if date != "" {
			row["date"] = date
		}
		rows = append(rows, row)
	}
	return rows
}
