package report

import (
	"math"
	"strconv"

	"github.com/stanstork/ga4-ingest/internal/models"
)

// Normalize flattens a raw response into rows keyed by dimension and metric
// name. Metric values that parse as finite numbers become float64; anything
// else is kept verbatim. Values without a matching header are dropped.
func Normalize(raw *RawResponse) []models.Row {
	if raw == nil {
		return []models.Row{}
	}
	if raw.Report == nil {
		rows := make([]models.Row, 0, len(raw.Rows))
		for _, r := range raw.Rows {
			rows = append(rows, models.Row(r))
		}
		return rows
	}

	rep := raw.Report
	rows := make([]models.Row, 0, len(rep.Rows))
	for _, r := range rep.Rows {
		row := make(models.Row, len(r.DimensionValues)+len(r.MetricValues))
		for i, dv := range r.DimensionValues {
			if i >= len(rep.DimensionHeaders) {
				break
			}
			row[rep.DimensionHeaders[i].Name] = dv.Value
		}
		for i, mv := range r.MetricValues {
			if i >= len(rep.MetricHeaders) {
				break
			}
			row[rep.MetricHeaders[i].Name] = parseMetric(mv.Value)
		}
		rows = append(rows, row)
	}
	return rows
}

func parseMetric(v string) any {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return v
	}
	return f
}
