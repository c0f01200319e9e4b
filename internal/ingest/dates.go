package ingest

import (
	"time"

	"github.com/stanstork/ga4-ingest/internal/modes"
)

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days lists every day of the range in ascending order as YYYY-MM-DD.
func (r DateRange) Days() []string {
	var days []string
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(time.DateOnly))
	}
	return days
}

// ValidateRequest checks mode and dates. A range is returned only when both
// dates are given; a lone date is checked for format and otherwise ignored.
func ValidateRequest(mode, startDate, endDate string) (modes.Mode, *DateRange, error) {
	m, err := modes.ParseRunMode(mode)
	if err != nil {
		return "", nil, err
	}

	start, err := parseDate("start_date", startDate)
	if err != nil {
		return "", nil, err
	}
	end, err := parseDate("end_date", endDate)
	if err != nil {
		return "", nil, err
	}
	if start == nil || end == nil {
		return m, nil, nil
	}
	if start.After(*end) {
		return "", nil, &ValidationError{Field: "start_date", Value: startDate, Reason: "must be <= end_date"}
	}
	return m, &DateRange{Start: *start, End: *end}, nil
}

func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, &ValidationError{Field: field, Value: value, Reason: "must be in YYYY-MM-DD format"}
	}
	return &t, nil
}
