package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/ga4-ingest/internal/modes"
)

func TestValidateRequest(t *testing.T) {
	mode, dr, err := ValidateRequest("combined", "2024-01-30", "2024-02-02")
	require.NoError(t, err)
	assert.Equal(t, modes.Combined, mode)
	require.NotNil(t, dr)
	assert.Equal(t, []string{"2024-01-30", "2024-01-31", "2024-02-01", "2024-02-02"}, dr.Days())

	_, dr, err = ValidateRequest("combined", "2024-01-01", "2024-01-01")
	require.NoError(t, err)
	assert.Len(t, dr.Days(), 1)

	_, dr, err = ValidateRequest("mapped", "2024-01-01", "")
	require.NoError(t, err)
	assert.Nil(t, dr, "a lone date does not form a range")
}

func TestValidateRequestErrors(t *testing.T) {
	tests := []struct {
		name, mode, start, end string
		field                  string
	}{
		{"start after end", "combined", "2024-01-03", "2024-01-01", "start_date"},
		{"bad start", "combined", "01/02/2024", "2024-01-03", "start_date"},
		{"bad end", "combined", "2024-01-01", "2024-13-01", "end_date"},
		{"bad lone date", "mapped", "", "yesterday", "end_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ValidateRequest(tt.mode, tt.start, tt.end)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	_, _, err := ValidateRequest("daily", "", "")
	assert.ErrorIs(t, err, modes.ErrInvalidMode)
}

func TestDayCountMatchesRange(t *testing.T) {
	for _, tt := range []struct {
		start, end string
		days       int
	}{
		{"2024-02-28", "2024-03-01", 3}, // leap year
		{"2023-12-31", "2024-01-01", 2},
		{"2024-01-01", "2024-12-31", 366},
	} {
		_, dr, err := ValidateRequest("combined", tt.start, tt.end)
		require.NoError(t, err)
		assert.Len(t, dr.Days(), tt.days, "%s..%s", tt.start, tt.end)
	}
}
