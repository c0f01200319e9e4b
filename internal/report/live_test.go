package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGA answers runReport with one row per country, echoing the requested
// metrics. The second metric chunk omits "JP" to exercise merging.
type fakeGA struct {
	mu       sync.Mutex
	requests []runReportRequest
	status   int
}

func (f *fakeGA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req runReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	status := f.status
	f.mu.Unlock()

	if r.URL.Path != "/properties/123:runReport" || r.Header.Get("Authorization") != "Bearer tok" {
		http.Error(w, "bad request target", http.StatusNotFound)
		return
	}
	if status != 0 {
		http.Error(w, `{"error":"quota"}`, status)
		return
	}

	countries := []string{"US", "JP"}
	if n > 1 {
		countries = []string{"US", "FR"}
	}
	rep := Report{RowCount: len(countries)}
	for _, d := range req.Dimensions {
		rep.DimensionHeaders = append(rep.DimensionHeaders, Header{Name: d.Name})
	}
	for _, m := range req.Metrics {
		rep.MetricHeaders = append(rep.MetricHeaders, Header{Name: m.Name, Type: "TYPE_INTEGER"})
	}
	for _, c := range countries {
		row := ReportRow{DimensionValues: []Value{{c}}}
		for range req.Metrics {
			row.MetricValues = append(row.MetricValues, Value{"7"})
		}
		rep.Rows = append(rep.Rows, row)
	}
	_ = json.NewEncoder(w).Encode(rep)
}

func TestLiveFetchChunksAndMerges(t *testing.T) {
	ga := &fakeGA{}
	srv := httptest.NewServer(ga)
	defer srv.Close()

	src := NewLiveSource(LiveConfig{PropertyID: "123", Endpoint: srv.URL, MaxMetricsPerRequest: 2}, StaticToken("tok"), srv.Client(), zerolog.Nop())
	raw, err := src.Fetch(context.Background(), Request{
		Dimensions: []string{"country"},
		Metrics:    []string{"sessions", "totalUsers", "newUsers"},
	})
	require.NoError(t, err)

	require.Len(t, ga.requests, 2)
	assert.Equal(t, []dateRange{{StartDate: "7daysAgo", EndDate: "today"}}, ga.requests[0].DateRanges)
	assert.Len(t, ga.requests[0].Metrics, 2)
	assert.Equal(t, []named{{Name: "newUsers"}}, ga.requests[1].Metrics)

	rows := Normalize(raw)
	require.Len(t, rows, 3)
	assert.Equal(t, 7.0, rows[0]["newUsers"])
	assert.Equal(t, "JP", rows[1]["country"])
	assert.Equal(t, 0.0, rows[1]["newUsers"])
	assert.Equal(t, "FR", rows[2]["country"])
	assert.Equal(t, 0.0, rows[2]["sessions"])
	assert.Equal(t, 7.0, rows[2]["newUsers"])
}

func TestLiveFetchUpstreamError(t *testing.T) {
	ga := &fakeGA{status: http.StatusTooManyRequests}
	srv := httptest.NewServer(ga)
	defer srv.Close()

	src := NewLiveSource(LiveConfig{PropertyID: "123", Endpoint: srv.URL}, StaticToken("tok"), srv.Client(), zerolog.Nop())
	_, err := src.Fetch(context.Background(), Request{Dimensions: []string{"country"}, Metrics: []string{"sessions"}, StartDate: "2024-01-01", EndDate: "2024-01-01"})

	var upstream *UpstreamFetchError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
	assert.Contains(t, upstream.Error(), "quota")
	assert.Equal(t, "2024-01-01", ga.requests[0].DateRanges[0].StartDate)
}

func TestLiveFetchRequiresDimensionsAndMetrics(t *testing.T) {
	src := NewLiveSource(LiveConfig{PropertyID: "123"}, StaticToken("tok"), nil, zerolog.Nop())
	_, err := src.Fetch(context.Background(), Request{Metrics: []string{"sessions"}})
	assert.Error(t, err)
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunk([]string{"a", "b", "c"}, 2))
	assert.Equal(t, [][]string{{"a", "b"}}, chunk([]string{"a", "b"}, 9))
}
