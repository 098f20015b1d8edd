package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

// fakeUpstream serves pages from a slice; offsets past the end return an
// empty record list.
type fakeUpstream struct {
	mu       sync.Mutex
	rows     []map[string]any
	requests []*http.Request
	failures map[int]int // offset -> remaining failing responses
	status   int
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Clone(context.Background()))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if remaining := f.failures[offset]; remaining > 0 {
		f.failures[offset] = remaining - 1
		f.mu.Unlock()
		w.WriteHeader(f.status)
		return
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	page := []map[string]any{}
	if offset < len(f.rows) {
		page = f.rows[offset:end]
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"records": page, "total": len(f.rows)})
}

func (f *fakeUpstream) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func row(state, name, year, month string, households int) map[string]any {
	return map[string]any{
		"state_name":              state,
		"district_name":           name,
		"fin_year":                year,
		"month":                   month,
		"Total_Households_Worked": households,
	}
}

func newTestCollector(t *testing.T, url string, mutate func(*Config)) *Collector {
	t.Helper()
	cfg := Config{
		Endpoint:        url,
		APIKey:          "secret",
		PageSize:        2,
		MaxPages:        100,
		StateFilter:     "UTTAR PRADESH",
		MinRecords:      1000,
		MinCombinations: 1000,
		RetryBackoff:    time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PageSize: 1, MaxPages: 1}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoint: "http://x", MaxPages: 1}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoint: "http://x", PageSize: 1}, nil, nil)
	require.Error(t, err)
	c, err := New(Config{Endpoint: "http://x", PageSize: 1, MaxPages: 1}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, c.client)
}

func TestCollectStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{rows: []map[string]any{
		row("UTTAR PRADESH", "Lucknow", "2024-2025", "Apr", 10),
		row("UTTAR PRADESH", "Kanpur Nagar", "2024-2025", "Apr", 20),
		row("UTTAR PRADESH", "Agra", "2024-2025", "Apr", 30),
	}}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	records, err := newTestCollector(t, srv.URL, nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 3)
	// pages at offsets 0, 2 and the empty page at 4
	assert.Equal(t, 3, up.requestCount())
}

func TestCollectStopsWhenCoverageReached(t *testing.T) {
	t.Parallel()

	var rows []map[string]any
	for i := 0; i < 20; i++ {
		rows = append(rows, row("UTTAR PRADESH", fmt.Sprintf("District %d", i), "2024-2025", "Apr", i+1))
	}
	up := &fakeUpstream{rows: rows}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	c := newTestCollector(t, srv.URL, func(cfg *Config) {
		cfg.MinRecords = 5
		cfg.MinCombinations = 5
	})
	records, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 6)
	assert.Equal(t, 3, up.requestCount())
}

func TestCollectCombinationsGateStop(t *testing.T) {
	t.Parallel()

	// Every row repeats the same combination, so only the record threshold is met.
	var rows []map[string]any
	for i := 0; i < 6; i++ {
		rows = append(rows, row("UTTAR PRADESH", "Lucknow", "2024-2025", "Apr", i+1))
	}
	up := &fakeUpstream{rows: rows}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	c := newTestCollector(t, srv.URL, func(cfg *Config) {
		cfg.MinRecords = 2
		cfg.MinCombinations = 2
	})
	records, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 6)
	assert.Equal(t, 4, up.requestCount())
}

func TestCollectRespectsMaxPages(t *testing.T) {
	t.Parallel()

	var rows []map[string]any
	for i := 0; i < 50; i++ {
		rows = append(rows, row("UTTAR PRADESH", "Lucknow", "2024-2025", "Apr", i))
	}
	up := &fakeUpstream{rows: rows}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	c := newTestCollector(t, srv.URL, func(cfg *Config) { cfg.MaxPages = 3 })
	records, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 6)
	assert.Equal(t, 3, up.requestCount())
}

func TestCollectFiltersByState(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{rows: []map[string]any{
		row("Uttar Pradesh", "Lucknow", "2024-2025", "Apr", 10),
		row("BIHAR", "Patna", "2024-2025", "Apr", 20),
		{"district_name": "Nowhere"},
		row("UTTAR PRADESH", "Agra", "2024-2025", "May", 30),
	}}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	records, err := newTestCollector(t, srv.URL, nil).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Lucknow", records[0].String("district_name"))
	assert.Equal(t, "Agra", records[1].String("district_name"))
}

func TestCollectNoMatchesReturnsErrNoData(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{rows: []map[string]any{row("BIHAR", "Patna", "2024-2025", "Apr", 20)}}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	_, err := newTestCollector(t, srv.URL, nil).Collect(context.Background())
	require.ErrorIs(t, err, district.ErrNoData)
}

func TestCollectAbortsOnUpstreamError(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{
		rows:     []map[string]any{row("UTTAR PRADESH", "Lucknow", "2024-2025", "Apr", 10)},
		failures: map[int]int{0: 1},
		status:   http.StatusBadRequest,
	}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	_, err := newTestCollector(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 3 }).Collect(context.Background())
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	// 4xx other than 429 is not retried.
	assert.Equal(t, 1, up.requestCount())
}

func TestCollectRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{
		rows:     []map[string]any{row("UTTAR PRADESH", "Lucknow", "2024-2025", "Apr", 10)},
		failures: map[int]int{0: 2},
		status:   http.StatusServiceUnavailable,
	}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	records, err := newTestCollector(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 2 }).Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	// two failures, one success, one empty page
	assert.Equal(t, 4, up.requestCount())
}

func TestCollectWithoutRetriesFailsFast(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{
		rows:     []map[string]any{row("UTTAR PRADESH", "Lucknow", "2024-2025", "Apr", 10)},
		failures: map[int]int{0: 1},
		status:   http.StatusBadGateway,
	}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	_, err := newTestCollector(t, srv.URL, nil).Collect(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, up.requestCount())
}

func TestCollectSendsQueryParameters(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{rows: []map[string]any{row("UTTAR PRADESH", "Lucknow", "2024-2025", "Apr", 10)}}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	_, err := newTestCollector(t, srv.URL+"/resource/abc", func(cfg *Config) {
		cfg.PageSize = 10
		cfg.UserAgent = "mgnrega-tracker/test"
	}).Collect(context.Background())
	require.NoError(t, err)

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.requests, 2)
	first := up.requests[0]
	assert.Equal(t, "/resource/abc", first.URL.Path)
	assert.Equal(t, "secret", first.URL.Query().Get("api-key"))
	assert.Equal(t, "json", first.URL.Query().Get("format"))
	assert.Equal(t, "10", first.URL.Query().Get("limit"))
	assert.Equal(t, "0", first.URL.Query().Get("offset"))
	assert.Equal(t, "10", up.requests[1].URL.Query().Get("offset"))
	assert.Equal(t, "mgnrega-tracker/test", first.Header.Get("User-Agent"))
}

func TestCollectPreservesNumericPrecision(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			_, _ = w.Write([]byte(`{"records":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"records":[{"state_name":"UTTAR PRADESH","district_name":"Lucknow","fin_year":"2024-2025","month":"Apr","Total_Households_Worked":12345}]}`))
	}))
	t.Cleanup(srv.Close)

	records, err := newTestCollector(t, srv.URL, nil).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, json.Number("12345"), records[0]["Total_Households_Worked"])
}

func TestCollectHonorsCancellation(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"records":[{"state_name":"UTTAR PRADESH","district_name":"Lucknow"}]}`))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestCollector(t, srv.URL, nil).Collect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, hits.Load())
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(2, 10*time.Millisecond)
	assert.True(t, p.shouldRetry(&StatusError{Code: http.StatusTooManyRequests}, 1))
	assert.True(t, p.shouldRetry(&StatusError{Code: http.StatusInternalServerError}, 2))
	assert.False(t, p.shouldRetry(&StatusError{Code: http.StatusInternalServerError}, 3))
	assert.False(t, p.shouldRetry(&StatusError{Code: http.StatusNotFound}, 1))
	assert.False(t, p.shouldRetry(context.Canceled, 1))
	assert.True(t, p.shouldRetry(context.DeadlineExceeded, 1))
	assert.False(t, p.shouldRetry(errors.New("decode page: bad json"), 1))

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}
