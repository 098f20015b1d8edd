package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/mgnrega-tracker/internal/config"
	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") != "0" {
			_, _ = w.Write([]byte(`{"records":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"records":[
			{"state_name":"UTTAR PRADESH","district_name":"LUCKNOW","fin_year":"2024-2025","month":"Apr","Total_Households_Worked":"120"},
			{"state_name":"UTTAR PRADESH","district_name":"AGRA","fin_year":"2024-2025","month":"Apr","Total_Households_Worked":80},
			{"state_name":"BIHAR","district_name":"PATNA","fin_year":"2024-2025","month":"Apr","Total_Households_Worked":50}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(endpoint string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 4000},
		Source: config.SourceConfig{
			Endpoint:        endpoint,
			APIKey:          "key",
			PageSize:        10,
			MaxPages:        5,
			StateFilter:     "UTTAR PRADESH",
			MinRecords:      300,
			MinCombinations: 200,
			Timeout:         5 * time.Second,
		},
		Storage:  config.StorageConfig{Provider: config.StorageMemory},
		Archive:  config.ArchiveConfig{Provider: config.ArchiveMemory, Prefix: "raw"},
		Schedule: config.ScheduleConfig{Enabled: true, Spec: "0 */6 * * *"},
	}
}

func TestBuildAndSyncOnce(t *testing.T) {
	t.Parallel()

	upstream := newUpstream(t)
	app, err := Build(context.Background(), testConfig(upstream.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	summary, err := app.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, district.SourceFetched, summary.Source)
	assert.Equal(t, 2, summary.Collected)
	assert.Equal(t, 2, summary.Upserted)
	assert.NotEmpty(t, summary.RunID)

	n, err := app.Store().Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lookup?lat=26.85&lon=80.95", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got district.District
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "uttar-pradesh-lucknow", got.Slug)
	require.Len(t, got.Series, 1)
	assert.InDelta(t, 120, got.Series[0].Metric, 0)
}

func TestBuildLoadsBBoxFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "boxes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`boxes:
  - state: UTTAR PRADESH
    district: AGRA
    bbox: [77.0, 27.0, 78.5, 27.5]
`), 0o600))

	upstream := newUpstream(t)
	cfg := testConfig(upstream.URL)
	cfg.Geo.BBoxFile = path
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = app.SyncOnce(context.Background())
	require.NoError(t, err)
	d, err := app.Store().Get(context.Background(), "uttar-pradesh-agra")
	require.NoError(t, err)
	assert.Equal(t, district.BBox{77.0, 27.0, 78.5, 27.5}, d.BBox)
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "missing bbox file",
			mutate: func(c *config.Config) { c.Geo.BBoxFile = filepath.Join(t.TempDir(), "missing.yaml") },
			want:   "bbox table",
		},
		{
			name: "local archive on a file",
			mutate: func(c *config.Config) {
				c.Archive = config.ArchiveConfig{Provider: config.ArchiveLocal, BaseDir: file}
			},
			want: "local archive",
		},
		{
			name:   "bad schedule",
			mutate: func(c *config.Config) { c.Schedule.Spec = "whenever" },
			want:   "scheduler",
		},
		{
			name:   "collector rejects page size",
			mutate: func(c *config.Config) { c.Source.PageSize = 0 },
			want:   "collector",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig("http://127.0.0.1:1")
			tt.mutate(&cfg)
			app, err := Build(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
			assert.Nil(t, app)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	t.Parallel()

	var order []string
	app := &App{logger: zap.NewNop()}
	app.addCloser("first", func(context.Context) error { order = append(order, "first"); return nil })
	app.addCloser("second", func(context.Context) error {
		order = append(order, "second")
		return assert.AnError
	})

	err := app.Close(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"second", "first"}, order)
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildServesDegradedWhenDatabaseUnreachable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{
			name: "postgres",
			mutate: func(c *config.Config) {
				c.Storage.Provider = config.StoragePostgres
				c.DB = config.DBConfig{DSN: "postgres://u:p@127.0.0.1:1/db", Table: "districts"}
			},
		},
		{
			name: "mongo",
			mutate: func(c *config.Config) {
				c.Storage.Provider = config.StorageMongo
				c.Mongo = config.MongoConfig{
					URI:            "mongodb://127.0.0.1:1",
					Database:       "mgnrega",
					Collection:     "districts",
					ConnectTimeout: 200 * time.Millisecond,
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig("http://127.0.0.1:1")
			tt.mutate(&cfg)

			app, err := Build(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			require.NotNil(t, app)
			t.Cleanup(func() { _ = app.Close(context.Background()) })

			rec := httptest.NewRecorder()
			app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			require.Equal(t, http.StatusServiceUnavailable, rec.Code)

			rec = httptest.NewRecorder()
			app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_health", nil))
			require.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestRunWaitsForInFlightSyncBeforeClosing(t *testing.T) {
	t.Parallel()

	requested := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") != "0" {
			_, _ = w.Write([]byte(`{"records":[]}`))
			return
		}
		once.Do(func() { close(requested) })
		<-release
		_, _ = w.Write([]byte(`{"records":[
			{"state_name":"UTTAR PRADESH","district_name":"LUCKNOW","fin_year":"2024-2025","month":"Apr","Total_Households_Worked":120}
		]}`))
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(upstream.URL)
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Schedule = config.ScheduleConfig{Enabled: false, SyncOnEmpty: true}

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	var storedAtClose atomic.Int64
	app.addCloser("store-snapshot", func(ctx context.Context) error {
		n, err := app.Store().Count(ctx)
		storedAtClose.Store(n)
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	<-requested
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while the startup sync was still collecting")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the sync finished")
	}
	assert.EqualValues(t, 1, storedAtClose.Load())
}

func TestCloseLeavesShutdownLogToRun(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	app := &App{logger: zap.New(core)}
	app.addCloser("noop", func(context.Context) error { return nil })

	require.NoError(t, app.Close(context.Background()))
	assert.Zero(t, logs.FilterMessage("shutdown complete").Len())
}
