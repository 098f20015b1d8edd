package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSync(t *testing.T) {
	Init()
	before := testutil.ToFloat64(syncRunsTotal.WithLabelValues("fetched"))
	okBefore := testutil.ToFloat64(upsertsTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(upsertsTotal.WithLabelValues("error"))

	ObserveSync("fetched", 7, 2, 3*time.Second)

	assert.InDelta(t, before+1, testutil.ToFloat64(syncRunsTotal.WithLabelValues("fetched")), 1e-9)
	assert.InDelta(t, okBefore+7, testutil.ToFloat64(upsertsTotal.WithLabelValues("ok")), 1e-9)
	assert.InDelta(t, errBefore+2, testutil.ToFloat64(upsertsTotal.WithLabelValues("error")), 1e-9)
	assert.InDelta(t, 7, testutil.ToFloat64(storedDistricts), 1e-9)
}

func TestObserveCollectorPage(t *testing.T) {
	Init()
	pages := testutil.ToFloat64(collectorPagesTotal)
	seen := testutil.ToFloat64(collectorRecordsTotal.WithLabelValues("seen"))
	matched := testutil.ToFloat64(collectorRecordsTotal.WithLabelValues("matched"))

	ObserveCollectorPage(10, 4)

	assert.InDelta(t, pages+1, testutil.ToFloat64(collectorPagesTotal), 1e-9)
	assert.InDelta(t, seen+10, testutil.ToFloat64(collectorRecordsTotal.WithLabelValues("seen")), 1e-9)
	assert.InDelta(t, matched+4, testutil.ToFloat64(collectorRecordsTotal.WithLabelValues("matched")), 1e-9)
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe/1", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 1e-9)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestHandlerServesRegistry(t *testing.T) {
	Init()
	ObserveCollectorRetry()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mgnrega_collector_retries_total")
}
