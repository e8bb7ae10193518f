package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/booktarr/enricher/internal/cache"
)

func TestInstrument(t *testing.T) {
	m := New()

	router := chi.NewRouter()
	router.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})

	srv := httptest.NewServer(m.Instrument(router))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/42")
	assert.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, 1, testutil.CollectAndCount(m.reg, "booktarr_http_requests_seconds"))
}

func TestNormalizePattern(t *testing.T) {
	assert.Equal(t, "/jobs", normalizePattern("/jobs/{id}"))
	assert.Equal(t, "/jobs/bulk", normalizePattern("/jobs/bulk"))
}

func TestReportCacheStats(t *testing.T) {
	m := New()
	m.ReportCacheStats(cache.StatsSnapshot{
		Book: cache.Stats{Hits: 3, Misses: 1},
		API:  cache.Stats{Hits: 5, Misses: 2},
		Page: cache.Stats{Hits: 0, Misses: 0},
	})
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CacheHits.WithLabelValues("book")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.CacheHits.WithLabelValues("api")))
}
