package mainboilerplate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticsMux(t *testing.T) {
	var reg = prometheus.NewRegistry()
	var counter = prometheus.NewCounter(prometheus.CounterOpts{Name: "keepsake_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	var readyErr = errors.New("hydrating")
	var mux = NewDiagnosticsMux(reg, func() error { return readyErr })

	var get = func(path string) *httptest.ResponseRecorder {
		var rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		return rec
	}

	var rec = get("/debug/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "hydrating")

	readyErr = nil
	require.Equal(t, http.StatusOK, get("/debug/ready").Code)

	rec = get("/debug/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "keepsake_test_total 1")

	require.Equal(t, http.StatusOK, get("/debug/pprof/").Code)
}
