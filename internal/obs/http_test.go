package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/parcel-tracker/internal/obs"
)

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("parcel", []float64{10, 1}, registry)

	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Route("/v1", func(v chi.Router) {
		v.Get("/tracking/{number}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	for _, number := range []string{"RR1SG", "RR2SG"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tracking/"+number, nil))
		require.Equal(t, http.StatusNoContent, rr.Code)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/v1/tracking/{number}", "204")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))
	require.Equal(t, 2, testutil.CollectAndCount(metrics.ReqDur))

	again := obs.NewHTTPMetrics("parcel", nil, registry)
	require.Same(t, metrics.ReqTotal, again.ReqTotal)
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 10.5, 100}, obs.ParseBucketsCSV(" 5,10.5, ,x,-1,100"))
	require.Empty(t, obs.ParseBucketsCSV(""))
}

func TestRequestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Get("/v1/tracking/{number}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Cache", "HIT")
		_, _ = w.Write([]byte("{}"))
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tracking/RR123456785SG", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "info", line["level"])
	require.Equal(t, "/v1/tracking/{number}", line["route"])
	require.Equal(t, "RR123456785SG", line["tracking_number"])
	require.Equal(t, "HIT", line["cache"])
	require.EqualValues(t, 2, line["bytes"])
	require.Equal(t, "http_request", line["message"])
}
