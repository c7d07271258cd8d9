package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const unmatchedRoute = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func record(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// routeOf returns the chi pattern that served r, e.g. /v1/tracking/{number}.
// It is only complete once routing has finished, so call it after the
// downstream handler returns. Raw paths are never used because they embed
// tracking numbers.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}

// HTTPObs records request counts and latency per route pattern.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

// Middleware must run inside the chi router so the route context exists.
func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := record(w)
		o.Metrics.InFlight.Inc()
		began := time.Now()
		defer func() {
			o.Metrics.InFlight.Dec()
			route := routeOf(r)
			o.Metrics.ReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			o.Metrics.ReqDur.WithLabelValues(r.Method, route).Observe(DurationMillis(time.Since(began)))
		}()
		next.ServeHTTP(rec, r)
	})
}

// TracingMiddleware opens a server span per request. The span is renamed to
// "METHOD route" once the route is known.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/noah-isme/parcel-tracker/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method)
		defer span.End()

		rec := record(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		route := routeOf(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", rec.status),
		)
		if number := chi.URLParam(r, "number"); number != "" {
			span.SetAttributes(attribute.String("tracking.number", number))
		}
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
