// Package obs provides logging, metrics and tracing for the tracking service.
package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the process logger. format "console" (or "text") gives
// human-readable output; anything else is JSON. Unknown levels mean info.
func NewLogger(format, level string) zerolog.Logger {
	return newLogger(os.Stdout, format, level)
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// RequestLogger writes one "http_request" line per request. Server errors log
// at error level and client errors at warn.
type RequestLogger struct {
	Logger zerolog.Logger
}

func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := record(w)
		began := time.Now()
		next.ServeHTTP(rec, r)

		var evt *zerolog.Event
		switch {
		case rec.status >= http.StatusInternalServerError:
			evt = l.Logger.Error()
		case rec.status >= http.StatusBadRequest:
			evt = l.Logger.Warn()
		default:
			evt = l.Logger.Info()
		}
		evt = evt.
			Str("method", r.Method).
			Str("route", routeOf(r)).
			Int("status", rec.status).
			Int64("duration_ms", time.Since(began).Milliseconds()).
			Int64("bytes", rec.bytes).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote_addr", r.RemoteAddr)
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
		if number := chi.URLParam(r, "number"); number != "" {
			evt = evt.Str("tracking_number", number)
		}
		if cache := rec.Header().Get("X-Cache"); cache != "" {
			evt = evt.Str("cache", cache)
		}
		evt.Msg("http_request")
	})
}
