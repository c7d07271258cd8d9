package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the process-wide readiness flag. The API sets it to false at
// the start of graceful shutdown so load balancers drain traffic.
func SetReady(v bool) { ready.Store(v) }

// IsReady reports the current readiness flag.
func IsReady() bool { return ready.Load() }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	// Checker is nil when the service runs without Redis.
	Checker      Checker
	RedisTimeout time.Duration
	// Info adds informational entries such as upstream breaker states. They
	// never affect the status code.
	Info func() map[string]string
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on the shutdown flag and dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	if h.Info != nil {
		for k, v := range h.Info() {
			status[k] = v
		}
	}
	status["status"] = "ok"
	status["redis"] = "disabled"
	code := http.StatusOK

	if !IsReady() {
		status["status"] = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	if h.Checker != nil {
		status["redis"] = "ok"
		if err := h.Checker.PingRedis(r.Context(), h.redisTimeout()); err != nil {
			status["redis"] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
