package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	trackingOnce sync.Once

	// TrackingRequestsTotal counts tracking lookups by provider and outcome.
	TrackingRequestsTotal *prometheus.CounterVec
	// TrackingUpstreamAttempts counts outbound attempts by provider and HTTP status.
	TrackingUpstreamAttempts *prometheus.CounterVec
	// TrackingDuration records lookup latency in milliseconds.
	TrackingDuration *prometheus.HistogramVec
	// TrackingScrapeSessions tracks live browser sessions.
	TrackingScrapeSessions prometheus.Gauge
)

// MustRegisterTrackingMetrics initialises and registers tracking collectors.
// Safe to call more than once.
func MustRegisterTrackingMetrics(namespace string, reg prometheus.Registerer) {
	trackingOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		TrackingRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_requests_total",
			Help:      "Count of tracking lookups by provider and result.",
		}, []string{"provider", "result"})
		TrackingUpstreamAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_upstream_attempts_total",
			Help:      "Count of outbound tracking calls by provider and status.",
		}, []string{"provider", "status"})
		TrackingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tracking_duration_ms",
			Help:      "Tracking lookup latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider"})
		TrackingScrapeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracking_scrape_sessions",
			Help:      "Number of browser sessions currently open.",
		})

		TrackingRequestsTotal = register(reg, TrackingRequestsTotal)
		TrackingUpstreamAttempts = register(reg, TrackingUpstreamAttempts)
		TrackingDuration = register(reg, TrackingDuration)
		TrackingScrapeSessions = register(reg, TrackingScrapeSessions)
	})
}

// ObserveTracking records one finished lookup. No-op until metrics are registered.
func ObserveTracking(provider, result string, millis float64) {
	if TrackingRequestsTotal != nil {
		TrackingRequestsTotal.WithLabelValues(provider, result).Inc()
	}
	if TrackingDuration != nil {
		TrackingDuration.WithLabelValues(provider).Observe(millis)
	}
}

// ObserveUpstreamAttempt records one outbound call.
func ObserveUpstreamAttempt(provider, status string) {
	if TrackingUpstreamAttempts != nil {
		TrackingUpstreamAttempts.WithLabelValues(provider, status).Inc()
	}
}

// ScrapeSessionOpened and ScrapeSessionClosed maintain the live session gauge.
func ScrapeSessionOpened() {
	if TrackingScrapeSessions != nil {
		TrackingScrapeSessions.Inc()
	}
}

func ScrapeSessionClosed() {
	if TrackingScrapeSessions != nil {
		TrackingScrapeSessions.Dec()
	}
}
