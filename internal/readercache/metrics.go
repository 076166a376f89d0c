package readercache

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	clientRequestsTotal    = metrics.NewCounter("client_requests_total")
	clientDroppedTotal     = metrics.NewCounter("client_dropped_total")
	clientFailedTotal      = metrics.NewCounter("client_failed_total")
	clientNavigationsTotal = metrics.NewCounter("client_navigations_total")
	clientSessionsTotal    = metrics.NewCounter("client_reading_sessions_total")

	clientServedBytesTotal = metrics.NewCounter("client_served_bytes_total")

	clientRequestDurationSeconds = metrics.NewHistogram("client_request_duration_seconds")
)

// observeBackend records the duration of a backend call
func observeBackend(operation string, duration time.Duration) {
	metrics.GetOrCreateHistogram(`backend_request_duration_seconds{operation="` + operation + `"}`).Update(duration.Seconds())
}
