package fetcher

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	metUpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mirror_upstream_requests_total", Help: "Upstream GET attempts by outcome."},
		[]string{"outcome"},
	)
	metUploadRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_upload_retries_total",
		Help: "Total object-store upload retry attempts.",
	})
	metUploadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_upload_failures_total",
		Help: "Uploads that exhausted all retry attempts.",
	})
)

// RegisterMetrics registers the fetcher's collectors with reg, once.
func RegisterMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		reg.MustRegister(metUpstreamRequests, metUploadRetries, metUploadFailures)
	})
}
