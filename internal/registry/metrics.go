package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirror the teacher's downloader.go style: package-level
// collectors, registered once via sync.Once so tests that construct
// multiple registries in-process don't panic on double registration.
var (
	metricsOnce sync.Once

	metInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_inflight_downloads",
		Help: "Number of crate downloads currently in flight.",
	})
	metCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_downloads_created_total",
		Help: "Total number of upstream fetches started (single-flight winners only).",
	})
	metJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_downloads_joined_total",
		Help: "Total number of requests that joined an already in-flight download.",
	})
	metBytesStreamed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_bytes_streamed_total",
		Help: "Total bytes appended to active-download buffers.",
	})
	metTees = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_active_tees",
		Help: "Number of client Tees currently attached to an active download.",
	})
)

// RegisterMetrics registers the registry's collectors with reg. Safe to
// call from multiple registries; registration only happens once.
func RegisterMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		reg.MustRegister(metInFlight, metCreated, metJoined, metBytesStreamed, metTees)
	})
}
