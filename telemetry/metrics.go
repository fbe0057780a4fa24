package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe results used as the "result" label of ProbesTotal
const (
	ProbeOK          = "ok"
	ProbeIOError     = "io_error"
	ProbeUnsupported = "unsupported"
	ProbeStale       = "stale"
)

var (
	Registry = prometheus.NewRegistry()

	Peers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerwatch",
			Name:      "peers",
			Help:      "Number of currently connected peers.",
		},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwatch",
			Name:      "probes_total",
			Help:      "Completed latency probes by result.",
		},
		[]string{"result"},
	)

	ProbeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "peerwatch",
			Name:      "probe_latency_seconds",
			Help:      "Round-trip time of successful probes.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
	)

	NotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peerwatch",
			Name:      "notifications_total",
			Help:      "Change notifications delivered to subscribers.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "peerwatch",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(Peers, ProbesTotal, ProbeLatency, NotificationsTotal, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveProbe records the outcome of one probe.
func ObserveProbe(result string, rtt time.Duration) {
	ProbesTotal.WithLabelValues(result).Inc()
	if result == ProbeOK {
		ProbeLatency.Observe(rtt.Seconds())
	}
}
