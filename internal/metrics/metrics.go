package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Acquisition counters
	FramesPublished atomic.Uint64
	ReadErrors      atomic.Uint64

	// Detection counters
	DetectorRuns atomic.Uint64
	Detections   atomic.Uint64

	// Capture counters
	AutoCaptures    atomic.Uint64
	Captures        atomic.Uint64
	CaptureFailures atomic.Uint64

	// Stream tracking
	StreamClients      atomic.Int64
	StreamFramesSent   atomic.Uint64
	StreamEncodeErrors atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{
			"docscan_frames_published_total",
			"Total frames published into the shared slot",
			func() float64 { return float64(m.FramesPublished.Load()) },
		},
		{
			"docscan_read_errors_total",
			"Total failed camera reads",
			func() float64 { return float64(m.ReadErrors.Load()) },
		},
		{
			"docscan_detector_runs_total",
			"Total document-presence evaluations",
			func() float64 { return float64(m.DetectorRuns.Load()) },
		},
		{
			"docscan_detections_total",
			"Total positive document detections",
			func() float64 { return float64(m.Detections.Load()) },
		},
		{
			"docscan_auto_captures_total",
			"Total captures triggered by auto-detection",
			func() float64 { return float64(m.AutoCaptures.Load()) },
		},
		{
			"docscan_captures_total",
			"Total capture artifacts written",
			func() float64 { return float64(m.Captures.Load()) },
		},
		{
			"docscan_capture_failures_total",
			"Total capture attempts that produced nothing",
			func() float64 { return float64(m.CaptureFailures.Load()) },
		},
		{
			"docscan_stream_clients",
			"Number of connected stream viewers",
			func() float64 { return float64(m.StreamClients.Load()) },
		},
		{
			"docscan_stream_frames_sent_total",
			"Total encoded frames sent to stream viewers",
			func() float64 { return float64(m.StreamFramesSent.Load()) },
		},
		{
			"docscan_stream_encode_errors_total",
			"Total frames skipped due to encode failures",
			func() float64 { return float64(m.StreamEncodeErrors.Load()) },
		},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.fn,
		))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
