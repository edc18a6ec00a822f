// Package metric holds the Prometheus collectors for the acquisition
// pipeline and the protocol server. A nil *Metrics is valid and records
// nothing.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bci"

// Metrics contains every collector the server exports.
type Metrics struct {
	registry *prometheus.Registry

	// Acquisition
	SamplesProcessed  prometheus.Counter
	ChunksArtifact    prometheus.Counter
	ChunksSkipped     prometheus.Counter
	ChunkDuration     prometheus.Histogram
	EventsDetected    *prometheus.CounterVec
	DeviceFaults      prometheus.Counter
	Calibrations      *prometheus.CounterVec
	CommandQueueDepth prometheus.Gauge

	// Protocol
	Requests          *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ClientsConnected  prometheus.Gauge
	SlowClientsClosed prometheus.Counter
	Notifications     *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SamplesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "samples_total",
			Help:      "Total number of samples run through the signal pipeline",
		}),
		ChunksArtifact: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "artifact_chunks_total",
			Help:      "Chunks that contained at least one artifact sample",
		}),
		ChunksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "skipped_chunks_total",
			Help:      "Chunks excluded from detection by the artifact gate",
		}),
		ChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunk_duration_seconds",
			Help:      "Time spent processing one chunk",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
		}),
		EventsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "events_total",
			Help:      "Detected neural events by kind",
		}, []string{"kind"}),
		DeviceFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "faults_total",
			Help:      "Device faults that tore down a session",
		}),
		Calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calibration",
			Name:      "runs_total",
			Help:      "Finished calibration runs by outcome",
		}, []string{"status"}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "command_queue_depth",
			Help:      "Lifecycle commands waiting to run",
		}),

		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "requests_total",
			Help:      "Protocol requests by method and outcome",
		}, []string{"method", "status"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome",
		}, []string{"tool", "status"}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "clients",
			Help:      "Currently connected protocol clients",
		}),
		SlowClientsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "slow_clients_closed_total",
			Help:      "Clients disconnected because their send queue was full",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "notifications_total",
			Help:      "Server notifications sent by method",
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		m.SamplesProcessed, m.ChunksArtifact, m.ChunksSkipped, m.ChunkDuration,
		m.EventsDetected, m.DeviceFaults, m.Calibrations, m.CommandQueueDepth,
		m.Requests, m.ToolCalls, m.ClientsConnected, m.SlowClientsClosed, m.Notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveChunk records one processed chunk of n samples.
func (m *Metrics) ObserveChunk(n int, artifact, skipped bool, d time.Duration) {
	if m == nil {
		return
	}
	m.SamplesProcessed.Add(float64(n))
	if artifact {
		m.ChunksArtifact.Inc()
	}
	if skipped {
		m.ChunksSkipped.Inc()
	}
	m.ChunkDuration.Observe(d.Seconds())
}

func (m *Metrics) EventDetected(kind string) {
	if m == nil {
		return
	}
	m.EventsDetected.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeviceFault() {
	if m == nil {
		return
	}
	m.DeviceFaults.Inc()
}

func (m *Metrics) CalibrationFinished(status string) {
	if m == nil {
		return
	}
	m.Calibrations.WithLabelValues(status).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.CommandQueueDepth.Set(float64(n))
}

// RequestHandled counts a protocol request. status is "ok" or the error
// kind.
func (m *Metrics) RequestHandled(method, status string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, status).Inc()
}

func (m *Metrics) ToolInvoked(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.ClientsConnected.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.ClientsConnected.Dec()
}

func (m *Metrics) SlowClientDropped() {
	if m == nil {
		return
	}
	m.SlowClientsClosed.Inc()
}

func (m *Metrics) NotificationSent(method string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(method).Inc()
}
