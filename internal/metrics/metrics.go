// Package metrics provides Prometheus metrics for the receiver.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "icmpreceiver"

// Packet classification results.
const (
	PacketEcho      = "echo"
	PacketFiltered  = "filtered"
	PacketMalformed = "malformed"
	PacketIgnored   = "ignored"
)

// Metrics contains all Prometheus metrics for the agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Capture
	Packets    *prometheus.CounterVec
	ReadErrors prometheus.Counter

	// Queue
	QueueDepth    prometheus.Gauge
	QueueEnqueued prometheus.Counter
	QueueDropped  *prometheus.CounterVec

	// Workers
	WorkersActive prometheus.Gauge
	ItemsHandled  prometheus.Counter
	ItemPanics    prometheus.Counter

	// Session
	Logins         *prometheus.CounterVec
	RequestRetries prometheus.Counter
	RequestLatency *prometheus.HistogramVec

	// Registration and reporting
	Registrations  *prometheus.CounterVec
	Reports        *prometheus.CounterVec
	ReportAttempts prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Captured ICMP datagrams by classification result",
		}, []string{"result"}),
		ReadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_read_errors_total",
			Help:      "Raw socket read errors other than timeouts",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Work items waiting for a worker",
		}),
		QueueEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Work items accepted by the hand-off queue",
		}),
		QueueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Work items dropped by the full-queue policy",
		}, []string{"policy"}),

		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Worker goroutines currently running",
		}),
		ItemsHandled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_handled_total",
			Help:      "Work items taken from the queue by workers",
		}),
		ItemPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_panics_total",
			Help:      "Work items aborted by a recovered panic",
		}),

		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		RequestRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_request_retries_total",
			Help:      "API requests retried after a connectivity fault",
		}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Latency of successful or conflicting API requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method"}),

		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration outcomes",
		}, []string{"outcome"}),
		Reports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Availability reports by result",
		}, []string{"result"}),
		ReportAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_attempts_total",
			Help:      "Availability report transmissions including retries",
		}),
	}
}

// RecordPacket records one classified datagram.
func (m *Metrics) RecordPacket(result string) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(result).Inc()
}

// RecordReadError records a failed socket read.
func (m *Metrics) RecordReadError() {
	if m == nil {
		return
	}
	m.ReadErrors.Inc()
}

// RecordEnqueue records an accepted push and the resulting depth.
func (m *Metrics) RecordEnqueue(depth int) {
	if m == nil {
		return
	}
	m.QueueEnqueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordDequeue records a pop and the resulting depth.
func (m *Metrics) RecordDequeue(depth int) {
	if m == nil {
		return
	}
	m.ItemsHandled.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordDrop records an item lost to the full-queue policy.
func (m *Metrics) RecordDrop(policy string) {
	if m == nil {
		return
	}
	m.QueueDropped.WithLabelValues(policy).Inc()
}

// WorkerStarted records a worker goroutine starting.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkersActive.Inc()
}

// WorkerStopped records a worker goroutine exiting.
func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.WorkersActive.Dec()
}

// RecordPanic records an item aborted by a panic.
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.ItemPanics.Inc()
}

// RecordLogin records a login attempt.
func (m *Metrics) RecordLogin(ok bool) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(result(ok)).Inc()
}

// RecordRetry records a request retried after a connectivity fault.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.RequestRetries.Inc()
}

// RecordRequest records the latency of a completed API request.
func (m *Metrics) RecordRequest(method string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestLatency.WithLabelValues(method).Observe(seconds)
}

// RecordRegistration records a registration outcome.
func (m *Metrics) RecordRegistration(outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

// RecordReportAttempt records one report transmission.
func (m *Metrics) RecordReportAttempt() {
	if m == nil {
		return
	}
	m.ReportAttempts.Inc()
}

// RecordReport records the final result of a report.
func (m *Metrics) RecordReport(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.Reports.WithLabelValues("accepted").Inc()
		return
	}
	m.Reports.WithLabelValues("rejected").Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
