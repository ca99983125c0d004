package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Suppression reasons.
const (
	reasonDisabled     = "disabled"
	reasonLatch        = "latch"
	reasonFiltered     = "filtered"
	reasonDuplicate    = "duplicate"
	reasonBackpressure = "backpressure"
	reasonNoChannel    = "no_channel"
	reasonPanic        = "panic"
)

// Metrics holds pipeline counters on a private registry.
type Metrics struct {
	registry   *prometheus.Registry
	captured   *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	delivered  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	attempts   *prometheus.CounterVec
}

// NewMetrics creates and registers pipeline metrics.
// Params: pending disk queue depth source (nil reports 0).
// Returns: metrics with registry.
func NewMetrics(pending func() float64) *Metrics {
	if pending == nil {
		pending = func() float64 { return 0 }
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		captured: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "beacon", Subsystem: "events", Name: "captured_total", Help: "Events formatted by the pipeline, by level."},
			[]string{"level"},
		),
		suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "beacon", Subsystem: "events", Name: "suppressed_total", Help: "Events intentionally not sent, by reason."},
			[]string{"reason"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "beacon", Subsystem: "events", Name: "delivered_total", Help: "Events accepted by the ingestion endpoint, by channel."},
			[]string{"channel"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "beacon", Subsystem: "events", Name: "dropped_total", Help: "Events lost after capture, by reason."},
			[]string{"reason"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "beacon", Subsystem: "send", Name: "attempts_total", Help: "HTTP send attempts, by result."},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.captured,
		m.suppressed,
		m.delivered,
		m.dropped,
		m.attempts,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "beacon", Subsystem: "disk_queue", Name: "pending", Help: "Records waiting in the fallback queue."},
			pending,
		),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry for /metrics.
// Params: none.
// Returns: registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Delivered records delivered events.
// Params: channel delivery channel; n event count.
// Returns: none.
func (m *Metrics) Delivered(channel string, n int) {
	m.delivered.WithLabelValues(channel).Add(float64(n))
}

// Dropped records lost events.
// Params: reason drop reason; n event count.
// Returns: none.
func (m *Metrics) Dropped(reason string, n int) {
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

// Attempt records one send attempt result.
// Params: result "success" or failure kind.
// Returns: none.
func (m *Metrics) Attempt(result string) {
	m.attempts.WithLabelValues(result).Inc()
}
