// Package metrics exposes Prometheus instrumentation for the critical value
// engine.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "critvalue"

// Recorder owns the engine's collectors on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	detections      *prometheus.CounterVec
	escalations     prometheus.Counter
	acknowledgments *prometheus.CounterVec
	ackRejections   prometheus.Counter
	notifications   *prometheus.CounterVec
	ackLatency      prometheus.Histogram
	pending         prometheus.Gauge
}

// New registers the engine collectors plus the Go and process collectors on
// a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Critical values detected, by priority and severity",
		}, []string{"priority", "severity"}),
		escalations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Critical values escalated after the compliance window expired",
		}),
		acknowledgments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgments_total",
			Help:      "Acknowledgments recorded, by compliance status",
		}, []string{"compliance_status"}),
		ackRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgment_rejections_total",
			Help:      "Acknowledgments rejected because the value was already acknowledged",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_attempts_total",
			Help:      "Notification gateway invocations, by kind and outcome",
		}, []string{"kind", "outcome"}),
		ackLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_acknowledge_minutes",
			Help:      "Minutes from detection to acknowledgment",
			Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 60, 120},
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unacknowledged",
			Help:      "Critical values awaiting acknowledgment",
		}),
	}
}

func (r *Recorder) Detected(priority, severity string) {
	r.detections.WithLabelValues(priority, severity).Inc()
	r.pending.Inc()
}

func (r *Recorder) Escalated() {
	r.escalations.Inc()
}

func (r *Recorder) Acknowledged(complianceStatus string, minutes float64) {
	r.acknowledgments.WithLabelValues(complianceStatus).Inc()
	r.ackLatency.Observe(minutes)
	r.pending.Dec()
}

func (r *Recorder) AckRejected() {
	r.ackRejections.Inc()
}

func (r *Recorder) NotificationAttempt(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.notifications.WithLabelValues(kind, outcome).Inc()
}

// SetUnacknowledged overwrites the gauge, used after recovering state on startup.
func (r *Recorder) SetUnacknowledged(n int) {
	r.pending.Set(float64(n))
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
}
