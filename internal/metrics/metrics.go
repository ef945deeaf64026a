// Package metrics exposes Prometheus collectors for the drip pipeline.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dripbot"

// Enrollment kinds recorded by Enrolled.
const (
	EnrollNew   = "new"
	EnrollAgain = "re-enroll"
	EnrollError = "error"
)

type Metrics struct {
	reg *prometheus.Registry

	Enrollments        *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec
	SendFailures       *prometheus.CounterVec
	DeliveryRuns       *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
	DueBacklog         prometheus.Gauge
	Subscribers        prometheus.Gauge
	BroadcastsTotal    prometheus.Counter
	BroadcastRecipient *prometheus.CounterVec
	PurgedRows         prometheus.Counter
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Enrollments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Enrollment events by kind (" + EnrollNew + ", " + EnrollAgain + ", " + EnrollError + ").",
		}, []string{"kind"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Drip messages delivered, by stage.",
		}, []string{"stage"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed drip deliveries by reason (transient, blocked, catalog, terminal, welcome).",
		}, []string{"reason"}),
		DeliveryRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_runs_total",
			Help:      "Delivery engine cycles by result (ok, error, busy).",
		}, []string{"result"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_run_duration_seconds",
			Help:      "Duration of delivery engine cycles.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		DueBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "due_backlog",
			Help:      "Due messages found at the start of the last cycle.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Known subscribers at the last status refresh.",
		}),
		BroadcastsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts started.",
		}),
		BroadcastRecipient: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients_total",
			Help:      "Broadcast recipients by result (delivered, failed).",
		}, []string{"result"}),
		PurgedRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_rows_total",
			Help:      "Scheduled rows removed by retention.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Enrolled(kind string) {
	if m == nil {
		return
	}
	m.Enrollments.WithLabelValues(kind).Inc()
}

func (m *Metrics) Sent(stage string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(stage).Inc()
}

func (m *Metrics) SendFailed(reason string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) DeliveryRun(result string, due int, took time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryRuns.WithLabelValues(result).Inc()
	if result != "busy" {
		m.DeliveryDuration.Observe(took.Seconds())
		m.DueBacklog.Set(float64(due))
	}
}

func (m *Metrics) BroadcastRecipients(delivered, failed int) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Inc()
	m.BroadcastRecipient.WithLabelValues("delivered").Add(float64(delivered))
	m.BroadcastRecipient.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.PurgedRows.Add(float64(n))
}

func (m *Metrics) SetSubscribers(n int64) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}
