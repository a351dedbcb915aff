// Package metrics exposes Prometheus counters for the offer pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry. All methods are safe on
// a nil receiver so components can run without metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// Engine
	SlotsCreated     prometheus.Counter
	SlotTransitions  *prometheus.CounterVec
	OffersCreated    prometheus.Counter
	OfferTransitions *prometheus.CounterVec
	Replies          *prometheus.CounterVec
	TxConflicts      prometheus.Counter
	FatalErrors      prometheus.Counter
	DispatchDuration prometheus.Histogram
	TimeToFill       prometheus.Histogram

	// Timer
	ExpiryWakeups    *prometheus.CounterVec
	RecoveredBatches prometheus.Counter

	// Notifier
	MessagesSent *prometheus.CounterVec
	SendAttempts prometheus.Counter
	QueueDepth   prometheus.Gauge
	RateLimited  *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "backfill"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SlotsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "slots_created_total",
			Help: "Slots opened from cancellations.",
		}),
		SlotTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "slot_transitions_total",
			Help: "Slot transitions by resulting status.",
		}, []string{"status"}),
		OffersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "offers_created_total",
			Help: "Offers inserted by batch dispatch.",
		}),
		OfferTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "offer_transitions_total",
			Help: "Offer transitions by resulting status.",
		}, []string{"status"}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "replies_total",
			Help: "Inbound replies by outcome.",
		}, []string{"outcome"}),
		TxConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "tx_conflicts_total",
			Help: "Ledger transactions retried after a conflicting transaction.",
		}),
		FatalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "fatal_errors_total",
			Help: "Transitions abandoned after exhausting conflict retries.",
		}),
		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "dispatch_duration_seconds",
			Help:    "Time to rank candidates and commit a batch.",
			Buckets: prometheus.DefBuckets,
		}),
		TimeToFill: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "time_to_fill_seconds",
			Help:    "Time from slot creation to accepted offer.",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}),

		ExpiryWakeups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "expiry_wakeups_total",
			Help: "Hold expiry wake-ups by source (timer, poll, recovery).",
		}, []string{"source"}),
		RecoveredBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "recovered_batches_total",
			Help: "Pending batches re-armed by the startup recovery scan.",
		}),

		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "messages_total",
			Help: "Outbound messages by kind and result.",
		}, []string{"kind", "result"}),
		SendAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "send_attempts_total",
			Help: "Provider send attempts including retries.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "queue_depth",
			Help: "Messages waiting for a worker.",
		}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "web", Name: "rate_limited_total",
			Help: "Requests or sends rejected by a rate limit.",
		}, []string{"scope"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SlotCreated() {
	if m != nil {
		m.SlotsCreated.Inc()
	}
}

func (m *Metrics) SlotTransition(status string) {
	if m != nil {
		m.SlotTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) OffersDispatched(n int, took time.Duration) {
	if m != nil {
		m.OffersCreated.Add(float64(n))
		m.DispatchDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) OfferTransition(status string, n int) {
	if m != nil && n > 0 {
		m.OfferTransitions.WithLabelValues(status).Add(float64(n))
	}
}

func (m *Metrics) Reply(outcome string) {
	if m != nil {
		m.Replies.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.TxConflicts.Inc()
	}
}

func (m *Metrics) Fatal() {
	if m != nil {
		m.FatalErrors.Inc()
	}
}

func (m *Metrics) Filled(since time.Duration) {
	if m != nil {
		m.TimeToFill.Observe(since.Seconds())
	}
}

func (m *Metrics) Wakeup(source string) {
	if m != nil {
		m.ExpiryWakeups.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Recovered(n int) {
	if m != nil {
		m.RecoveredBatches.Add(float64(n))
	}
}

func (m *Metrics) Message(kind, result string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) Attempt() {
	if m != nil {
		m.SendAttempts.Inc()
	}
}

func (m *Metrics) Queue(depth int) {
	if m != nil {
		m.QueueDepth.Set(float64(depth))
	}
}

func (m *Metrics) Limited(scope string) {
	if m != nil {
		m.RateLimited.WithLabelValues(scope).Inc()
	}
}
