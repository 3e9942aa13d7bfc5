// Package metrics exposes the Prometheus instrumentation for the outbound
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Submitted *prometheus.CounterVec
	Confirmed prometheus.Counter
	Failed    *prometheus.CounterVec
	Cancelled prometheus.Counter
	Retried   prometheus.Counter
	Refreshes prometheus.Counter

	UploadedBytes prometheus.Counter
	UploadsFailed prometheus.Counter

	Scheduled         prometheus.Counter
	ScheduledPromoted prometheus.Counter
}

// New registers the pipeline collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_submitted_total",
			Help:      "Outbound requests handed to the transport.",
		}, []string{"method"}),
		Confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_confirmed_total",
			Help:      "Messages acknowledged by the server.",
		}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_failed_total",
			Help:      "Messages that ended in the error state.",
		}, []string{"code"}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_cancelled_total",
			Help:      "Messages cancelled before confirmation.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_retried_total",
			Help:      "Failed messages re-entered into the pipeline.",
		}),
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "reference_refreshes_total",
			Help:      "Stale media references re-resolved from their parents.",
		}),
		UploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "uploaded_bytes_total",
			Help:      "File bytes acknowledged by the upload endpoint.",
		}),
		UploadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "uploads_failed_total",
			Help:      "Upload operations that did not complete.",
		}),
		Scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_scheduled_total",
			Help:      "Messages accepted for deferred delivery.",
		}),
		ScheduledPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_promoted_total",
			Help:      "Scheduled messages promoted into the live pipeline.",
		}),
	}
	reg.MustRegister(
		m.Submitted, m.Confirmed, m.Failed, m.Cancelled, m.Retried,
		m.Refreshes, m.UploadedBytes, m.UploadsFailed,
		m.Scheduled, m.ScheduledPromoted,
	)
	return m
}

// IncSubmitted counts one transport submission.
func (m *Metrics) IncSubmitted(method string) {
	if m != nil {
		m.Submitted.WithLabelValues(method).Inc()
	}
}

// IncConfirmed counts one server acknowledgement.
func (m *Metrics) IncConfirmed() {
	if m != nil {
		m.Confirmed.Inc()
	}
}

// IncFailed counts one terminal failure by error code.
func (m *Metrics) IncFailed(code string) {
	if m != nil {
		m.Failed.WithLabelValues(code).Inc()
	}
}

// IncCancelled counts one cancellation.
func (m *Metrics) IncCancelled() {
	if m != nil {
		m.Cancelled.Inc()
	}
}

// IncRetried counts one manual retry.
func (m *Metrics) IncRetried() {
	if m != nil {
		m.Retried.Inc()
	}
}

// IncRefreshes counts one stale-reference re-resolution.
func (m *Metrics) IncRefreshes() {
	if m != nil {
		m.Refreshes.Inc()
	}
}

// AddUploadedBytes counts acknowledged upload bytes.
func (m *Metrics) AddUploadedBytes(n int64) {
	if m != nil && n > 0 {
		m.UploadedBytes.Add(float64(n))
	}
}

// IncUploadsFailed counts one failed upload operation.
func (m *Metrics) IncUploadsFailed() {
	if m != nil {
		m.UploadsFailed.Inc()
	}
}

// IncScheduled counts one deferred acceptance.
func (m *Metrics) IncScheduled() {
	if m != nil {
		m.Scheduled.Inc()
	}
}

// IncPromoted counts one scheduled promotion.
func (m *Metrics) IncPromoted() {
	if m != nil {
		m.ScheduledPromoted.Inc()
	}
}
