// Package prometheus exposes protocol counters for operators. Capacity
// pressure is observable here, never through worker-facing errors.
package prometheus

import (
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	acquireWon      prometheus.Counter
	acquireLost     prometheus.Counter
	admissionDenied *prometheus.CounterVec
	tasksExpired    prometheus.Counter
	tasksRequeued   prometheus.Counter
	resultsRouted   *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
}

var _ port.Instrumentation = (*Metrics)(nil)

// New registers the protocol collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquireWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delegate_acquire_won_total",
			Help: "Task acquisitions that won the conditional update",
		}),
		acquireLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delegate_acquire_lost_total",
			Help: "Task acquisitions that lost the race to another worker",
		}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delegate_admission_denied_total",
			Help: "Admissions denied by the capacity ledger",
		}, []string{"key"}),
		tasksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delegate_tasks_expired_total",
			Help: "Tasks transitioned to EXPIRED by the sweeper",
		}),
		tasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delegate_tasks_requeued_total",
			Help: "Acquired tasks returned to QUEUED after failed validation",
		}),
		resultsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delegate_results_routed_total",
			Help: "Result envelopes routed, by callback domain, type tag and outcome",
		}, []string{"domain", "type_tag", "outcome"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "delegate_in_flight_tasks",
			Help: "In-flight task count per capacity key",
		}, []string{"key"}),
	}
	reg.MustRegister(m.acquireWon, m.acquireLost, m.admissionDenied,
		m.tasksExpired, m.tasksRequeued, m.resultsRouted, m.inFlight)
	return m
}

func (m *Metrics) AcquireWon()  { m.acquireWon.Inc() }
func (m *Metrics) AcquireLost() { m.acquireLost.Inc() }

func (m *Metrics) AdmissionDenied(key string) {
	m.admissionDenied.WithLabelValues(key).Inc()
}

func (m *Metrics) TaskExpired()  { m.tasksExpired.Inc() }
func (m *Metrics) TaskRequeued() { m.tasksRequeued.Inc() }

func (m *Metrics) ResultDispatched(domainName, typeTag string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "dropped"
	}
	m.resultsRouted.WithLabelValues(domainName, typeTag, outcome).Inc()
}

func (m *Metrics) SetInFlight(key string, n int) {
	m.inFlight.WithLabelValues(key).Set(float64(n))
}
