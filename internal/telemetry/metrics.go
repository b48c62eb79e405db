package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for routing, the outbox, verification and
// escalations. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasksSubmitted   *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	reassignments    *prometheus.CounterVec
	waiting          prometheus.Gauge
	active           prometheus.Gauge
	opsProcessed     *prometheus.CounterVec
	opLatency        *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	verifyPasses     *prometheus.CounterVec
	verifyRuns       *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	escalationsMuted *prometheus.CounterVec
}

const namespace = "fleetline"

// MustNewMetrics registers the collectors with reg and panics on a conflicting
// registration. Re-registering identical collectors reuses the existing ones.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "tasks_submitted_total",
			Help: "Tasks accepted by the router.",
		}, []string{"kind", "priority"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "status", Name: "transitions_total",
			Help: "Applied status transitions.",
		}, []string{"from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "status", Name: "transitions_rejected_total",
			Help: "Status transitions refused by the lifecycle graph or closure policy.",
		}, []string{"from", "to"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "dispatches_total",
			Help: "Delegations sent to workers.",
		}, []string{"worker"}),
		reassignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "releases_total",
			Help: "Assignments released, by reason.",
		}, []string{"reason"}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "router", Name: "waiting_tasks",
			Help: "Tasks in the wait queue.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "router", Name: "active_tasks",
			Help: "Tasks holding a worker slot.",
		}),
		opsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "ops_total",
			Help: "Outbox operations attempted, by target and result.",
		}, []string{"target", "result"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "op_duration_seconds",
			Help: "Time spent applying one outbox operation.", Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "breaker_open",
			Help: "1 while the target's breaker is open or half-open.",
		}, []string{"target"}),
		verifyPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "verify", Name: "passes_total",
			Help: "Verification passes, by pass number and outcome.",
		}, []string{"pass", "outcome"}),
		verifyRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "verify", Name: "runs_finished_total",
			Help: "Verification runs that reached a terminal state.",
		}, []string{"state"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escalation", Name: "raised_total",
			Help: "Escalations delivered to the coordinator.",
		}, []string{"kind", "urgency"}),
		escalationsMuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escalation", Name: "deduplicated_total",
			Help: "Escalations suppressed inside the cooldown window.",
		}, []string{"kind"}),
	}
	m.tasksSubmitted = register(reg, m.tasksSubmitted)
	m.transitions = register(reg, m.transitions)
	m.rejected = register(reg, m.rejected)
	m.dispatches = register(reg, m.dispatches)
	m.reassignments = register(reg, m.reassignments)
	m.waiting = register(reg, m.waiting)
	m.active = register(reg, m.active)
	m.opsProcessed = register(reg, m.opsProcessed)
	m.opLatency = register(reg, m.opLatency)
	m.breakerState = register(reg, m.breakerState)
	m.verifyPasses = register(reg, m.verifyPasses)
	m.verifyRuns = register(reg, m.verifyRuns)
	m.escalations = register(reg, m.escalations)
	m.escalationsMuted = register(reg, m.escalationsMuted)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) TaskSubmitted(kind, priority string) {
	if m == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(kind, priority).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TransitionRejected(from, to string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Dispatched(worker string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(worker).Inc()
}

func (m *Metrics) Released(reason string) {
	if m == nil {
		return
	}
	m.reassignments.WithLabelValues(reason).Inc()
}

// SetQueueDepth reports the wait queue and active slot counts.
func (m *Metrics) SetQueueDepth(waiting, active int) {
	if m == nil {
		return
	}
	m.waiting.Set(float64(waiting))
	m.active.Set(float64(active))
}

func (m *Metrics) OpProcessed(target, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.opsProcessed.WithLabelValues(target, result).Inc()
	m.opLatency.WithLabelValues(target).Observe(d.Seconds())
}

func (m *Metrics) BreakerOpen(target string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breakerState.WithLabelValues(target).Set(v)
}

func (m *Metrics) VerifyPass(pass int, outcome string) {
	if m == nil {
		return
	}
	m.verifyPasses.WithLabelValues(passLabel(pass), outcome).Inc()
}

func (m *Metrics) VerifyRunFinished(state string) {
	if m == nil {
		return
	}
	m.verifyRuns.WithLabelValues(state).Inc()
}

func (m *Metrics) Escalated(kind, urgency string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(kind, urgency).Inc()
}

func (m *Metrics) EscalationDeduplicated(kind string) {
	if m == nil {
		return
	}
	m.escalationsMuted.WithLabelValues(kind).Inc()
}

func passLabel(pass int) string {
	switch pass {
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	case 4:
		return "4"
	}
	return "other"
}
