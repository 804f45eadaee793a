package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	leader           prometheus.Gauge
	lockToken        prometheus.Gauge
	claimed          prometheus.Counter
	dispatched       prometheus.Counter
	dispatchFailures prometheus.Counter
	reclaimed        *prometheus.CounterVec
	generated        prometheus.Counter
	requeued         prometheus.Counter
	statusEvents     *prometheus.CounterVec
	agentsConnected  prometheus.Gauge
	logGaps          prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hetuflow_leader",
			Help: "1 when this server currently holds the leader lease",
		}),
		lockToken: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hetuflow_lock_token",
			Help: "Fencing token of the leader lease last acquired by this server",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hetuflow_tasks_claimed_total",
			Help: "Tasks moved from pending to locked by this server",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hetuflow_tasks_dispatched_total",
			Help: "Tasks pushed to an agent connection",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hetuflow_dispatch_failures_total",
			Help: "Dispatch pushes rejected by the agent connection",
		}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hetuflow_tasks_reclaimed_total",
			Help: "Tasks returned to pending by a leader sweep",
		}, []string{"reason"}),
		generated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hetuflow_tasks_generated_total",
			Help: "Tasks materialized from schedules",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hetuflow_tasks_requeued_total",
			Help: "Failed or waiting tasks re-queued for another attempt",
		}),
		statusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hetuflow_task_status_events_total",
			Help: "Task instance status reports received from agents",
		}, []string{"status"}),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hetuflow_agents_connected",
			Help: "Agents with a live control-plane connection to this server",
		}),
		logGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hetuflow_log_sequence_gaps_total",
			Help: "Missing or reordered log sequence numbers detected",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.leader, m.lockToken, m.claimed, m.dispatched, m.dispatchFailures,
		m.reclaimed, m.generated, m.requeued, m.statusEvents, m.agentsConnected, m.logGaps,
	)
	return m
}

// Register adds extra collectors, such as DB pool gauges, to the registry.
func (m *Metrics) Register(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.registry.MustRegister(cs...)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetLeader(leader bool, token int64) {
	if m == nil {
		return
	}
	if leader {
		m.leader.Set(1)
		m.lockToken.Set(float64(token))
		return
	}
	m.leader.Set(0)
}

func (m *Metrics) TasksClaimed(n int) {
	if m == nil {
		return
	}
	m.claimed.Add(float64(n))
}

func (m *Metrics) TaskDispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

func (m *Metrics) DispatchFailed() {
	if m == nil {
		return
	}
	m.dispatchFailures.Inc()
}

func (m *Metrics) TasksReclaimed(reason string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.reclaimed.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) TasksGenerated(n int) {
	if m == nil {
		return
	}
	m.generated.Add(float64(n))
}

func (m *Metrics) TasksRequeued(n int64) {
	if m == nil {
		return
	}
	m.requeued.Add(float64(n))
}

func (m *Metrics) TaskStatusEvent(status string) {
	if m == nil {
		return
	}
	m.statusEvents.WithLabelValues(status).Inc()
}

func (m *Metrics) SetAgentsConnected(n int) {
	if m == nil {
		return
	}
	m.agentsConnected.Set(float64(n))
}

func (m *Metrics) LogSequenceGap() {
	if m == nil {
		return
	}
	m.logGaps.Inc()
}
