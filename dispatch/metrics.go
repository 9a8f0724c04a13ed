package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels recorded per dispatch.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// AgentStats is a snapshot of one agent's dispatch history.
type AgentStats struct {
	Dispatches uint64
	Successes  uint64
	Failures   uint64
	MinLatency time.Duration
	MaxLatency time.Duration
	AvgLatency time.Duration
}

// Snapshot is a point-in-time view of dispatcher metrics, queryable by
// callers without any telemetry backend.
type Snapshot struct {
	// Agents maps agent name to its stats.
	Agents map[string]AgentStats
	// Rules maps routing rule id to the number of messages it routed.
	Rules map[string]uint64
	// Unroutable counts messages no rule matched.
	Unroutable uint64
}

// agentRecord accumulates per-agent timing under the metrics lock.
type agentRecord struct {
	dispatches uint64
	successes  uint64
	failures   uint64
	total      time.Duration
	min        time.Duration
	max        time.Duration
}

// Metrics collects per-agent and per-rule dispatch statistics.
// Each Dispatcher owns its own instance with its own Prometheus
// registry; nothing here is process-global.
type Metrics struct {
	registry *prometheus.Registry

	dispatches *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	inflight   *prometheus.GaugeVec

	mu         sync.Mutex
	agents     map[string]*agentRecord
	rules      map[string]uint64
	unroutable uint64
}

// NewMetrics creates an instance-scoped metrics collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_dispatches_total",
				Help: "Total number of dispatches by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_dispatch_duration_seconds",
				Help:    "Dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_agent_inflight",
				Help: "Messages currently in flight per agent",
			},
			[]string{"agent"},
		),
		agents: make(map[string]*agentRecord),
		rules:  make(map[string]uint64),
	}

	m.registry.MustRegister(m.dispatches, m.latency, m.inflight)
	return m
}

// Registry exposes the Prometheus registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordDispatch records one completed dispatch against an agent.
func (m *Metrics) RecordDispatch(agentName, ruleID string, success bool, d time.Duration) {
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	m.dispatches.WithLabelValues(agentName, outcome).Inc()
	m.latency.WithLabelValues(agentName).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentName]
	if !ok {
		rec = &agentRecord{min: d}
		m.agents[agentName] = rec
	}
	rec.dispatches++
	if success {
		rec.successes++
	} else {
		rec.failures++
	}
	rec.total += d
	if d < rec.min {
		rec.min = d
	}
	if d > rec.max {
		rec.max = d
	}

	if ruleID != "" {
		m.rules[ruleID]++
	}
}

// RecordRejected records a dispatch that never reached an agent
// (capacity exceeded).
func (m *Metrics) RecordRejected(agentName string) {
	m.dispatches.WithLabelValues(agentName, OutcomeRejected).Inc()
}

// RecordUnroutable records a message no rule matched.
func (m *Metrics) RecordUnroutable() {
	m.dispatches.WithLabelValues("", OutcomeRejected).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.unroutable++
}

// SetInFlight refreshes the in-flight gauge for an agent.
func (m *Metrics) SetInFlight(agentName string, n int) {
	m.inflight.WithLabelValues(agentName).Set(float64(n))
}

// Snapshot returns a copy of the accumulated statistics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Agents:     make(map[string]AgentStats, len(m.agents)),
		Rules:      make(map[string]uint64, len(m.rules)),
		Unroutable: m.unroutable,
	}
	for name, rec := range m.agents {
		stats := AgentStats{
			Dispatches: rec.dispatches,
			Successes:  rec.successes,
			Failures:   rec.failures,
			MinLatency: rec.min,
			MaxLatency: rec.max,
		}
		if rec.dispatches > 0 {
			stats.AvgLatency = rec.total / time.Duration(rec.dispatches)
		}
		snap.Agents[name] = stats
	}
	for id, n := range m.rules {
		snap.Rules[id] = n
	}
	return snap
}
