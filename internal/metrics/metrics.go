// Package metrics exposes Prometheus counters for the session. The
// registry is created only when profiling.enabled is set; a nil *Metrics
// is safe to call, so instrumentation sites never branch. Callers name an
// instrument by its Instrument constant and the method resolves it, which
// keeps nil receivers from ever being dereferenced at a call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Instrument names one session counter.
type Instrument int

const (
	ToolCallsRecorded Instrument = iota
	BusMessages
	ConflictsDetected
	ConflictsResolved
	MergesApplied
	MergesFailed
	AgentsSpawned
	AgentsResurrected
	TokensConsumed
)

// Metrics holds the session's instruments.
type Metrics struct {
	registry *prometheus.Registry
	counters map[Instrument]prometheus.Counter
	active   prometheus.Gauge
}

// New creates and registers the session instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		counters: make(map[Instrument]prometheus.Counter),
	}

	counter := func(inst Instrument, name, help string) {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reswarm", Name: name, Help: help,
		})
		m.registry.MustRegister(c)
		m.counters[inst] = c
	}

	counter(ToolCallsRecorded, "tool_calls_recorded_total", "Tool calls written to the ledger")
	counter(BusMessages, "bus_messages_total", "PRIVMSG payloads observed by the orchestrator")
	counter(ConflictsDetected, "conflicts_detected_total", "Conflict sessions opened")
	counter(ConflictsResolved, "conflicts_resolved_total", "Conflict sessions resolved")
	counter(MergesApplied, "merge_changes_applied_total", "Writes replayed onto the main database")
	counter(MergesFailed, "merge_changes_failed_total", "Writes that failed during replay")
	counter(AgentsSpawned, "agents_spawned_total", "Agent processes launched")
	counter(AgentsResurrected, "agents_resurrected_total", "Completed agents relaunched")
	counter(TokensConsumed, "llm_tokens_total", "Tokens consumed across orchestrator LLM calls")

	m.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reswarm", Name: "active_agents", Help: "Agents currently running",
	})
	m.registry.MustRegister(m.active)
	return m
}

// Registry returns the underlying registry for scraping or test gathering.
// Nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Inc bumps an instrument, tolerating a nil receiver.
func (m *Metrics) Inc(inst Instrument) {
	if m == nil {
		return
	}
	if c := m.counters[inst]; c != nil {
		c.Inc()
	}
}

// Add adds a value to an instrument, tolerating a nil receiver.
func (m *Metrics) Add(inst Instrument, v float64) {
	if m == nil || v <= 0 {
		return
	}
	if c := m.counters[inst]; c != nil {
		c.Add(v)
	}
}

// SetActive updates the live-agent gauge, tolerating nil.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}
