package hastate

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// newMetrics initialize Prometheus metrics for monitoring node.
// Collectors already registered by another node of the same process are reused
func newMetrics(nodeID, namespace string, registerer prometheus.Registerer) *metrics {
	labels := []string{"node_id"}
	z := &metrics{
		id: nodeID,
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "server_mode",
			Help:      "Indicates current server mode",
		}, []string{"node_id", "mode"}),
		elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "elections_total",
			Help:      "Number of election rounds by result",
		}, []string{"node_id", "result"}),
		electionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "election_duration_seconds",
			Help:      "Indicates how much time it took to run an election round",
		}, labels),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "transition_requests_total",
			Help:      "Number of transition requests by transition and result",
		}, []string{"node_id", "transition", "result"}),
		quorumWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "quorum_wait_duration_seconds",
			Help:      "Indicates how much time a transition request waited for votes",
		}, []string{"node_id", "transition"}),
		registeredVoters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "registered_voters",
			Help:      "Number of external voters currently registered",
		}, labels),
		zaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "zaps_total",
			Help:      "Number of zap requests sent by reason",
		}, []string{"node_id", "reason"}),
	}

	z.mode = registerCollector(registerer, z.mode)
	z.elections = registerCollector(registerer, z.elections)
	z.electionDuration = registerCollector(registerer, z.electionDuration)
	z.transitions = registerCollector(registerer, z.transitions)
	z.quorumWait = registerCollector(registerer, z.quorumWait)
	z.registeredVoters = registerCollector(registerer, z.registeredVoters)
	z.zaps = registerCollector(registerer, z.zaps)
	return z
}

// registerCollector registers c or returns the collector registered before it
func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	if registerer == nil {
		return c
	}
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// setServerModeGauge will set the current mode gauge to 1 and reset the others
func (m *metrics) setServerModeGauge(current ServerMode) {
	for mode := Start; mode <= Stop; mode++ {
		value := 0.0
		if mode == current {
			value = 1
		}
		m.mode.With(prometheus.Labels{"node_id": m.id, "mode": mode.String()}).Set(value)
	}
}

// electionFinished counts the round and observes its duration
func (m *metrics) electionFinished(result string, start time.Time) {
	m.elections.With(prometheus.Labels{"node_id": m.id, "result": result}).Inc()
	m.electionDuration.With(prometheus.Labels{"node_id": m.id}).Observe(time.Since(start).Seconds())
}

// transitionRequested counts the request and observes how long it waited
func (m *metrics) transitionRequested(transition Transition, granted bool, start time.Time) {
	result := "denied"
	if granted {
		result = "granted"
	}
	m.transitions.With(prometheus.Labels{"node_id": m.id, "transition": transition.String(), "result": result}).Inc()
	m.quorumWait.With(prometheus.Labels{"node_id": m.id, "transition": transition.String()}).Observe(time.Since(start).Seconds())
}

func (m *metrics) setRegisteredVoters(count int) {
	m.registeredVoters.With(prometheus.Labels{"node_id": m.id}).Set(float64(count))
}

func (m *metrics) zapSent(reason ZapReason) {
	m.zaps.With(prometheus.Labels{"node_id": m.id, "reason": reason.String()}).Inc()
}
