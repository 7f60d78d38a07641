package hastate

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// metricsSubsystem is the subsystem of every metric
	metricsSubsystem = "hastate"
)

// metrics holds Prometheus metrics for monitoring the node
type metrics struct {
	// id is the node ID used as a label for the metrics
	id string

	// mode is a gauge set to 1 for the current server mode and 0 for the others
	mode *prometheus.GaugeVec

	// elections counts election rounds by outcome
	elections *prometheus.CounterVec

	// electionDuration is an histogram of how much time an election took
	electionDuration *prometheus.HistogramVec

	// transitions counts transition requests by transition and result
	transitions *prometheus.CounterVec

	// quorumWait is an histogram of how much time a transition request waited for votes
	quorumWait *prometheus.HistogramVec

	// registeredVoters is a gauge of the external voters currently registered
	registeredVoters *prometheus.GaugeVec

	// zaps counts the zap requests sent by reason
	zaps *prometheus.CounterVec
}
