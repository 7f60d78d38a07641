package hastate

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	// defaultElectionTime is the voting window of an election round
	defaultElectionTime = 5 * time.Second
)

// Options holds the configuration of a node
type Options struct {
	// Logger expose zerolog so it can be override
	Logger *zerolog.Logger

	// ID of the node. Defaults to a random uuid
	ID NodeID

	// Address is the address of the grpc server.
	// Ignored when Group is provided
	Address net.TCPAddr

	// Peers are the other servers of the stripe.
	// Ignored when Group is provided
	Peers []Peer

	// Group overrides the grpc group manager, used to run nodes in memory
	Group GroupManager

	// DataDir is the default data directory that will be used to store all data on the disk.
	// It's required unless Persistence is provided
	DataDir string

	// Persistence overrides the bolt store
	Persistence ServerPersistentState

	// ElectionTime is the voting window of an election round.
	// Default to 5s
	ElectionTime time.Duration

	// PeerServers is the number of other servers of the stripe.
	// Defaults to the number of peers of the group
	PeerServers int

	// VoterLimit is the maximum number of external voters
	VoterLimit int

	// ConsistencyMode selects the strategy authorizing transitions.
	// Default to consistency
	ConsistencyMode ConsistencyMode

	// SafeStartup refuses the first promotion until every peer is connected
	// or the startup is allowed by an operator
	SafeStartup bool

	// MonitorInterval is the delay between two connectivity probes of the grpc group.
	// Default to 500ms
	MonitorInterval time.Duration

	// ResponseTimeout bounds how long a sender waits for responses.
	// Default to 15s
	ResponseTimeout time.Duration

	// HTTPAddress is the address of the management api.
	// The api is disabled when empty
	HTTPAddress string

	// MetricsNamespacePrefix is the namespace to use for all metrics.
	// When set, the full metric name will be `<MetricsNamespacePrefix>_hastate_<metric_name>`.
	// Otherwise it will be `hastate_<metric_name>`
	MetricsNamespacePrefix string

	// Registerer registers the metrics. Default to prometheus.DefaultRegisterer
	Registerer prometheus.Registerer

	// OnRestart is called when the node must restart.
	// Defaults to stopping the node and exiting the process
	OnRestart func(err *RestartError)
}

// Node is a server of the stripe. It owns the group manager,
// the state manager and the consistency manager
type Node struct {
	// mu is used to ensure lock concurrency
	mu sync.Mutex

	// Logger expose zerolog so it can be override
	Logger *zerolog.Logger

	options Options

	id NodeID

	group       GroupManager
	persistence ServerPersistentState
	voter       *ServerVoterManager
	consistency ConsistencyManager
	stateMgr    *StateManager
	coordinator *coordinator
	metrics     *metrics

	apiServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	started  bool
	stopOnce sync.Once
}
