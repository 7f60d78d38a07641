package hastate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StateManagerConfig holds the collaborators of a state manager
type StateManagerConfig struct {
	// Group is the communication layer of the stripe. It's required
	Group GroupManager

	// Consistency authorizes the transitions. It's required
	Consistency ConsistencyManager

	// Persistence keeps the mode and the clean flag across restarts. It's required
	Persistence ServerPersistentState

	// WeightsFactory builds the election weights.
	// Defaults to start mode, connected peers, random and term weights
	WeightsFactory WeightGeneratorFactory

	// ElectionTime is the voting window of an election round
	ElectionTime time.Duration

	// OnRestart is called when the local node must restart.
	// The clean flag was already persisted when it is called
	OnRestart func(err *RestartError)

	// Logger expose zerolog so it can be override
	Logger *zerolog.Logger

	metrics *metrics
}

// StateManager owns the mode of the local node. It drives elections
// on connectivity changes and asks the consistency manager before
// becoming active or connecting to an active
type StateManager struct {
	// mu protects every field below the collaborators
	mu     sync.Mutex
	logger *zerolog.Logger

	group          GroupManager
	consistency    ConsistencyManager
	persistence    ServerPersistentState
	weightsFactory WeightGeneratorFactory
	electionMgr    *ElectionManager
	onRestart      func(err *RestartError)
	metrics        *metrics

	ctx    context.Context
	cancel context.CancelFunc

	electionSink *sink[*ElectionContext]
	publishSink  *sink[StateChangedEvent]

	listenersMu sync.RWMutex
	listeners   []StateChangeListener

	startMode   ServerMode
	currentMode ServerMode
	activeNode  NodeID
	syncedTo    NodeID

	// prevKnownServers are the servers seen during the previous election.
	// They are in sync with the previous active
	prevKnownServers nodeSet

	// currKnownServers are the servers seen during the current election
	currKnownServers nodeSet

	// verification is captured when an election starts
	verification Enrollment

	// didStartElection is the startup gate of inbound messages
	didStartElection bool

	// electionInProgress is the election gate
	electionInProgress bool

	changed *notifier
}
