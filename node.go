package hastate

import (
	"context"
	"fmt"
	"io"

	"github.com/Lord-Y/hastate/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// NewNode validates options, applies the defaults and builds the
// collaborators of the node. Nothing runs until Start is called
func NewNode(options Options) (*Node, error) {
	if options.Logger == nil {
		options.Logger = logger.NewLogger()
	}
	if options.ElectionTime == 0 {
		options.ElectionTime = defaultElectionTime
	}
	if options.ElectionTime < 0 {
		return nil, ErrElectionTimeInvalid
	}
	if options.VoterLimit < 0 {
		return nil, ErrVoterLimitInvalid
	}
	if options.ConsistencyMode == "" {
		options.ConsistencyMode = ConsistencyQuorum
	}
	mode, err := ParseConsistencyMode(string(options.ConsistencyMode))
	if err != nil {
		return nil, err
	}
	options.ConsistencyMode = mode
	if options.Persistence == nil && options.DataDir == "" {
		return nil, ErrDataDirRequired
	}
	if options.Registerer == nil {
		options.Registerer = prometheus.DefaultRegisterer
	}

	if options.Group != nil {
		options.ID = options.Group.LocalNodeID()
	}
	if options.ID.IsNull() {
		options.ID = NodeID(uuid.NewString())
	}

	n := &Node{
		Logger:  logger.WithComponent(options.Logger, "node", options.ID.String()),
		options: options,
		id:      options.ID,
		metrics: newMetrics(options.ID.String(), options.MetricsNamespacePrefix, options.Registerer),
	}

	n.group = options.Group
	if n.group == nil {
		n.group, err = NewGrpcGroup(GrpcGroupOptions{
			ID:              options.ID,
			Address:         options.Address,
			Peers:           options.Peers,
			MonitorInterval: options.MonitorInterval,
			ResponseTimeout: options.ResponseTimeout,
			Logger:          logger.WithComponent(options.Logger, "group", options.ID.String()),
		})
		if err != nil {
			return nil, err
		}
	}

	n.persistence = options.Persistence
	if n.persistence == nil {
		n.persistence, err = NewBoltStorage(BoltOptions{DataDir: options.DataDir})
		if err != nil {
			return nil, err
		}
	}

	peerServers := options.PeerServers
	if peerServers == 0 {
		peerServers = len(n.group.Members())
	}
	n.voter = NewServerVoterManager(options.VoterLimit, logger.WithComponent(options.Logger, "voter", options.ID.String()))
	n.voter.metrics = n.metrics
	n.consistency, err = NewConsistencyManager(ConsistencyConfig{
		Mode:        options.ConsistencyMode,
		PeerServers: peerServers,
		Voter:       n.voter,
		SafeStartup: options.SafeStartup,
		Logger:      logger.WithComponent(options.Logger, "consistency", options.ID.String()),
		metrics:     n.metrics,
	})
	if err != nil {
		_ = n.persistence.Close()
		return nil, err
	}
	return n, nil
}

// Start starts the state manager, the group manager, the management api
// and runs the first election
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	onRestart := n.options.OnRestart
	if onRestart == nil {
		onRestart = n.restart
	}

	var err error
	n.stateMgr, err = NewStateManager(n.ctx, StateManagerConfig{
		Group:        n.group,
		Consistency:  n.consistency,
		Persistence:  n.persistence,
		ElectionTime: n.options.ElectionTime,
		OnRestart:    onRestart,
		Logger:       logger.WithComponent(n.options.Logger, "state", n.id.String()),
		metrics:      n.metrics,
	})
	if err != nil {
		n.cancel()
		return err
	}

	n.coordinator = newCoordinator(n.ctx, n.group, n.stateMgr, n.consistency, logger.WithComponent(n.options.Logger, "coordinator", n.id.String()))
	n.coordinator.start()
	if starter, ok := n.group.(interface{ Start() error }); ok {
		if err := starter.Start(); err != nil {
			n.cancel()
			n.stateMgr.Shutdown()
			return err
		}
	}

	if n.options.HTTPAddress != "" {
		n.newAPIServer()
		n.startAPIServer()
	}
	n.started = true
	n.Logger.Info().
		Str("startState", n.stateMgr.StartMode().String()).
		Str("consistency", string(n.options.ConsistencyMode)).
		Msg("node started")

	if err := n.stateMgr.InitializeAndStartElection(); err != nil {
		n.Logger.Error().Err(err).Msg("fail to start election")
	}
	return nil
}

// Stop stops the node. It is safe to call it more than once
func (n *Node) Stop() {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		return
	}

	n.stopOnce.Do(func() {
		n.Logger.Info().Msg("stopping node")
		// unblocks the message handlers waiting on the state manager
		n.cancel()
		if n.apiServer != nil {
			n.stopAPIServer()
		}
		if err := n.group.Close(); err != nil {
			n.Logger.Error().Err(err).Msg("fail to close group")
		}
		n.stateMgr.Shutdown()
		n.coordinator.wait()
		if closer, ok := n.consistency.(io.Closer); ok {
			_ = closer.Close()
		}
		if err := n.persistence.Close(); err != nil {
			n.Logger.Error().Err(err).Msg("fail to close persistence")
		}
		n.Logger.Info().Msg("node stopped")
	})
}

// restart is the default restart hook. The node is stopped and
// the process exits so that a supervisor starts it again
func (n *Node) restart(err *RestartError) {
	n.Logger.Error().Err(err).Bool("dirtyDB", err.DirtyDB).Msg("node must restart")
	go func() {
		n.Stop()
		n.Logger.Fatal().Err(err).Msg("exiting")
	}()
}

// ID returns the id of the node
func (n *Node) ID() NodeID {
	return n.id
}

// StateManager returns the state manager once the node is started
func (n *Node) StateManager() *StateManager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateMgr
}

// VoterManager returns the external voters of the node
func (n *Node) VoterManager() *ServerVoterManager {
	return n.voter
}

// Consistency returns the consistency manager of the node
func (n *Node) Consistency() ConsistencyManager {
	return n.consistency
}

// AllowStartup lifts the safe startup suspension
func (n *Node) AllowStartup() error {
	manager, ok := n.consistency.(*SafeStartupManager)
	if !ok {
		return ErrSafeStartupDisabled
	}
	manager.AllowStartup()
	return nil
}

// String returns a human readable node
func (n *Node) String() string {
	return fmt.Sprintf("Node[id=%s]", n.id)
}
