package hastate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Lord-Y/hastate/logger"
)

// NewStateManager returns a state manager in START mode.
// Elections only run once InitializeAndStartElection is called
func NewStateManager(ctx context.Context, config StateManagerConfig) (*StateManager, error) {
	if config.Group == nil || config.Consistency == nil || config.Persistence == nil {
		return nil, ErrMissingCollaborator
	}
	if config.ElectionTime <= 0 {
		return nil, ErrElectionTimeInvalid
	}
	if config.Logger == nil {
		config.Logger = logger.NewLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &StateManager{
		logger:           config.Logger,
		group:            config.Group,
		consistency:      config.Consistency,
		persistence:      config.Persistence,
		onRestart:        config.OnRestart,
		metrics:          config.metrics,
		ctx:              ctx,
		cancel:           cancel,
		startMode:        config.Persistence.InitialMode(),
		currentMode:      Start,
		prevKnownServers: make(nodeSet),
		currKnownServers: make(nodeSet),
		changed:          newNotifier(),
	}
	if tracker, ok := s.consistency.(termTracker); ok {
		tracker.SetCurrentTerm(s.persistence.CurrentTerm())
	}

	s.weightsFactory = config.WeightsFactory
	if s.weightsFactory == nil {
		s.weightsFactory = NewWeightGeneratorFactory(
			modeWeight(s.startMode),
			connectedPeersWeight(s.group),
			newRandomWeight(uint64(time.Now().UnixNano())),
			termWeight(s.currentTerm),
		)
	}

	s.electionMgr = newElectionManager(s.group, config.ElectionTime, s.GetCurrentMode, s.logger, s.metrics)
	s.electionSink = newSink(ctx, "election", s.handleElectionContext, s.logger)
	s.publishSink = newSink(ctx, "publish", s.publishStateChange, s.logger)
	s.electionSink.start()
	s.publishSink.start()
	if s.metrics != nil {
		s.metrics.setServerModeGauge(Start)
	}
	return s, nil
}

// InitializeAndStartElection runs the first election when the node
// can start one and opens the startup gate of inbound messages
func (s *StateManager) InitializeAndStartElection() error {
	s.mu.Lock()
	if s.didStartElection {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	canStart := s.currentMode.CanStartElection()
	s.mu.Unlock()

	s.logger.Info().Str("startState", s.startMode.String()).Msg("starting election")
	if canStart {
		s.runElection()
	} else {
		s.logger.Info().Str("state", s.GetCurrentMode().String()).Msg("ignoring election request since not in right state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.didStartElection = true
	s.changed.broadcast()
	return nil
}

// Shutdown moves to STOP and stops the sinks
func (s *StateManager) Shutdown() {
	s.MoveToStopState()
	s.logger.Info().Msg("shutting down elections")
	s.cancel()
	s.electionSink.wait()
	s.publishSink.wait()
}

// runElection queues an election unless one is already running
// or an active is known
func (s *StateManager) runElection() {
	if !s.electionStarted() {
		return
	}

	myNodeID := s.group.LocalNodeID()
	s.mu.Lock()
	isNew := s.isFreshServerLocked()
	active := s.activeNodeIDLocked()
	mode := s.currentMode
	s.mu.Unlock()

	if !active.IsNull() {
		s.electionFinished()
		return
	}
	s.logger.Debug().Bool("isNew", isNew).Msg("running election")
	e := newElectionContext(myNodeID, isNew, s.weightsFactory, mode, func(winner NodeID) {
		s.electionCompleted(myNodeID, winner)
	})
	if !s.electionSink.add(e) {
		s.electionFinished()
	}
}

// handleElectionContext is the handler of the election sink
func (s *StateManager) handleElectionContext(e *ElectionContext) {
	winner := s.electionMgr.RunElection(s.ctx, e.node, e.isNew, e.weightsFactory)
	e.setWinner(winner)
}

// electionCompleted is the winner callback of every election context
func (s *StateManager) electionCompleted(myNodeID, winner NodeID) {
	rerun := false
	switch {
	case winner == myNodeID:
		s.logger.Debug().Msg("won election, moving to active state")
		if !s.persistence.IsDBClean() {
			s.logger.Info().Msg("rerunning election because the node must be synced to an active")
			rerun = true
			break
		}
		granted, err := s.consistency.RequestTransition(s.ctx, s.GetCurrentMode(), winner, MoveToActive)
		if err != nil || !granted {
			s.logger.Info().Err(err).Msg("rerunning election because the node is not allowed to transition")
			rerun = true
			break
		}
		if err := s.moveToActiveState(); err != nil {
			s.logger.Warn().Err(err).Msg("fail to move to active state")
		}
	case winner.IsNull():
		if s.ctx.Err() != nil {
			s.electionFinished()
			return
		}
		panic(errElectionFinishedWithoutID)
	default:
		s.logger.Debug().Str("winner", winner.String()).Msg("lost election, waiting for winner to declare as active")
		if !s.waitUntilActiveNodeIDNotNull(s.electionMgr.ElectionTime()) {
			s.logger.Warn().
				Str("winner", winner.String()).
				Msg("rerunning election because the winner never declared active, a winner partitioned from every loser keeps them electing")
			rerun = true
		}
	}

	s.electionFinished()
	if rerun && s.canStartElection() && s.ctx.Err() == nil {
		s.electionMgr.Reset(Enrollment{})
		s.runElection()
	}
}

// electionStarted closes the election gate. It returns false
// when an election is already running
func (s *StateManager) electionStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.electionInProgress {
		return false
	}
	s.electionInProgress = true
	s.prevKnownServers = s.currKnownServers
	s.currKnownServers = make(nodeSet)
	s.verification = s.createVerificationEnrollmentLocked()
	s.changed.broadcast()
	return true
}

// electionFinished opens the election gate
func (s *StateManager) electionFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasRunning := s.electionInProgress
	s.electionInProgress = false
	s.changed.broadcast()
	return wasRunning
}

// WaitForElectionToFinish blocks until no election is running
func (s *StateManager) WaitForElectionToFinish(ctx context.Context) error {
	if !s.waitUntil(ctx, 0, func() bool { return !s.electionInProgress }) {
		return ctx.Err()
	}
	return nil
}

// WaitForDeclaredActiveState blocks until an active is known
// and the running election is over
func (s *StateManager) WaitForDeclaredActiveState(ctx context.Context) error {
	if !s.waitUntil(ctx, 0, func() bool { return !s.activeNode.IsNull() || s.currentMode == Active }) {
		return ctx.Err()
	}
	return s.WaitForElectionToFinish(ctx)
}

// waitUntil blocks until cond is true, ctx is done or the timeout expires
// when positive. cond is evaluated while holding mu
func (s *StateManager) waitUntil(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for !cond() {
		changed := s.changed.wait()
		s.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			s.mu.Lock()
			return cond()
		case <-expired:
			s.mu.Lock()
			return cond()
		}
		s.mu.Lock()
	}
	return true
}

// startedLocked tells if inbound messages can be handled
func (s *StateManager) startedLocked() bool {
	return s.didStartElection || !s.currentMode.IsStartup()
}

func (s *StateManager) waitUntilActiveNodeIDNotNull(timeout time.Duration) bool {
	declared := s.waitUntil(s.ctx, timeout, func() bool { return !s.activeNode.IsNull() })
	s.logger.Debug().Bool("declared", declared).Msg("wait for other active to declare as active over")
	return declared
}

// setActiveNodeIDLocked sets the active, and the sync source when node is not null
func (s *StateManager) setActiveNodeIDLocked(node NodeID) {
	s.logger.Debug().Str("activeNode", node.String()).Msg("setting active node")
	s.activeNode = node
	if !node.IsNull() {
		s.syncedTo = node
	}
	s.changed.broadcast()
}

// moveToActiveState promotes the local node. The servers known during the
// previous election are admitted as passives or zapped
func (s *StateManager) moveToActiveState() error {
	s.refreshKnownServers()
	if _, err := s.switchToState(Active, modeSet{Start, Passive}); err != nil {
		return err
	}
	s.logger.Debug().Msg("moving to active state")

	s.mu.Lock()
	peers := s.prevKnownServers.list()
	s.mu.Unlock()
	for _, peer := range peers {
		granted, err := s.consistency.RequestTransition(s.ctx, Active, peer, AddPassive)
		if err != nil || !granted {
			s.zapNode(peer, ZapCommunicationError, "unable to add passive")
		}
	}
	s.electionMgr.DeclareWinner(s.createVerificationEnrollment())
	return nil
}

// refreshKnownServers restores the servers of the previous election,
// they are in sync with the previous active
func (s *StateManager) refreshKnownServers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currKnownServers = make(nodeSet)
	for node := range s.prevKnownServers {
		s.currKnownServers.add(node)
	}
}

// moveToPassiveReady follows the active that sent msg
func (s *StateManager) moveToPassiveReady(msg *StateMessage) {
	winning := msg.Enrollment
	active := msg.From

	s.electionMgr.ResetWithActive(active, winning)
	if len(winning.Weights) == s.weightsFactory.Size() {
		if term := winning.Term(); term > 0 && term < math.MaxInt64 {
			s.setCurrentTerm(term)
		}
	}

	s.mu.Lock()
	current := s.activeNode
	verification := s.verificationLocked()
	s.mu.Unlock()

	if !current.IsNull() {
		if current != active {
			s.zapAndResync(fmt.Sprintf("server already syncing with active %s", current))
			return
		}
		s.logger.Debug().Str("activeNode", active.String()).Msg("active already set")
		return
	}

	s.logger.Info().
		Str("state", s.GetCurrentMode().String()).
		Str("activeNode", active.String()).
		Str("verification", verification.String()).
		Msg("moving to passive ready")
	if s.startMode.ContainsData() {
		s.zapAndResync("server contains stale data")
		return
	}

	newMode, valid := Uninitialized, modeSet{Start, Uninitialized}
	if !winning.NodeID.IsNull() && verification.Equal(winning) {
		newMode, valid = Passive, modeSet{Passive}
	}

	s.mu.Lock()
	s.setActiveNodeIDLocked(active)
	s.mu.Unlock()
	if _, err := s.switchToState(newMode, valid); err != nil {
		s.logger.Error().Err(err).Msg("fail to move to passive ready")
		s.zapAndResync("resync data")
	}
}

// MoveToPassiveSyncing starts syncing from connectedTo, which must be the active
func (s *StateManager) MoveToPassiveSyncing(connectedTo NodeID) error {
	s.mu.Lock()
	active := s.activeNode
	s.mu.Unlock()
	if active != connectedTo {
		return fmt.Errorf("%w: syncing from %s while the active is %s", ErrSyncSourceMismatch, connectedTo, active)
	}
	if _, err := s.switchToState(Syncing, modeSet{Uninitialized}); err != nil {
		return err
	}
	if err := s.persistence.SetDBClean(false); err != nil {
		s.logger.Error().Err(err).Msg("fail to mark data as dirty")
	}
	return nil
}

// MoveToPassiveStandbyState makes the passive a standby. An active
// is never demoted
func (s *StateManager) MoveToPassiveStandbyState() error {
	old, err := s.switchToState(Passive, modeSet(PassiveStates()))
	if err != nil {
		return err
	}
	if old != Passive {
		if err := s.persistence.SetDBClean(true); err != nil {
			s.logger.Error().Err(err).Msg("fail to mark data as clean")
		}
	} else {
		s.logger.Info().Str("state", old.String()).Msg("already in standby")
	}
	return nil
}

// MoveToPassiveStandbyStateFrom makes the passive a standby once source,
// which must be the node it synced from, confirmed the sync
func (s *StateManager) MoveToPassiveStandbyStateFrom(source NodeID) error {
	s.mu.Lock()
	syncedTo := s.syncedTo
	s.mu.Unlock()
	if syncedTo != source {
		err := fmt.Errorf("%w: synced to %s, confirmed by %s", ErrSyncSourceMismatch, syncedTo, source)
		s.zapAndResync(err.Error())
		return err
	}
	return s.MoveToPassiveStandbyState()
}

// MoveToStopState moves to STOP from any mode
func (s *StateManager) MoveToStopState() {
	if _, err := s.switchToState(Stop, modeSet{Start, Uninitialized, Recovering, Syncing, Passive, Active, Stop}); err != nil {
		s.logger.Warn().Err(err).Msg("fail to move to stop state")
	}
}

// switchToState moves to newMode when the current mode is part of valid
// and returns the previous mode
func (s *StateManager) switchToState(newMode ServerMode, valid modeSet) (ServerMode, error) {
	if newMode != Stop && !s.waitUntil(s.ctx, 0, s.startedLocked) {
		return s.GetCurrentMode(), ErrShutdown
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.currentMode
	if !valid.contains(old) {
		return old, fmt.Errorf("%w: can't move to %s from %s, valid states %v", ErrIllegalStateTransition, newMode, old, valid)
	}
	if old != newMode {
		s.logger.Debug().Str("state", newMode.String()).Msg("switching state")
		s.publishSink.add(StateChangedEvent{From: old, To: newMode})
	}
	s.currentMode = newMode
	s.changed.broadcast()
	return old, nil
}

// publishStateChange is the handler of the publish sink
func (s *StateManager) publishStateChange(event StateChangedEvent) {
	if s.metrics != nil {
		s.metrics.setServerModeGauge(event.To)
	}
	if event.To == Active || event.To == Passive {
		if err := s.persistence.SetCurrentMode(event.To); err != nil {
			s.logger.Error().Err(err).Str("state", event.To.String()).Msg("fail to persist mode")
		}
		if err := s.persistence.SetCurrentTerm(s.currentTerm()); err != nil {
			s.logger.Error().Err(err).Msg("fail to persist term")
		}
	}
	s.fireStateChangedEvent(event)
	s.logger.Info().Str("state", event.To.String()).Msgf("Moved to %s", event.To)
}

// RegisterForStateChangeEvents adds a listener of mode switches
func (s *StateManager) RegisterForStateChangeEvents(listener StateChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *StateManager) fireStateChangedEvent(event StateChangedEvent) {
	s.listenersMu.RLock()
	listeners := append([]StateChangeListener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener.StateChanged(event)
	}
}

// StartElectionIfNecessary reacts to the departure of disconnected.
// NullNodeID is used when another server started an election
func (s *StateManager) StartElectionIfNecessary(disconnected NodeID) {
	if !s.waitUntil(s.ctx, 0, s.startedLocked) {
		return
	}
	if disconnected == s.group.LocalNodeID() {
		panic(fmt.Errorf("%w: local node reported as disconnected", ErrIllegalState))
	}

	elect, resync := false, false
	s.mu.Lock()
	s.currKnownServers.remove(disconnected)
	previousActive := s.activeNode
	if s.currentMode == Start || (!disconnected.IsNull() && disconnected == s.activeNode) {
		s.logger.Info().Str("peerId", disconnected.String()).Msg("active is gone")
		s.setActiveNodeIDLocked(NullNodeID)
	}
	if s.currentMode == Syncing && !disconnected.IsNull() && previousActive == disconnected {
		resync = true
	} else if s.currentMode != Active && s.activeNode.IsNull() {
		elect = true
	}
	s.mu.Unlock()

	switch {
	case resync:
		s.logger.Error().Str("peerId", disconnected.String()).Msg("passive only partially synced when active disappeared")
		s.zapAndResync("passive only partially synced when active disappeared")
	case elect:
		s.logger.Info().Msg("starting election to determine cluster wide active")
		s.runElection()
	default:
		s.logger.Debug().Str("peerId", disconnected.String()).Msg("not starting election even though node left")
	}
}

// CleanupKnownServers forgets the known servers that are not connected.
// Servers joining later are not in sync with the local active
func (s *StateManager) CleanupKnownServers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for node := range s.currKnownServers {
		if !s.group.IsNodeConnected(node) {
			s.currKnownServers.remove(node)
		}
	}
}

// KnownServers returns the servers seen during the current election
func (s *StateManager) KnownServers() []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currKnownServers.list()
}

// GetActiveNodeID returns the active, the local node when it is active
func (s *StateManager) GetActiveNodeID() NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeNodeIDLocked()
}

func (s *StateManager) activeNodeIDLocked() NodeID {
	if s.currentMode == Active {
		return s.group.LocalNodeID()
	}
	return s.activeNode
}

// GetCurrentMode returns the mode of the local node
func (s *StateManager) GetCurrentMode() ServerMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentMode
}

// StartMode returns the mode persisted when the node stopped
func (s *StateManager) StartMode() ServerMode {
	return s.startMode
}

// SyncedTo returns the last active the node followed
func (s *StateManager) SyncedTo() NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncedTo
}

// IsActiveCoordinator tells if the local node is active
func (s *StateManager) IsActiveCoordinator() bool {
	return s.GetCurrentMode() == Active
}

// IsInStartState tells if the local node did not take any role yet
func (s *StateManager) IsInStartState() bool {
	return s.GetCurrentMode() == Start
}

// GetPassiveStandbys returns the standbys seen during the last election
func (s *StateManager) GetPassiveStandbys() []NodeID {
	return s.electionMgr.PassiveStandbys()
}

func (s *StateManager) isFreshServerLocked() bool {
	return s.currentMode == Start && s.startMode == Start
}

func (s *StateManager) canStartElection() bool {
	return s.GetCurrentMode().CanStartElection()
}

// currentTerm returns the consistency term
func (s *StateManager) currentTerm() int64 {
	if tracker, ok := s.consistency.(termTracker); ok {
		return tracker.CurrentTerm()
	}
	return s.persistence.CurrentTerm()
}

func (s *StateManager) setCurrentTerm(term int64) {
	if tracker, ok := s.consistency.(termTracker); ok {
		tracker.SetCurrentTerm(term)
	}
	if err := s.persistence.SetCurrentTerm(term); err != nil {
		s.logger.Error().Err(err).Int64("term", term).Msg("fail to persist term")
	}
}

// StateMap returns a read only view of the state manager
func (s *StateManager) StateMap() map[string]any {
	s.mu.Lock()
	state := map[string]any{
		"startState":   s.startMode.String(),
		"currentState": s.currentMode.String(),
		"active":       s.activeNodeIDLocked().String(),
		"syncedTo":     s.syncedTo.String(),
		"knownServers": s.currKnownServers.list(),
		"elections":    s.electionInProgress,
	}
	s.mu.Unlock()

	state["electionState"] = s.electionMgr.State()
	state["passiveStandbys"] = s.electionMgr.PassiveStandbys()
	state["term"] = s.currentTerm()
	state["consistency"] = consistencyStateMap(s.consistency)
	return state
}
