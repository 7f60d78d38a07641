package hastate

import (
	"fmt"
)

// HandleClusterStateMessage dispatches an inbound election message.
// Messages received before the startup gate opens wait for it
func (s *StateManager) HandleClusterStateMessage(msg *StateMessage) {
	if !s.waitUntil(s.ctx, 0, s.startedLocked) {
		return
	}
	s.logger.Debug().Str("message", msg.String()).Msg("received cluster state message")

	var err error
	switch msg.Type {
	case StartElection:
		err = s.handleStartElectionRequest(msg)
	case AbortElection:
		s.handleElectionAbort(msg)
	case ElectionResult:
		err = s.handleElectionResultMessage(msg)
	case ElectionWon:
		s.handleElectionWonMessage(msg)
	case ElectionWonAlready:
		s.handleElectionAlreadyWonMessage(msg)
	case ResultAgreed, ResultConflict:
		s.logger.Debug().Str("message", msg.String()).Msg("ignoring response orphaned from another election")
	default:
		panic(fmt.Errorf("%w: %s should not have been routed to the state manager", ErrUnknownMessageType, msg))
	}

	if err != nil {
		s.logger.Error().Err(err).Str("peerId", msg.From.String()).Str("message", msg.String()).Msg("zapping node, error while handling message")
		s.zapNode(msg.From, ZapCommunicationError, fmt.Sprintf("error handling election message: %s", err))
	}
}

func (s *StateManager) handleStartElectionRequest(msg *StateMessage) error {
	if s.IsActiveCoordinator() {
		// a new server joining or a renegade one, force it to abort
		verify := s.createVerificationEnrollment()
		abort := newAbortElectionMessage(msg, verify, Active)
		s.logger.Info().Str("peerId", msg.From.String()).Str("enrollment", verify.String()).Msg("forcing abort election")
		response, err := s.group.SendToAndWaitForResponse(msg.From, abort)
		if err != nil {
			return err
		}
		s.validateResponse(response)
		return nil
	}

	s.mu.Lock()
	s.currKnownServers.add(msg.Enrollment.NodeID)
	s.mu.Unlock()
	if !s.electionMgr.HandleStartElectionRequest(msg) {
		// another server started an election, run ours
		s.StartElectionIfNecessary(NullNodeID)
	}
	return nil
}

func (s *StateManager) handleElectionAbort(msg *StateMessage) {
	s.electionMgr.HandleElectionAbort(msg)
	if s.IsActiveCoordinator() {
		s.logger.Warn().Str("peerId", msg.From.String()).Msg("split-brain detected")
	}

	if !s.verifyElectionWonResults(msg) {
		s.sendVerificationNGResponse(msg)
		return
	}
	s.sendVerificationOKResponse(msg)
	if s.requestConnectToActive(msg) {
		s.moveToPassiveReady(msg)
	}
}

func (s *StateManager) handleElectionResultMessage(msg *StateMessage) error {
	s.mu.Lock()
	mode, active := s.currentMode, s.activeNode
	s.mu.Unlock()

	switch {
	case !active.IsNull() && active == msg.Enrollment.NodeID:
		agreed := newResultAgreedMessage(msg, msg.Enrollment, mode)
		s.logger.Info().Str("peerId", msg.From.String()).Msg("agreed with election result")
		return s.group.SendTo(msg.From, agreed)
	case mode == Active || !active.IsNull() || (msg.Enrollment.IsNew && mode != Start):
		// either a split brain, a partial network where the sender cannot see
		// the active or a new server trying to win over old passives
		conflict := newResultConflictMessage(msg, msg.Enrollment, mode)
		s.logger.Warn().
			Str("activeNode", active.String()).
			Str("state", mode.String()).
			Str("peerId", msg.From.String()).
			Msg("received election result while an active is known, forcing re-election")
		return s.group.SendTo(msg.From, conflict)
	}
	s.electionMgr.HandleElectionResultMessage(msg)
	return nil
}

func (s *StateManager) handleElectionWonMessage(msg *StateMessage) {
	if s.verifyElectionWonResults(msg) && s.requestConnectToActive(msg) {
		s.moveToPassiveReady(msg)
		return
	}
	s.group.CloseMember(msg.From)
}

func (s *StateManager) handleElectionAlreadyWonMessage(msg *StateMessage) {
	if s.IsActiveCoordinator() {
		// the zap processing resolves two actives zapping each other
		s.logger.Warn().Str("peerId", msg.From.String()).Msg("split-brain detected")
	}
	if s.verifyElectionWonResults(msg) && s.requestConnectToActive(msg) {
		s.sendVerificationOKResponse(msg)
		s.moveToPassiveReady(msg)
		return
	}
	s.sendVerificationNGResponse(msg)
}

// verifyElectionWonResults tells if the enrollment of msg beats or equals
// the verification enrollment. An active never verifies another one
func (s *StateManager) verifyElectionWonResults(msg *StateMessage) bool {
	winning := msg.Enrollment
	verify := s.verificationEnrollment()
	peerWins := !s.IsActiveCoordinator() && (winning.SameWeights(verify) || winning.Wins(verify))
	s.logger.Info().
		Str("remote", winning.String()).
		Str("local", verify.String()).
		Bool("remoteWins", peerWins).
		Msg("verifying election won results")
	return peerWins
}

func (s *StateManager) requestConnectToActive(msg *StateMessage) bool {
	granted, err := s.consistency.RequestTransition(s.ctx, s.GetCurrentMode(), msg.Enrollment.NodeID, ConnectToActive)
	if err != nil {
		s.logger.Warn().Err(err).Str("peerId", msg.From.String()).Msg("fail to request connection to active")
		return false
	}
	return granted
}

// PublishActiveState announces the local active to node
func (s *StateManager) PublishActiveState(node NodeID) error {
	if !s.IsActiveCoordinator() {
		return fmt.Errorf("%w: only the active publishes its state", ErrIllegalState)
	}
	s.logger.Debug().Str("peerId", node.String()).Msg("publishing active state")
	verify := s.createVerificationEnrollment()
	response, err := s.group.SendToAndWaitForResponse(node, newElectionWonAlreadyMessage(verify, Active))
	if err != nil {
		return err
	}
	s.validateResponse(response)
	return nil
}

// validateResponse handles a peer refusing the local active
func (s *StateManager) validateResponse(response *StateMessage) {
	if response == nil || response.Type == ResultAgreed {
		return
	}
	s.logger.Error().
		Str("peerId", response.From.String()).
		Str("message", response.String()).
		Msg("received wrong response while publishing active state")

	mine := s.verificationEnrollment()
	peerWins := response.Enrollment.Wins(mine)
	switch {
	case response.State == Active:
		if mine.Wins(response.Enrollment) {
			s.zapNode(response.From, ZapSplitBrain, fmt.Sprintf("%s wins over %s", mine, response.Enrollment))
		} else {
			s.logger.Warn().Str("peerId", response.From.String()).Msg("split-brain, peer active wins and is expected to zap this node")
		}
	case peerWins && response.State.CanStartElection():
		s.zapAndResync("passive has more recent data compared to active")
	default:
		s.logger.Info().
			Str("peerId", response.From.String()).
			Str("state", response.State.String()).
			Msg("results not agreed for verification election")
	}
}

func (s *StateManager) sendVerificationOKResponse(msg *StateMessage) {
	state, verify := s.responseState()
	if err := s.group.SendTo(msg.From, newResultAgreedMessage(msg, verify, state)); err != nil {
		s.logger.Error().Err(err).Str("message", msg.String()).Msg("error handling message")
	}
}

func (s *StateManager) sendVerificationNGResponse(msg *StateMessage) {
	state, verify := s.responseState()
	if err := s.group.SendTo(msg.From, newResultConflictMessage(msg, verify, state)); err != nil {
		s.logger.Error().Err(err).Str("message", msg.String()).Msg("error handling message")
	}
}

// responseState returns the mode and the enrollment put in verification
// responses. A starting node reports the mode it had before stopping
func (s *StateManager) responseState() (ServerMode, Enrollment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.currentMode
	if state.IsStartup() {
		state = s.startMode
	}
	return state, s.verificationLocked()
}

func (s *StateManager) createVerificationEnrollment() Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createVerificationEnrollmentLocked()
}

// createVerificationEnrollmentLocked returns the enrollment of the last
// active the node followed, every weight is maximal but the term
func (s *StateManager) createVerificationEnrollmentLocked() Enrollment {
	verify := newTrumpEnrollment(s.syncedTo, s.weightsFactory)
	if n := len(verify.Weights); n > 0 {
		verify.Weights[n-1] = s.currentTerm()
	}
	return verify
}

func (s *StateManager) verificationEnrollment() Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verificationLocked()
}

// verificationLocked returns the enrollment captured when the last
// election started
func (s *StateManager) verificationLocked() Enrollment {
	if s.verification.IsZero() {
		return s.createVerificationEnrollmentLocked()
	}
	return s.verification
}

// zapAndResync marks the data as dirty and asks for a restart
func (s *StateManager) zapAndResync(reason string) {
	if err := s.persistence.SetDBClean(false); err != nil {
		s.logger.Error().Err(err).Msg("fail to mark data as dirty")
	}
	restart := &RestartError{Reason: reason, DirtyDB: true}
	s.logger.Error().Err(restart).Msg("restarting the server")
	if s.onRestart != nil {
		s.onRestart(restart)
	}
}

// zapNode asks node to restart and disconnects it
func (s *StateManager) zapNode(node NodeID, reason ZapReason, text string) {
	s.logger.Warn().
		Str("peerId", node.String()).
		Str("reason", reason.String()).
		Str("text", text).
		Msg("zapping node")
	if s.metrics != nil {
		s.metrics.zapSent(reason)
	}
	s.group.ZapNode(node, reason, text)
}
