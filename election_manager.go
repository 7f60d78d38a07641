package hastate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// newElectionManager returns an election manager exchanging its messages
// over group. currentState provides the mode put in outgoing messages
func newElectionManager(group GroupManager, electionTime time.Duration, currentState func() ServerMode, logger *zerolog.Logger, m *metrics) *ElectionManager {
	return &ElectionManager{
		logger:          logger,
		group:           group,
		electionTime:    electionTime,
		currentState:    currentState,
		passiveStandbys: make(nodeSet),
		changed:         newNotifier(),
		metrics:         m,
	}
}

// ElectionTime returns the voting window of a round
func (m *ElectionManager) ElectionTime() time.Duration {
	return m.electionTime
}

// RunElection runs rounds until a winner is found or ctx is done,
// in which case NullNodeID is returned
func (m *ElectionManager) RunElection(ctx context.Context, nodeID NodeID, isNew bool, factory WeightGeneratorFactory) NodeID {
	start := time.Now()
	for {
		if ctx.Err() != nil {
			return NullNodeID
		}
		winner := m.doElection(ctx, nodeID, isNew, factory)
		if !winner.IsNull() {
			result := "lost"
			if winner == nodeID {
				result = "won"
			}
			if m.metrics != nil {
				m.metrics.electionFinished(result, start)
			}
			m.logger.Info().
				Str("winner", winner.String()).
				Str("result", result).
				Dur("duration", time.Since(start)).
				Msg("election finished")
			return winner
		}
		if m.metrics != nil {
			m.metrics.electionFinished("retry", start)
		}
		m.logger.Info().Msg("election round finished without winner, running a new round")
		m.Reset(Enrollment{})
	}
}

// doElection runs one round and returns its winner, or NullNodeID
// when the result was not agreed by every peer
func (m *ElectionManager) doElection(ctx context.Context, nodeID NodeID, isNew bool, factory WeightGeneratorFactory) NodeID {
	myVote := newEnrollment(nodeID, isNew, factory)
	state := m.currentState()
	m.electionStarted(myVote, state)

	m.logger.Debug().Str("enrollment", myVote.String()).Msg("broadcasting election start")
	if err := m.group.SendAll(newElectionStartedMessage(myVote, state)); err != nil {
		m.logger.Warn().Err(err).Msg("fail to broadcast election start to some peers")
	}

	m.waitTillElectionComplete(ctx)
	winner, winnerID := m.computeResult()
	if winnerID.IsNull() {
		return NullNodeID
	}
	if winnerID == nodeID && winner.NodeID == nodeID {
		if !m.confirmResult(winner) {
			return NullNodeID
		}
	}
	return winnerID
}

// electionStarted replaces the round
func (m *ElectionManager) electionStarted(myVote Enrollment, state ServerMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == electionInProgress {
		m.logger.Warn().Str("enrollment", myVote.String()).Msg("election already in progress, replacing the round")
	}
	m.state = electionInProgress
	m.round = newElectionRound(myVote, state)
	m.winner, m.winnerID = Enrollment{}, NullNodeID
	m.changed.broadcast()
}

// waitTillElectionComplete waits for the voting window to expire
// unless the round gets aborted first
func (m *ElectionManager) waitTillElectionComplete(ctx context.Context) {
	timer := time.NewTimer(m.electionTime)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.state != electionInProgress {
			m.mu.Unlock()
			return
		}
		changed := m.changed.wait()
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-changed:
		}
	}
}

// computeResult closes the voting window and returns the winner
func (m *ElectionManager) computeResult() (Enrollment, NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == electionInProgress {
		m.state = electionComplete
		m.winner = m.round.countVotes()
		m.winnerID = m.winner.NodeID
		m.logger.Info().
			Int("votes", len(m.round.votes)).
			Str("winner", m.winner.String()).
			Msg("election complete")
		m.changed.broadcast()
	}
	return m.winner, m.winnerID
}

// countVotes returns the best enrollment of the round.
// A round with a single participant is won by that participant.
// Exact ties have no winner
func (r *electionRound) countVotes() Enrollment {
	winner := r.myVote
	for _, vote := range r.votes {
		if vote.Wins(winner) {
			winner = vote
		}
	}
	for node, vote := range r.votes {
		if node != winner.NodeID && !winner.Wins(vote) {
			return Enrollment{}
		}
	}
	return winner
}

// confirmResult asks every peer to agree with the local victory
func (m *ElectionManager) confirmResult(winner Enrollment) bool {
	msg := newElectionResultMessage(winner, m.currentState())
	responses, err := m.group.SendAllAndWaitForResponse(msg)
	switch {
	case errors.Is(err, ErrResponseTimeout):
		// silent peers are unreachable, the received answers still decide
		m.logger.Warn().Err(err).Int("responses", len(responses)).Msg("some peers did not answer the election result")
	case err != nil:
		m.logger.Warn().Err(err).Msg("fail to get the election result agreed, running a new round")
		return false
	}
	for _, response := range responses {
		switch response.Type {
		case ResultAgreed:
			if !response.Enrollment.Equal(winner) {
				m.logger.Warn().
					Str("peerId", response.From.String()).
					Str("enrollment", response.Enrollment.String()).
					Msg("result agreed with a different enrollment")
			}
		case ResultConflict:
			m.logger.Info().
				Str("peerId", response.From.String()).
				Str("enrollment", response.Enrollment.String()).
				Msg("result conflict, running a new round")
			return false
		default:
			panic(fmt.Errorf("%w: unexpected %s answering an election result", ErrProtocolViolation, response))
		}
	}
	return true
}

// HandleStartElectionRequest counts the vote carried by msg.
// It returns false when no round is running or when the vote was refused,
// in which case the caller decides whether to run its own election
func (m *ElectionManager) HandleStartElectionRequest(msg *StateMessage) bool {
	vote := msg.Enrollment

	m.mu.Lock()
	if m.state != electionInProgress || (!m.round.myVote.IsNew && vote.IsNew) {
		m.mu.Unlock()
		return false
	}
	changed := false
	if previous, ok := m.round.votes[vote.NodeID]; ok {
		if changed = !previous.Equal(vote); changed {
			m.logger.Warn().
				Str("peerId", msg.From.String()).
				Str("previous", previous.String()).
				Str("enrollment", vote.String()).
				Msg("duplicate vote with a different enrollment")
		} else {
			m.logger.Debug().Str("peerId", msg.From.String()).Msg("duplicate vote")
		}
	}
	m.round.votes[vote.NodeID] = vote
	m.round.states[vote.NodeID] = msg.State
	myVote := m.round.myVote
	m.mu.Unlock()

	if !msg.isResponse() || changed {
		response := newElectionStartedResponse(msg, myVote, m.currentState())
		if err := m.group.SendTo(msg.From, response); err != nil {
			m.logger.Warn().Err(err).Str("peerId", msg.From.String()).Msg("fail to send vote")
		}
	}
	return true
}

// HandleElectionAbort stops the running round, adopting the sender as winner
func (m *ElectionManager) HandleElectionAbort(msg *StateMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == electionInProgress {
		m.logger.Info().
			Str("peerId", msg.From.String()).
			Str("enrollment", msg.Enrollment.String()).
			Msg("election aborted")
		m.resetLocked(msg.From, msg.Enrollment)
	} else {
		m.logger.Debug().Str("state", m.state.String()).Msg("ignoring election abort")
	}
}

// HandleElectionResultMessage answers the result of a peer round
func (m *ElectionManager) HandleElectionResultMessage(msg *StateMessage) {
	state := m.currentState()

	m.mu.Lock()
	var response *StateMessage
	if m.state == electionComplete && !m.winner.Equal(msg.Enrollment) {
		m.logger.Warn().
			Str("peerId", msg.From.String()).
			Str("winner", m.winner.String()).
			Str("enrollment", msg.Enrollment.String()).
			Msg("election result conflicts with the local winner")
		response = newResultConflictMessage(msg, m.winner, state)
	} else {
		if m.state == electionInProgress {
			m.resetLocked(msg.Enrollment.NodeID, msg.Enrollment)
		}
		response = newResultAgreedMessage(msg, msg.Enrollment, state)
	}
	m.mu.Unlock()

	if err := m.group.SendTo(msg.From, response); err != nil {
		m.logger.Warn().Err(err).Str("peerId", msg.From.String()).Msg("fail to answer election result")
	}
}

// DeclareWinner broadcasts the victory of the local node
func (m *ElectionManager) DeclareWinner(e Enrollment) {
	if err := m.group.SendAll(newElectionWonMessage(e, m.currentState())); err != nil {
		m.logger.Warn().Err(err).Msg("fail to declare winner to some peers")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(m.group.LocalNodeID(), e)
}

// Reset clears the round and adopts winner
func (m *ElectionManager) Reset(winner Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(winner.NodeID, winner)
}

// ResetWithActive clears the round, remembering active and the standbys
// that voted during it
func (m *ElectionManager) ResetWithActive(active NodeID, winner Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.round != nil {
		standbys := make(nodeSet)
		for node, state := range m.round.states {
			if state == Passive && node != active {
				standbys.add(node)
			}
		}
		m.passiveStandbys = standbys
	}
	m.activeNode = active
	m.resetLocked(active, winner)
}

func (m *ElectionManager) resetLocked(winnerID NodeID, winner Enrollment) {
	m.state = electionInit
	m.round = nil
	m.winner = winner
	m.winnerID = winnerID
	m.changed.broadcast()
}

// PassiveStandbys returns the standbys seen during the last round
func (m *ElectionManager) PassiveStandbys() []NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passiveStandbys.list()
}

// State returns the state of the current round
func (m *ElectionManager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.String()
}
