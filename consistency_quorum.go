package hastate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// QuorumConsistencyManager grants a transition when the connected servers
// and the external voters reach the vote threshold
type QuorumConsistencyManager struct {
	mu     sync.Mutex
	logger *zerolog.Logger

	peerServers int
	voter       *ServerVoterManager

	// activePeers are the servers currently connected
	activePeers nodeSet

	// passives are the servers admitted by the local active
	passives nodeSet

	activeVote bool
	blocked    bool
	stuck      bool
	blockedAt  time.Time
	actions    map[Transition]int
	term       int64

	pollInterval time.Duration
	voteTimeout  time.Duration

	metrics *metrics
}

func newQuorumConsistencyManager(peerServers int, voter *ServerVoterManager, logger *zerolog.Logger, m *metrics) *QuorumConsistencyManager {
	return &QuorumConsistencyManager{
		logger:       logger,
		peerServers:  peerServers,
		voter:        voter,
		activePeers:  make(nodeSet),
		passives:     make(nodeSet),
		actions:      make(map[Transition]int),
		pollInterval: quorumPollInterval,
		voteTimeout:  voteBeatTimeout,
		metrics:      m,
	}
}

// NodeJoined counts node as a connected server
func (c *QuorumConsistencyManager) NodeJoined(node NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activePeers.add(node)
}

// NodeLeft forgets node
func (c *QuorumConsistencyManager) NodeLeft(node NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activePeers.remove(node)
	c.passives.remove(node)
}

// RequestTransition authorizes transition for a node currently in mode
func (c *QuorumConsistencyManager) RequestTransition(ctx context.Context, mode ServerMode, source NodeID, transition Transition) (bool, error) {
	start := time.Now()
	switch transition {
	case AddPassive:
		if mode != Active {
			return false, fmt.Errorf("%w: %s requested while %s", ErrIllegalState, transition, mode)
		}
		c.mu.Lock()
		c.passives.add(source)
		c.mu.Unlock()
		return true, nil
	case RemovePassive:
		c.mu.Lock()
		c.passives.remove(source)
		c.mu.Unlock()
		return true, nil
	}

	threshold := voteThreshold(mode, c.peerServers, c.voter.VoterLimit())
	serverVotes := c.serverVotes(mode)
	if serverVotes >= threshold || serverVotes == c.peerServers {
		c.observe(transition, true, start)
		return true, nil
	}

	c.activateVoting(transition)
	c.logger.Info().
		Str("state", mode.String()).
		Str("transition", transition.String()).
		Int("serverVotes", serverVotes).
		Int("threshold", threshold).
		Msg("not enough servers connected, waiting for external votes")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.voteTimeout)
	defer deadline.Stop()

	var allowed, unreachable bool
loop:
	for {
		serverVotes = c.serverVotes(mode)
		if serverVotes+c.voter.VoteCount() >= threshold || c.voter.IsVetoed() {
			allowed = true
			break
		}
		if c.voter.RegisteredVoters()+serverVotes < threshold {
			if !unreachable {
				c.logger.Warn().
					Str("transition", transition.String()).
					Int("registeredVoters", c.voter.RegisteredVoters()).
					Msgf("not enough registered voters, require override intervention or %d members of the stripe to be connected", c.peerServers+1-threshold)
			}
			unreachable = true
		}
		select {
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			break loop
		case <-ticker.C:
		}
	}

	c.endVoting(allowed, unreachable, transition)
	if !allowed {
		c.logger.Warn().
			Str("state", mode.String()).
			Str("transition", transition.String()).
			Msg("transition denied, quorum not reached")
	}
	c.observe(transition, allowed, start)
	return allowed, nil
}

// serverVotes returns the servers voting for a node in mode
func (c *QuorumConsistencyManager) serverVotes(mode ServerMode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == Active {
		return len(c.passives)
	}
	return len(c.activePeers)
}

// activateVoting opens external voting for the next term if needed
func (c *QuorumConsistencyManager) activateVoting(transition Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.activeVote {
		c.activeVote = true
		c.voter.StartVoting(c.term + 1)
	}
	c.actions[transition]++
}

// endVoting closes external voting once no transition waits for it.
// A granted vote moves the manager to the voting term
func (c *QuorumConsistencyManager) endVoting(allowed, unreachable bool, transition Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.activeVote {
		return
	}
	if c.actions[transition]--; c.actions[transition] <= 0 {
		delete(c.actions, transition)
	}
	if allowed {
		c.blocked, c.stuck, c.blockedAt = false, false, time.Time{}
	} else if !c.blocked {
		c.blocked, c.stuck, c.blockedAt = true, unreachable, time.Now()
	}
	if len(c.actions) == 0 {
		if allowed {
			c.term = c.voter.CurrentTerm()
		}
		c.voter.StopVoting()
		c.activeVote = false
	}
}

func (c *QuorumConsistencyManager) observe(transition Transition, allowed bool, start time.Time) {
	if c.metrics != nil {
		c.metrics.transitionRequested(transition, allowed, start)
	}
}

// CurrentTerm returns the consistency term
func (c *QuorumConsistencyManager) CurrentTerm() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

// SetCurrentTerm adopts the term of the active
func (c *QuorumConsistencyManager) SetCurrentTerm(term int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term = term
}

// IsVoting tells if external votes are being collected
func (c *QuorumConsistencyManager) IsVoting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeVote
}

// IsBlocked tells if the last transition request timed out
func (c *QuorumConsistencyManager) IsBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// IsStuck tells if the last transition request could never be granted
// by the registered voters
func (c *QuorumConsistencyManager) IsStuck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked && c.stuck
}

// BlockedSince returns when the manager got blocked
func (c *QuorumConsistencyManager) BlockedSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedAt
}

// RequestedActions returns the transitions waiting for votes
func (c *QuorumConsistencyManager) RequestedActions() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	actions := make([]Transition, 0, len(c.actions))
	for t := MoveToActive; t <= AddPassive; t++ {
		if c.actions[t] > 0 {
			actions = append(actions, t)
		}
	}
	return actions
}
