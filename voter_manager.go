package hastate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// InvalidVoter is returned to unknown or rejected voters
	InvalidVoter int64 = -1

	// HeartbeatOK is returned to known voters when no election is running
	HeartbeatOK int64 = 0

	// voteBeatTimeout is the idle time after which a voter is evicted
	voteBeatTimeout = 5000 * time.Millisecond
)

// ServerVoterManager tracks the external voters of a server and
// the votes they cast for the election in progress
type ServerVoterManager struct {
	mu     sync.Mutex
	logger *zerolog.Logger

	// voterLimit is the maximum number of registered voters
	voterLimit int

	// voteBeatTimeout is the idle time after which a voter is evicted
	voteBeatTimeout time.Duration

	// voters maps a voter id to its last heartbeat
	voters map[string]time.Time

	// votes holds the voters that voted for electionTerm
	votes map[string]struct{}

	votingInProgress bool
	veto             bool
	electionTerm     int64

	// now is overridden by tests
	now func() time.Time

	metrics *metrics
}

// VoterSnapshot is a read only view of the voter manager
type VoterSnapshot struct {
	VoterLimit       int      `json:"voterLimit"`
	RegisteredVoters []string `json:"registeredVoters"`
	Votes            int      `json:"votes"`
	VotingInProgress bool     `json:"votingInProgress"`
	Veto             bool     `json:"veto"`
	ElectionTerm     int64    `json:"electionTerm"`
}

// NewServerVoterManager returns a voter manager accepting up to voterLimit voters
func NewServerVoterManager(voterLimit int, logger *zerolog.Logger) *ServerVoterManager {
	return &ServerVoterManager{
		logger:          logger,
		voterLimit:      voterLimit,
		voteBeatTimeout: voteBeatTimeout,
		voters:          make(map[string]time.Time),
		votes:           make(map[string]struct{}),
		now:             time.Now,
	}
}

// RegisterVoter registers id and returns the current term,
// or InvalidVoter when the voter cannot be accepted.
// Registering a known voter only refreshes its heartbeat
func (v *ServerVoterManager) RegisterVoter(id string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.voters[id]; ok {
		v.voters[id] = v.now()
		return v.electionTerm
	}
	if v.votingInProgress || !v.canAcceptVoter() {
		v.logger.Warn().Str("voterId", id).Msg("voter registration rejected")
		return InvalidVoter
	}
	v.voters[id] = v.now()
	v.logger.Info().Str("voterId", id).Msg("voter registered")
	v.updateVotersGauge()
	return v.electionTerm
}

// canAcceptVoter evicts idle voters and tells if there is room for a new one.
// It must be called under lock
func (v *ServerVoterManager) canAcceptVoter() bool {
	now := v.now()
	for id, last := range v.voters {
		if now.Sub(last) > v.voteBeatTimeout {
			delete(v.voters, id)
			v.logger.Info().Str("voterId", id).Msg("voter evicted after missing heartbeats")
		}
	}
	v.updateVotersGauge()
	return len(v.voters) < v.voterLimit
}

// Heartbeat refreshes id and returns the election term when voting,
// HeartbeatOK otherwise, or InvalidVoter if id is unknown
func (v *ServerVoterManager) Heartbeat(id string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.heartbeat(id)
}

func (v *ServerVoterManager) heartbeat(id string) int64 {
	if _, ok := v.voters[id]; !ok {
		return InvalidVoter
	}
	v.voters[id] = v.now()
	if v.votingInProgress {
		return v.electionTerm
	}
	return HeartbeatOK
}

// Vote records the vote of id when term matches the election in progress
func (v *ServerVoterManager) Vote(id string, term int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	response := v.heartbeat(id)
	if v.votingInProgress && response > 0 && term == v.electionTerm {
		v.votes[id] = struct{}{}
		v.logger.Info().Str("voterId", id).Int64("term", term).Msg("vote received")
	}
	return response
}

// VetoVote grants every vote of the election in progress
func (v *ServerVoterManager) VetoVote(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.heartbeat(id) == InvalidVoter || !v.votingInProgress {
		return false
	}
	v.veto = true
	v.logger.Warn().Str("voterId", id).Int64("term", v.electionTerm).Msg("veto vote received")
	return true
}

// DeregisterVoter removes id from the registered voters
func (v *ServerVoterManager) DeregisterVoter(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.voters[id]; !ok {
		return false
	}
	delete(v.voters, id)
	v.updateVotersGauge()
	return true
}

// StartVoting opens the election of term.
// Starting while a vote is already in progress is a programming error
func (v *ServerVoterManager) StartVoting(term int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.votingInProgress {
		panic(fmt.Errorf("%w: term %d while voting for %d", ErrVotingAlreadyInProgress, term, v.electionTerm))
	}
	v.votes = make(map[string]struct{})
	v.veto = false
	v.electionTerm = term
	v.votingInProgress = true
	v.logger.Info().Int64("term", term).Msg("voting started")
}

// StopVoting closes the election in progress
func (v *ServerVoterManager) StopVoting() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.votingInProgress = false
	v.logger.Info().Int64("term", v.electionTerm).Msg("voting stopped")
}

// VoteCount returns the number of votes, or voterLimit when vetoed
func (v *ServerVoterManager) VoteCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.veto {
		return v.voterLimit
	}
	return len(v.votes)
}

// IsVetoed tells if a veto was received for the election in progress
func (v *ServerVoterManager) IsVetoed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.veto
}

// RegisteredVoters returns the number of registered voters
func (v *ServerVoterManager) RegisteredVoters() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.voters)
}

// VoterLimit returns the maximum number of registered voters
func (v *ServerVoterManager) VoterLimit() int {
	return v.voterLimit
}

// CurrentTerm returns the last election term
func (v *ServerVoterManager) CurrentTerm() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.electionTerm
}

// Snapshot returns a read only view of the voter manager
func (v *ServerVoterManager) Snapshot() VoterSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := make([]string, 0, len(v.voters))
	for id := range v.voters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return VoterSnapshot{
		VoterLimit:       v.voterLimit,
		RegisteredVoters: ids,
		Votes:            len(v.votes),
		VotingInProgress: v.votingInProgress,
		Veto:             v.veto,
		ElectionTerm:     v.electionTerm,
	}
}

func (v *ServerVoterManager) updateVotersGauge() {
	if v.metrics != nil {
		v.metrics.setRegisteredVoters(len(v.voters))
	}
}
