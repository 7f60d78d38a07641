package hastate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// electionState is the state of the local election round
type electionState uint8

const (
	// electionInit means no round is running
	electionInit electionState = iota

	// electionInProgress means votes are being collected
	electionInProgress

	// electionComplete means the voting window is over and a winner was computed
	electionComplete
)

// String return a human readable election state
func (s electionState) String() string {
	switch s {
	case electionInProgress:
		return "ELECTION_IN_PROGRESS"
	case electionComplete:
		return "ELECTION_COMPLETE"
	}
	return "INIT"
}

// electionRound holds the votes of one round.
// A new round replaces the previous one, it is never cleared in place
type electionRound struct {
	startedAt time.Time
	myVote    Enrollment

	// votes holds at most one enrollment per node, the last one received
	votes map[NodeID]Enrollment

	// states are the modes the voters reported
	states map[NodeID]ServerMode
}

func newElectionRound(myVote Enrollment, myState ServerMode) *electionRound {
	return &electionRound{
		startedAt: time.Now(),
		myVote:    myVote,
		votes:     map[NodeID]Enrollment{myVote.NodeID: myVote},
		states:    map[NodeID]ServerMode{myVote.NodeID: myState},
	}
}

// ElectionManager runs the peer to peer election protocol
type ElectionManager struct {
	mu     sync.Mutex
	logger *zerolog.Logger
	group  GroupManager

	// electionTime is the voting window of a round
	electionTime time.Duration

	// currentState returns the local mode put in outgoing messages.
	// It must never be called while holding mu
	currentState func() ServerMode

	state electionState
	round *electionRound

	// winner is the enrollment computed or adopted by the last round
	winner Enrollment

	// winnerID is the node that won, it differs from winner.NodeID
	// when an active aborted the round
	winnerID NodeID

	// activeNode is the active known at the last reset
	activeNode NodeID

	// passiveStandbys are the nodes that reported being standby
	// during the last round
	passiveStandbys nodeSet

	changed *notifier
	metrics *metrics
}
