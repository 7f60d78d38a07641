package hastate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// quorumPollInterval is the delay between two quorum checks
	quorumPollInterval = 100 * time.Millisecond
)

// ConsistencyMode selects the strategy authorizing transitions
type ConsistencyMode string

const (
	// ConsistencyQuorum grants transitions only with enough votes
	ConsistencyQuorum ConsistencyMode = "consistency"

	// ConsistencyAvailability grants every transition
	ConsistencyAvailability ConsistencyMode = "availability"

	// ConsistencyDiagnostic never grants anything and blocks callers
	ConsistencyDiagnostic ConsistencyMode = "diagnostic"
)

// ParseConsistencyMode returns the mode matching value
func ParseConsistencyMode(value string) (ConsistencyMode, error) {
	switch mode := ConsistencyMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case ConsistencyQuorum, ConsistencyAvailability, ConsistencyDiagnostic:
		return mode, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownConsistencyMode, value)
}

// ConsistencyManager authorizes the transitions requested by the state manager.
// RequestTransition may block until enough votes are collected, the vote
// timeout expires or ctx is done
type ConsistencyManager interface {
	RequestTransition(ctx context.Context, mode ServerMode, source NodeID, transition Transition) (bool, error)
}

// ConsistencyInspector exposes the voting state of a consistency manager
type ConsistencyInspector interface {
	// IsVoting tells if external votes are being collected
	IsVoting() bool

	// IsBlocked tells if the last request timed out without quorum
	IsBlocked() bool

	// IsStuck tells if the registered voters can never reach the quorum
	// without an operator override
	IsStuck() bool

	// RequestedActions returns the transitions waiting for votes
	RequestedActions() []Transition
}

// termTracker is implemented by managers keeping the consistency term
type termTracker interface {
	CurrentTerm() int64
	SetCurrentTerm(term int64)
}

// ConsistencyConfig holds the requirements to build a consistency manager
type ConsistencyConfig struct {
	// Mode selects the strategy
	Mode ConsistencyMode

	// PeerServers is the number of other servers of the stripe
	PeerServers int

	// Voter holds the external voters
	Voter *ServerVoterManager

	// SafeStartup refuses the first promotion until every peer is connected
	SafeStartup bool

	// Logger expose zerolog so it can be override
	Logger *zerolog.Logger

	metrics *metrics
}

// NewConsistencyManager returns the strategy selected by config
func NewConsistencyManager(config ConsistencyConfig) (ConsistencyManager, error) {
	var manager ConsistencyManager
	switch config.Mode {
	case ConsistencyQuorum, "":
		manager = newQuorumConsistencyManager(config.PeerServers, config.Voter, config.Logger, config.metrics)
	case ConsistencyAvailability:
		manager = &AvailabilityManager{logger: config.Logger}
	case ConsistencyDiagnostic:
		manager = NewDiagnosticManager(config.Logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConsistencyMode, config.Mode)
	}
	if config.SafeStartup {
		manager = NewSafeStartupManager(manager, config.PeerServers, config.Logger)
	}
	return manager, nil
}

// voteThreshold returns the number of votes required by a node in mode.
// Staying active requires less votes than becoming active
func voteThreshold(mode ServerMode, peerServers, voterLimit int) int {
	total := peerServers + voterLimit + 1
	if mode == Active {
		return total - (total+1)/2 - 1
	}
	return total / 2
}

// consistencyStateMap returns a read only view of manager
func consistencyStateMap(manager ConsistencyManager) map[string]any {
	state := map[string]any{}
	switch manager.(type) {
	case *AvailabilityManager:
		state["mode"] = string(ConsistencyAvailability)
	case *DiagnosticManager:
		state["mode"] = string(ConsistencyDiagnostic)
	case *SafeStartupManager:
		state["mode"] = "safe-startup"
	default:
		state["mode"] = string(ConsistencyQuorum)
	}
	if inspector, ok := manager.(ConsistencyInspector); ok {
		actions := []string{}
		for _, t := range inspector.RequestedActions() {
			actions = append(actions, t.String())
		}
		state["isVoting"] = inspector.IsVoting()
		state["isBlocked"] = inspector.IsBlocked()
		state["isStuck"] = inspector.IsStuck()
		state["requestedActions"] = actions
	}
	if tracker, ok := manager.(termTracker); ok {
		state["currentTerm"] = tracker.CurrentTerm()
	}
	if safe, ok := manager.(*SafeStartupManager); ok {
		state["suspended"] = safe.IsSuspended()
	}
	return state
}
