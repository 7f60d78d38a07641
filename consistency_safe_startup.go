package hastate

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// SafeStartupManager refuses the first promotion of a starting node
// until every configured peer is connected, unless AllowStartup is called.
// Other requests are handed to the wrapped manager
type SafeStartupManager struct {
	mu       sync.Mutex
	logger   *zerolog.Logger
	delegate ConsistencyManager

	peerServers  int
	activePeers  nodeSet
	firstStartup bool
	allowed      bool
	suspended    bool
}

// NewSafeStartupManager wraps delegate
func NewSafeStartupManager(delegate ConsistencyManager, peerServers int, logger *zerolog.Logger) *SafeStartupManager {
	return &SafeStartupManager{
		logger:       logger,
		delegate:     delegate,
		peerServers:  peerServers,
		activePeers:  make(nodeSet),
		firstStartup: true,
	}
}

// RequestTransition refuses the first MOVE_TO_ACTIVE of a starting node
// while some peers are missing
func (s *SafeStartupManager) RequestTransition(ctx context.Context, mode ServerMode, source NodeID, transition Transition) (bool, error) {
	if transition == MoveToActive && mode == Start {
		s.mu.Lock()
		if s.firstStartup {
			if len(s.activePeers) < s.peerServers && !s.allowed {
				s.suspended = true
				connected := len(s.activePeers)
				s.mu.Unlock()
				s.logger.Warn().
					Int("connectedPeers", connected).
					Int("peerServers", s.peerServers).
					Msg("safe startup, waiting for every peer or an operator override before becoming active")
				return false, nil
			}
			s.firstStartup, s.suspended = false, false
		}
		s.mu.Unlock()
	}
	return s.delegate.RequestTransition(ctx, mode, source, transition)
}

// AllowStartup lets the node become active without waiting for its peers
func (s *SafeStartupManager) AllowStartup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed = true
	s.logger.Info().Msg("safe startup overridden")
}

// IsSuspended tells if the startup is waiting for peers
func (s *SafeStartupManager) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// NodeJoined counts node and forwards the event
func (s *SafeStartupManager) NodeJoined(node NodeID) {
	s.mu.Lock()
	s.activePeers.add(node)
	s.mu.Unlock()
	if listener, ok := s.delegate.(GroupEventsListener); ok {
		listener.NodeJoined(node)
	}
}

// NodeLeft forgets node and forwards the event
func (s *SafeStartupManager) NodeLeft(node NodeID) {
	s.mu.Lock()
	s.activePeers.remove(node)
	s.mu.Unlock()
	if listener, ok := s.delegate.(GroupEventsListener); ok {
		listener.NodeLeft(node)
	}
}

// CurrentTerm returns the term of the wrapped manager
func (s *SafeStartupManager) CurrentTerm() int64 {
	if tracker, ok := s.delegate.(termTracker); ok {
		return tracker.CurrentTerm()
	}
	return 0
}

// SetCurrentTerm forwards the term to the wrapped manager
func (s *SafeStartupManager) SetCurrentTerm(term int64) {
	if tracker, ok := s.delegate.(termTracker); ok {
		tracker.SetCurrentTerm(term)
	}
}

// IsVoting forwards to the wrapped manager
func (s *SafeStartupManager) IsVoting() bool {
	if inspector, ok := s.delegate.(ConsistencyInspector); ok {
		return inspector.IsVoting()
	}
	return false
}

// IsBlocked is true while the startup is suspended
func (s *SafeStartupManager) IsBlocked() bool {
	if s.IsSuspended() {
		return true
	}
	if inspector, ok := s.delegate.(ConsistencyInspector); ok {
		return inspector.IsBlocked()
	}
	return false
}

// IsStuck is true while the startup is suspended
func (s *SafeStartupManager) IsStuck() bool {
	if s.IsSuspended() {
		return true
	}
	if inspector, ok := s.delegate.(ConsistencyInspector); ok {
		return inspector.IsStuck()
	}
	return false
}

// RequestedActions forwards to the wrapped manager
func (s *SafeStartupManager) RequestedActions() []Transition {
	var actions []Transition
	if inspector, ok := s.delegate.(ConsistencyInspector); ok {
		actions = inspector.RequestedActions()
	}
	if s.IsSuspended() {
		actions = append([]Transition{MoveToActive}, actions...)
	}
	return actions
}

// Close closes the wrapped manager when it can be closed
func (s *SafeStartupManager) Close() error {
	if closer, ok := s.delegate.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
