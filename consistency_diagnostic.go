package hastate

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DiagnosticManager never grants a transition: callers stay blocked
// until their context is done or the manager is closed.
// It freezes a node so it can be inspected
type DiagnosticManager struct {
	logger *zerolog.Logger
	done   chan struct{}
	once   sync.Once
}

// NewDiagnosticManager returns a manager blocking every request
func NewDiagnosticManager(logger *zerolog.Logger) *DiagnosticManager {
	return &DiagnosticManager{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// RequestTransition blocks and returns false
func (d *DiagnosticManager) RequestTransition(ctx context.Context, mode ServerMode, source NodeID, transition Transition) (bool, error) {
	d.logger.Warn().
		Str("state", mode.String()).
		Str("transition", transition.String()).
		Msg("diagnostic mode, transition blocked")
	select {
	case <-ctx.Done():
	case <-d.done:
	}
	return false, nil
}

// IsVoting is always false
func (d *DiagnosticManager) IsVoting() bool { return false }

// IsBlocked is always true
func (d *DiagnosticManager) IsBlocked() bool { return true }

// IsStuck is always true
func (d *DiagnosticManager) IsStuck() bool { return true }

// RequestedActions is always empty
func (d *DiagnosticManager) RequestedActions() []Transition { return nil }

// Close releases every blocked caller
func (d *DiagnosticManager) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}
