package hastate

import (
	"context"

	"github.com/rs/zerolog"
)

// AvailabilityManager grants every transition.
// It favours availability over consistency
type AvailabilityManager struct {
	logger *zerolog.Logger
}

// RequestTransition always returns true
func (a *AvailabilityManager) RequestTransition(_ context.Context, mode ServerMode, source NodeID, transition Transition) (bool, error) {
	a.logger.Debug().
		Str("state", mode.String()).
		Str("peerId", source.String()).
		Str("transition", transition.String()).
		Msg("transition granted by availability mode")
	return true, nil
}
