package hastate

import "fmt"

// StateChangedEvent is published each time the local node switches mode
type StateChangedEvent struct {
	// From is the previous mode
	From ServerMode

	// To is the new mode
	To ServerMode
}

// MovedToActive tells if the node just became active
func (e StateChangedEvent) MovedToActive() bool {
	return e.To == Active && e.From != Active
}

// String return a human readable event
func (e StateChangedEvent) String() string {
	return fmt.Sprintf("StateChangedEvent[%s -> %s]", e.From, e.To)
}

// StateChangeListener is notified of every mode switch
type StateChangeListener interface {
	StateChanged(event StateChangedEvent)
}

// StateChangeListenerFunc allows a plain func to be used as a StateChangeListener
type StateChangeListenerFunc func(event StateChangedEvent)

// StateChanged calls f(event)
func (f StateChangeListenerFunc) StateChanged(event StateChangedEvent) {
	f(event)
}
