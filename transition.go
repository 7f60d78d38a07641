package hastate

// Transition is an action a node requests before changing its role.
// Each transition must be authorized by the consistency manager
type Transition uint8

const (
	// MoveToActive is requested by the election winner before becoming active
	MoveToActive Transition = iota

	// ConnectToActive is requested by a node before following a declared active
	ConnectToActive

	// AddClient is requested by the active before admitting a client
	AddClient

	// RemovePassive is requested by the active when a passive leaves
	RemovePassive

	// AddPassive is requested by the active when a passive joins
	AddPassive
)

// String return a human readable transition
func (t Transition) String() string {
	switch t {
	case MoveToActive:
		return "MOVE_TO_ACTIVE"
	case ConnectToActive:
		return "CONNECT_TO_ACTIVE"
	case AddClient:
		return "ADD_CLIENT"
	case RemovePassive:
		return "REMOVE_PASSIVE"
	case AddPassive:
		return "ADD_PASSIVE"
	}
	return "UNKNOWN"
}
