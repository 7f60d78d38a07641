package hastate

// ServerMode represents the lifecycle state of a server node
type ServerMode uint32

const (
	// Start is the mode of a node that did not join any election yet
	Start ServerMode = iota

	// Uninitialized is a passive that knows the active but holds no data yet
	Uninitialized

	// Recovering is a node reloading its persisted data
	Recovering

	// Syncing is a passive receiving data from the active
	Syncing

	// Passive is a standby replica in sync with the active
	Passive

	// Active is the node serving writes
	Active

	// Stop is the terminal mode of a node shutting down
	Stop
)

// String returns the state label of the mode as used in messages
func (m ServerMode) String() string {
	switch m {
	case Start:
		return "START-STATE"
	case Uninitialized:
		return "PASSIVE-UNINITIALIZED"
	case Recovering:
		return "RECOVERING"
	case Syncing:
		return "PASSIVE-SYNCING"
	case Passive:
		return "PASSIVE-STANDBY"
	case Active:
		return "ACTIVE-COORDINATOR"
	case Stop:
		return "STOP-STATE"
	}
	return "UNKNOWN-STATE"
}

// ParseServerMode returns the mode matching the provided state label
func ParseServerMode(label string) (ServerMode, error) {
	for m := Start; m <= Stop; m++ {
		if m.String() == label {
			return m, nil
		}
	}
	return Start, ErrUnknownServerMode
}

// passiveStates holds the modes considered as passive
var passiveStates = map[ServerMode]struct{}{
	Uninitialized: {},
	Passive:       {},
	Syncing:       {},
}

// PassiveStates returns the modes considered as passive
func PassiveStates() []ServerMode {
	return []ServerMode{Uninitialized, Syncing, Passive}
}

// IsPassive tells if the mode is one of the passive modes
func (m ServerMode) IsPassive() bool {
	_, ok := passiveStates[m]
	return ok
}

// CanStartElection tells if a node in this mode is allowed to run an election
func (m ServerMode) CanStartElection() bool {
	return m == Start || m == Passive
}

// ContainsData tells if a node in this mode is holding data worth keeping
func (m ServerMode) ContainsData() bool {
	return m == Passive || m == Active || m == Recovering
}

// IsStartup tells if the node did not take any role yet
func (m ServerMode) IsStartup() bool {
	return m == Start
}

// modeSet is a small set of modes used to guard transitions
type modeSet []ServerMode

// contains tells if the mode is part of the set
func (s modeSet) contains(m ServerMode) bool {
	for _, v := range s {
		if v == m {
			return true
		}
	}
	return false
}
