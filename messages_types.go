package hastate

// MessageType is the kind of a state message
type MessageType uint8

const (
	// StartElection carries a candidate vote
	StartElection MessageType = iota + 1

	// AbortElection is sent by an active to stop an election
	AbortElection

	// ElectionResult is sent by the local winner to get the result agreed
	ElectionResult

	// ResultAgreed acknowledges a result or a verification
	ResultAgreed

	// ResultConflict rejects a result or a verification
	ResultConflict

	// ElectionWon is broadcasted by the new active
	ElectionWon

	// ElectionWonAlready is sent by an active to a joining node
	ElectionWonAlready

	// SyncBegin is sent by the active when it starts syncing a passive
	SyncBegin

	// SyncComplete is sent by the active once the passive is in sync
	SyncComplete

	// ZapNode asks a node to restart
	ZapNode
)

// String return a human readable message type
func (m MessageType) String() string {
	switch m {
	case StartElection:
		return "START_ELECTION"
	case AbortElection:
		return "ABORT_ELECTION"
	case ElectionResult:
		return "ELECTION_RESULT"
	case ResultAgreed:
		return "RESULT_AGREED"
	case ResultConflict:
		return "RESULT_CONFLICT"
	case ElectionWon:
		return "ELECTION_WON"
	case ElectionWonAlready:
		return "ELECTION_WON_ALREADY"
	case SyncBegin:
		return "SYNC_BEGIN"
	case SyncComplete:
		return "SYNC_COMPLETE"
	case ZapNode:
		return "ZAP_NODE"
	}
	return "UNKNOWN"
}

// isSync tells if the message belongs to the passive sync handshake
func (m MessageType) isSync() bool {
	return m == SyncBegin || m == SyncComplete
}

// ZapReason is the reason code sent along a zap request
type ZapReason uint8

const (
	// ZapCommunicationError is used when a peer could not be handled
	ZapCommunicationError ZapReason = iota + 1

	// ZapSplitBrain is used when two actives are detected
	ZapSplitBrain

	// ZapProgramError is used when a peer breaks the protocol
	ZapProgramError

	// ZapIncompatibleState is used when a peer joined with data it cannot keep
	ZapIncompatibleState
)

// String return a human readable zap reason
func (z ZapReason) String() string {
	switch z {
	case ZapCommunicationError:
		return "COMMUNICATION_ERROR"
	case ZapSplitBrain:
		return "SPLIT_BRAIN"
	case ZapProgramError:
		return "PROGRAM_ERROR"
	case ZapIncompatibleState:
		return "INCOMPATIBLE_STATE"
	}
	return "UNKNOWN"
}

// StateMessage is exchanged between servers during elections,
// passive syncs and zaps
type StateMessage struct {
	// ID uniquely identifies the message
	ID string

	// InResponseTo is the ID of the message this one answers
	InResponseTo string

	// From is filled by the group manager with the sender id
	From NodeID

	// Type of the message
	Type MessageType

	// Enrollment carried by the message
	Enrollment Enrollment

	// State is the sender mode when the message was built
	State ServerMode

	// Reason is only used by zap requests
	Reason ZapReason

	// Text is a diagnostic only used by zap requests
	Text string
}
