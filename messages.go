package hastate

import (
	"fmt"

	"github.com/google/uuid"
)

func newStateMessage(kind MessageType, e Enrollment, state ServerMode) *StateMessage {
	return &StateMessage{
		ID:         uuid.NewString(),
		Type:       kind,
		Enrollment: e,
		State:      state,
	}
}

func newResponseMessage(request *StateMessage, kind MessageType, e Enrollment, state ServerMode) *StateMessage {
	msg := newStateMessage(kind, e, state)
	msg.InResponseTo = request.ID
	return msg
}

func newElectionStartedMessage(e Enrollment, state ServerMode) *StateMessage {
	return newStateMessage(StartElection, e, state)
}

// newElectionStartedResponse is the vote sent back to a candidate
func newElectionStartedResponse(request *StateMessage, e Enrollment, state ServerMode) *StateMessage {
	return newResponseMessage(request, StartElection, e, state)
}

func newAbortElectionMessage(request *StateMessage, e Enrollment, state ServerMode) *StateMessage {
	return newResponseMessage(request, AbortElection, e, state)
}

func newElectionResultMessage(e Enrollment, state ServerMode) *StateMessage {
	return newStateMessage(ElectionResult, e, state)
}

func newResultAgreedMessage(request *StateMessage, e Enrollment, state ServerMode) *StateMessage {
	return newResponseMessage(request, ResultAgreed, e, state)
}

func newResultConflictMessage(request *StateMessage, e Enrollment, state ServerMode) *StateMessage {
	return newResponseMessage(request, ResultConflict, e, state)
}

func newElectionWonMessage(e Enrollment, state ServerMode) *StateMessage {
	return newStateMessage(ElectionWon, e, state)
}

func newElectionWonAlreadyMessage(e Enrollment, state ServerMode) *StateMessage {
	return newStateMessage(ElectionWonAlready, e, state)
}

func newSyncMessage(kind MessageType, state ServerMode) *StateMessage {
	return newStateMessage(kind, Enrollment{}, state)
}

func newZapMessage(reason ZapReason, text string, state ServerMode) *StateMessage {
	msg := newStateMessage(ZapNode, Enrollment{}, state)
	msg.Reason = reason
	msg.Text = text
	return msg
}

// isResponse tells if the message answers another one
func (m *StateMessage) isResponse() bool {
	return m.InResponseTo != ""
}

// clone returns a copy of the message safe to hand to another node
func (m *StateMessage) clone() *StateMessage {
	c := *m
	c.Enrollment.Weights = append([]int64(nil), m.Enrollment.Weights...)
	return &c
}

// String return a human readable message
func (m *StateMessage) String() string {
	return fmt.Sprintf("StateMessage[id=%s, type=%s, from=%s, inResponseTo=%s, state=%s, %s]", m.ID, m.Type, m.From, m.InResponseTo, m.State, m.Enrollment)
}
