package hastate

import (
	"github.com/stretchr/testify/mock"
)

// mockGroup is a GroupManager recording the calls it receives
type mockGroup struct {
	mock.Mock
	id NodeID
}

func newMockGroup(id NodeID) *mockGroup {
	return &mockGroup{id: id}
}

func (m *mockGroup) LocalNodeID() NodeID {
	return m.id
}

func (m *mockGroup) SendTo(node NodeID, msg *StateMessage) error {
	args := m.Called(node, msg)
	return args.Error(0)
}

func (m *mockGroup) SendAll(msg *StateMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}

func (m *mockGroup) SendAllAndWaitForResponse(msg *StateMessage) ([]*StateMessage, error) {
	args := m.Called(msg)
	responses, _ := args.Get(0).([]*StateMessage)
	return responses, args.Error(1)
}

func (m *mockGroup) SendToAndWaitForResponse(node NodeID, msg *StateMessage) (*StateMessage, error) {
	args := m.Called(node, msg)
	response, _ := args.Get(0).(*StateMessage)
	return response, args.Error(1)
}

func (m *mockGroup) ZapNode(node NodeID, reason ZapReason, text string) {
	m.Called(node, reason, text)
}

func (m *mockGroup) CloseMember(node NodeID) {
	m.Called(node)
}

func (m *mockGroup) IsNodeConnected(node NodeID) bool {
	args := m.Called(node)
	return args.Bool(0)
}

func (m *mockGroup) Members() []NodeID {
	args := m.Called()
	members, _ := args.Get(0).([]NodeID)
	return members
}

func (m *mockGroup) RegisterForGroupEvents(listener GroupEventsListener) {
	m.Called(listener)
}

func (m *mockGroup) RouteMessages(handler MessageHandler) {
	m.Called(handler)
}

func (m *mockGroup) Close() error {
	args := m.Called()
	return args.Error(0)
}

// messageOfType matches state messages of kind
func messageOfType(kind MessageType) any {
	return mock.MatchedBy(func(msg *StateMessage) bool {
		return msg.Type == kind
	})
}
