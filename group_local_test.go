package hastate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// eventsRecorder is a GroupEventsListener pushing events to a channel
type eventsRecorder struct {
	events chan groupEvent
}

func newEventsRecorder() *eventsRecorder {
	return &eventsRecorder{events: make(chan groupEvent, 16)}
}

func (r *eventsRecorder) NodeJoined(node NodeID) {
	r.events <- groupEvent{node: node, joined: true}
}

func (r *eventsRecorder) NodeLeft(node NodeID) {
	r.events <- groupEvent{node: node}
}

func (r *eventsRecorder) next(t *testing.T) groupEvent {
	select {
	case event := <-r.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("no group event received")
	}
	return groupEvent{}
}

// echo answers every request with a ResultAgreed response
func echo(group *LocalGroup, received chan<- *StateMessage) MessageHandler {
	return func(msg *StateMessage) {
		if received != nil {
			received <- msg
		}
		if msg.Type == ElectionResult {
			_ = group.SendTo(msg.From, newResultAgreedMessage(msg, msg.Enrollment, Passive))
		}
	}
}

func TestLocalGroup(t *testing.T) {
	assert := assert.New(t)

	t.Run("events_queued_until_routing", func(t *testing.T) {
		network := NewLocalNetwork()
		a := network.Join("a", testLogger())
		b := network.Join("b", testLogger())
		defer func() {
			assert.Nil(a.Close())
			assert.Nil(b.Close())
		}()

		network.Connect("a", "b")
		recorder := newEventsRecorder()
		a.RegisterForGroupEvents(recorder)
		a.RouteMessages(func(*StateMessage) {})
		assert.Equal(groupEvent{node: "b", joined: true}, recorder.next(t))

		network.Disconnect("a", "b")
		assert.Equal(groupEvent{node: "b"}, recorder.next(t))
		assert.False(a.IsNodeConnected("b"))
		assert.Equal([]NodeID{"b"}, a.Members())
	})

	t.Run("send_and_wait", func(t *testing.T) {
		network := NewLocalNetwork()
		a := network.Join("a", testLogger())
		b := network.Join("b", testLogger())
		c := network.Join("c", testLogger())
		defer func() {
			assert.Nil(a.Close())
			assert.Nil(b.Close())
			assert.Nil(c.Close())
		}()
		network.ConnectAll()

		received := make(chan *StateMessage, 4)
		a.RouteMessages(func(*StateMessage) {})
		b.RouteMessages(echo(b, received))
		c.RouteMessages(echo(c, nil))

		e := Enrollment{NodeID: "a", Weights: []int64{1}}
		responses, err := a.SendAllAndWaitForResponse(newElectionResultMessage(e, Start))
		assert.Nil(err)
		assert.Len(responses, 2)
		for _, response := range responses {
			assert.Equal(ResultAgreed, response.Type)
		}

		msg := <-received
		assert.Equal(NodeID("a"), msg.From)

		response, err := a.SendToAndWaitForResponse("c", newElectionResultMessage(e, Start))
		assert.Nil(err)
		if assert.NotNil(response) {
			assert.Equal(NodeID("c"), response.From)
		}

		assert.Nil(a.SendAll(newElectionWonMessage(e, Active)))
		msg = <-received
		assert.Equal(ElectionWon, msg.Type)
	})

	t.Run("errors", func(t *testing.T) {
		network := NewLocalNetwork()
		a := network.Join("a", testLogger())
		b := network.Join("b", testLogger())
		defer func() {
			assert.Nil(a.Close())
			assert.Nil(b.Close())
		}()

		e := Enrollment{NodeID: "a"}
		assert.ErrorIs(a.SendTo("unknown", newElectionWonMessage(e, Active)), ErrUnknownPeer)
		assert.ErrorIs(a.SendTo("b", newElectionWonMessage(e, Active)), ErrNodeNotConnected)

		response, err := a.SendToAndWaitForResponse("b", newElectionResultMessage(e, Start))
		assert.ErrorIs(err, ErrNodeNotConnected)
		assert.Nil(response)
	})

	t.Run("left_node_not_waited_for", func(t *testing.T) {
		network := NewLocalNetwork()
		a := network.Join("a", testLogger())
		b := network.Join("b", testLogger())
		defer func() {
			assert.Nil(a.Close())
		}()
		network.ConnectAll()

		received := make(chan *StateMessage, 1)
		b.RouteMessages(func(msg *StateMessage) { received <- msg })

		done := make(chan []*StateMessage)
		go func() {
			responses, _ := a.SendAllAndWaitForResponse(newElectionResultMessage(Enrollment{NodeID: "a"}, Start))
			done <- responses
		}()
		<-received
		assert.Nil(b.Close())

		select {
		case responses := <-done:
			assert.Empty(responses)
		case <-time.After(5 * time.Second):
			t.Fatal("sender still waiting for a node that left")
		}
	})

	t.Run("zap", func(t *testing.T) {
		network := NewLocalNetwork()
		a := network.Join("a", testLogger())
		b := network.Join("b", testLogger())
		defer func() {
			assert.Nil(a.Close())
			assert.Nil(b.Close())
		}()
		network.ConnectAll()

		received := make(chan *StateMessage, 1)
		b.RouteMessages(func(msg *StateMessage) { received <- msg })
		a.ZapNode("b", ZapSplitBrain, "two actives")

		msg := <-received
		assert.Equal(ZapNode, msg.Type)
		assert.Equal(ZapSplitBrain, msg.Reason)
		assert.Equal("two actives", msg.Text)
		assert.False(a.IsNodeConnected("b"))
		assert.False(b.IsNodeConnected("a"))
	})

	t.Run("isolate", func(t *testing.T) {
		network := NewLocalNetwork()
		a := network.Join("a", testLogger())
		b := network.Join("b", testLogger())
		c := network.Join("c", testLogger())
		defer func() {
			assert.Nil(a.Close())
			assert.Nil(b.Close())
			assert.Nil(c.Close())
		}()
		network.ConnectAll()
		network.Isolate("a")

		assert.Empty(a.connectedMembers())
		assert.Equal([]NodeID{"c"}, b.connectedMembers())
	})
}
