package hastate

import (
	"sync"
	"time"
)

const (
	// defaultResponseTimeout bounds how long a sender waits for responses
	defaultResponseTimeout = 15 * time.Second
)

// GroupEventsListener is notified when peers join or leave the group
type GroupEventsListener interface {
	NodeJoined(node NodeID)
	NodeLeft(node NodeID)
}

// MessageHandler receives every message that is not a pending response
type MessageHandler func(msg *StateMessage)

// GroupManager is the communication layer between the servers of a stripe
type GroupManager interface {
	// LocalNodeID returns the id of the local node
	LocalNodeID() NodeID

	// SendTo sends the message to a single node
	SendTo(node NodeID, msg *StateMessage) error

	// SendAll sends the message to every connected node
	SendAll(msg *StateMessage) error

	// SendAllAndWaitForResponse sends the message to every connected node
	// and waits for their responses. Nodes leaving meanwhile are not waited for
	SendAllAndWaitForResponse(msg *StateMessage) ([]*StateMessage, error)

	// SendToAndWaitForResponse sends the message to node and waits for its response.
	// A nil response is returned when the node left meanwhile
	SendToAndWaitForResponse(node NodeID, msg *StateMessage) (*StateMessage, error)

	// ZapNode asks node to restart and then disconnects it
	ZapNode(node NodeID, reason ZapReason, text string)

	// CloseMember disconnects node
	CloseMember(node NodeID)

	// IsNodeConnected tells if node is currently reachable
	IsNodeConnected(node NodeID) bool

	// Members returns every configured peer, connected or not
	Members() []NodeID

	// RegisterForGroupEvents adds a listener of join and leave events
	RegisterForGroupEvents(listener GroupEventsListener)

	// RouteMessages sets the handler of inbound messages and starts delivering them
	RouteMessages(handler MessageHandler)

	// Close stops the group manager
	Close() error
}

// responseWaiter collects the responses of one request
type responseWaiter struct {
	pending   nodeSet
	responses []*StateMessage
	done      chan struct{}
	closed    bool
}

// finish closes done once. It must be called under the tracker lock
func (w *responseWaiter) finish() {
	if !w.closed {
		w.closed = true
		close(w.done)
	}
}

// responseTracker routes responses to the goroutines waiting for them
type responseTracker struct {
	mu      sync.Mutex
	waiters map[string]*responseWaiter
}
