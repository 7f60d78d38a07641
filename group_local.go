package hastate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LocalNetwork connects LocalGroup members living in the same process.
// It is used to run a stripe in memory and to simulate partitions
type LocalNetwork struct {
	mu     sync.RWMutex
	groups map[NodeID]*LocalGroup
	links  map[NodeID]nodeSet
}

// NewLocalNetwork returns an empty network
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		groups: make(map[NodeID]*LocalGroup),
		links:  make(map[NodeID]nodeSet),
	}
}

// groupEvent is a join or leave notification
type groupEvent struct {
	node   NodeID
	joined bool
}

// LocalGroup is the GroupManager of one node of a LocalNetwork
type LocalGroup struct {
	id              NodeID
	network         *LocalNetwork
	logger          *zerolog.Logger
	tracker         *responseTracker
	responseTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []GroupEventsListener
	routing   bool

	inbox  chan *StateMessage
	events chan groupEvent
}

// Join adds a node to the network. The node is connected to nobody yet.
// Join and leave events are queued until RouteMessages is called
func (n *LocalNetwork) Join(id NodeID, logger *zerolog.Logger) *LocalGroup {
	ctx, cancel := context.WithCancel(context.Background())
	g := &LocalGroup{
		id:              id,
		network:         n,
		logger:          logger,
		tracker:         newResponseTracker(),
		responseTimeout: defaultResponseTimeout,
		ctx:             ctx,
		cancel:          cancel,
		inbox:           make(chan *StateMessage, sinkQueueSize),
		events:          make(chan groupEvent, sinkQueueSize),
	}

	n.mu.Lock()
	n.groups[id] = g
	n.links[id] = make(nodeSet)
	n.mu.Unlock()
	return g
}

// Connect links a and b and notifies both sides
func (n *LocalNetwork) Connect(a, b NodeID) {
	if a == b {
		return
	}
	n.mu.Lock()
	ga, okA := n.groups[a]
	gb, okB := n.groups[b]
	if !okA || !okB || n.links[a].has(b) {
		n.mu.Unlock()
		return
	}
	n.links[a].add(b)
	n.links[b].add(a)
	n.mu.Unlock()

	ga.notify(groupEvent{node: b, joined: true})
	gb.notify(groupEvent{node: a, joined: true})
}

// ConnectAll links every pair of nodes
func (n *LocalNetwork) ConnectAll() {
	n.mu.RLock()
	ids := make([]NodeID, 0, len(n.groups))
	for id := range n.groups {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			n.Connect(ids[i], ids[j])
		}
	}
}

// Disconnect removes the link between a and b and notifies both sides
func (n *LocalNetwork) Disconnect(a, b NodeID) {
	n.mu.Lock()
	if n.links[a] == nil || !n.links[a].has(b) {
		n.mu.Unlock()
		return
	}
	n.links[a].remove(b)
	n.links[b].remove(a)
	ga, gb := n.groups[a], n.groups[b]
	n.mu.Unlock()

	for _, pair := range []struct {
		g    *LocalGroup
		peer NodeID
	}{{ga, b}, {gb, a}} {
		if pair.g != nil {
			pair.g.tracker.forget(pair.peer)
			pair.g.notify(groupEvent{node: pair.peer})
		}
	}
}

// Isolate disconnects id from every other node
func (n *LocalNetwork) Isolate(id NodeID) {
	n.mu.RLock()
	var peers []NodeID
	if links, ok := n.links[id]; ok {
		peers = links.list()
	}
	n.mu.RUnlock()

	for _, peer := range peers {
		n.Disconnect(id, peer)
	}
}

// connected tells if a and b are linked
func (n *LocalNetwork) connected(a, b NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	links, ok := n.links[a]
	return ok && links.has(b)
}

// deliver hands msg to the inbox of to
func (n *LocalNetwork) deliver(to NodeID, msg *StateMessage) error {
	n.mu.RLock()
	target, ok := n.groups[to]
	linked := n.links[msg.From].has(to)
	n.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	if !linked {
		return ErrNodeNotConnected
	}
	if target.tracker.deliver(msg) {
		return nil
	}
	select {
	case <-target.ctx.Done():
		return ErrShutdown
	case target.inbox <- msg:
		return nil
	}
}

// leave removes id from the network
func (n *LocalNetwork) leave(id NodeID) {
	n.Isolate(id)
	n.mu.Lock()
	delete(n.groups, id)
	delete(n.links, id)
	n.mu.Unlock()
}

func (g *LocalGroup) notify(event groupEvent) {
	select {
	case <-g.ctx.Done():
	case g.events <- event:
	}
}

// dispatchEvents forwards join and leave events to the listeners
func (g *LocalGroup) dispatchEvents() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case event := <-g.events:
			g.mu.Lock()
			listeners := append([]GroupEventsListener(nil), g.listeners...)
			g.mu.Unlock()
			for _, listener := range listeners {
				if event.joined {
					listener.NodeJoined(event.node)
				} else {
					listener.NodeLeft(event.node)
				}
			}
		}
	}
}

// LocalNodeID returns the id of the local node
func (g *LocalGroup) LocalNodeID() NodeID {
	return g.id
}

// SendTo sends the message to a single node
func (g *LocalGroup) SendTo(node NodeID, msg *StateMessage) error {
	out := msg.clone()
	out.From = g.id
	return g.network.deliver(node, out)
}

// SendAll sends the message to every connected node
func (g *LocalGroup) SendAll(msg *StateMessage) error {
	var errs []error
	for _, node := range g.connectedMembers() {
		if err := g.SendTo(node, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendAllAndWaitForResponse sends the message to every connected node
// and waits for their responses
func (g *LocalGroup) SendAllAndWaitForResponse(msg *StateMessage) ([]*StateMessage, error) {
	members := g.connectedMembers()
	w := g.tracker.register(msg.ID, members)
	for _, node := range members {
		if err := g.SendTo(node, msg); err != nil {
			g.logger.Warn().Err(err).
				Str("peerId", node.String()).
				Msgf("fail to send %s", msg.Type)
			g.tracker.forget(node)
		}
	}
	return g.tracker.await(msg.ID, w, g.responseTimeout)
}

// SendToAndWaitForResponse sends the message to node and waits for its response
func (g *LocalGroup) SendToAndWaitForResponse(node NodeID, msg *StateMessage) (*StateMessage, error) {
	w := g.tracker.register(msg.ID, []NodeID{node})
	if err := g.SendTo(node, msg); err != nil {
		_, _ = g.tracker.await(msg.ID, w, 0)
		return nil, err
	}
	responses, err := g.tracker.await(msg.ID, w, g.responseTimeout)
	if len(responses) == 0 {
		return nil, err
	}
	return responses[0], err
}

// ZapNode asks node to restart and disconnects it
func (g *LocalGroup) ZapNode(node NodeID, reason ZapReason, text string) {
	g.logger.Warn().
		Str("peerId", node.String()).
		Str("reason", reason.String()).
		Msgf("zapping node: %s", text)
	if err := g.SendTo(node, newZapMessage(reason, text, Start)); err != nil {
		g.logger.Error().Err(err).Str("peerId", node.String()).Msg("fail to send zap request")
	}
	g.CloseMember(node)
}

// CloseMember disconnects node
func (g *LocalGroup) CloseMember(node NodeID) {
	g.network.Disconnect(g.id, node)
}

// IsNodeConnected tells if node is currently linked to the local node
func (g *LocalGroup) IsNodeConnected(node NodeID) bool {
	return g.network.connected(g.id, node)
}

// Members returns every other node of the network
func (g *LocalGroup) Members() []NodeID {
	g.network.mu.RLock()
	defer g.network.mu.RUnlock()
	members := make(nodeSet)
	for id := range g.network.groups {
		if id != g.id {
			members.add(id)
		}
	}
	return members.list()
}

func (g *LocalGroup) connectedMembers() []NodeID {
	g.network.mu.RLock()
	defer g.network.mu.RUnlock()
	if links, ok := g.network.links[g.id]; ok {
		return links.list()
	}
	return nil
}

// RegisterForGroupEvents adds a listener of join and leave events
func (g *LocalGroup) RegisterForGroupEvents(listener GroupEventsListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, listener)
}

// RouteMessages starts delivering group events and inbound messages
func (g *LocalGroup) RouteMessages(handler MessageHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.routing {
		return
	}
	g.routing = true

	g.wg.Add(2)
	go g.dispatchEvents()
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-g.ctx.Done():
				return
			case msg := <-g.inbox:
				handler(msg)
			}
		}
	}()
}

// Close disconnects the node from the network and stops its goroutines
func (g *LocalGroup) Close() error {
	g.network.leave(g.id)
	g.cancel()
	g.tracker.abort()
	g.wg.Wait()
	return nil
}
