package hastate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Lord-Y/hastate/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NewGrpcGroup returns a grpc group manager. Nothing is listening
// until Start is called
func NewGrpcGroup(options GrpcGroupOptions) (*GrpcGroup, error) {
	if options.ID.IsNull() {
		return nil, ErrNodeIDRequired
	}
	if options.Address.IP == nil && options.Address.Port == 0 {
		options.Address = net.TCPAddr{IP: net.ParseIP(GRPCAddress), Port: int(GRPCPort)}
	}
	if options.MonitorInterval <= 0 {
		options.MonitorInterval = defaultMonitorInterval
	}
	if options.ResponseTimeout <= 0 {
		options.ResponseTimeout = defaultResponseTimeout
	}
	if options.Logger == nil {
		options.Logger = logger.NewLogger()
	}

	peers := make(map[NodeID]*grpcPeer, len(options.Peers))
	for _, peer := range options.Peers {
		if peer.ID.IsNull() || peer.ID == options.ID {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, peer.ID)
		}
		if _, _, err := net.SplitHostPort(peer.Address); err != nil {
			return nil, fmt.Errorf("peer %s: %w", peer.ID, err)
		}
		peers[peer.ID] = &grpcPeer{Peer: peer}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GrpcGroup{
		options:           options,
		logger:            options.Logger,
		tracker:           newResponseTracker(),
		connectionManager: newConnectionManager(options.ID, options.Logger),
		ctx:               ctx,
		cancel:            cancel,
		peers:             peers,
		inbox:             make(chan *StateMessage, sinkQueueSize),
		events:            make(chan groupEvent, sinkQueueSize),
	}, nil
}

// Start starts the grpc server and the connectivity monitor
func (g *GrpcGroup) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}

	listener, err := net.Listen(g.options.Address.Network(), g.options.Address.String())
	if err != nil {
		return fmt.Errorf("fail to listen grpc server: %w", err)
	}
	g.listener = listener
	g.server = grpc.NewServer(g.options.ServerOptions...)
	g.server.RegisterService(&groupServiceDesc, &grpcGroupService{group: g})
	g.started = true

	g.logger.Info().Msgf("Starting gRPC server at %s", listener.Addr().String())
	g.wg.Add(3)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	go g.dispatchEvents()
	go g.monitor()
	return nil
}

// Addr returns the address the grpc server listens to
func (g *GrpcGroup) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return &g.options.Address
	}
	return g.listener.Addr()
}

// monitor probes every peer until the group is closed
func (g *GrpcGroup) monitor() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.options.MonitorInterval)
	defer ticker.Stop()

	for {
		g.probeAll()
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *GrpcGroup) probeAll() {
	now := time.Now()
	g.mu.Lock()
	peers := make([]Peer, 0, len(g.peers))
	for _, peer := range g.peers {
		if now.After(peer.closedUntil) {
			peers = append(peers, peer.Peer)
		}
	}
	g.mu.Unlock()

	for _, peer := range peers {
		if err := g.probe(peer); err != nil {
			g.logger.Trace().Err(err).Str("peerId", peer.ID.String()).Msg("probe failed")
			g.markDisconnected(peer.ID)
			continue
		}
		g.markConnected(peer.ID)
	}
}

// probe says hello to peer and checks it answers with its configured id
func (g *GrpcGroup) probe(peer Peer) error {
	conn, err := g.connectionManager.getConnection(peer.Address)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(g.ctx, g.options.MonitorInterval)
	defer cancel()
	remote, err := invokeHello(ctx, conn, g.options.ID)
	if err != nil {
		return err
	}
	if remote != peer.ID {
		return fmt.Errorf("%w: %s answered at %s instead of %s", ErrUnknownPeer, remote, peer.Address, peer.ID)
	}
	return nil
}

// markConnected notifies the listeners the first time node is seen
func (g *GrpcGroup) markConnected(node NodeID) {
	g.mu.Lock()
	peer, ok := g.peers[node]
	if !ok || peer.connected || time.Now().Before(peer.closedUntil) {
		g.mu.Unlock()
		return
	}
	peer.connected = true
	g.mu.Unlock()

	g.logger.Debug().Str("peerId", node.String()).Msg("peer connected")
	g.notify(groupEvent{node: node, joined: true})
}

// markDisconnected releases the pending requests of node
// and notifies the listeners
func (g *GrpcGroup) markDisconnected(node NodeID) {
	g.mu.Lock()
	peer, ok := g.peers[node]
	if !ok || !peer.connected {
		g.mu.Unlock()
		return
	}
	peer.connected = false
	g.mu.Unlock()

	g.logger.Debug().Str("peerId", node.String()).Msg("peer disconnected")
	g.tracker.forget(node)
	g.notify(groupEvent{node: node, joined: false})
}

func (g *GrpcGroup) notify(event groupEvent) {
	select {
	case <-g.ctx.Done():
	case g.events <- event:
	}
}

// dispatchEvents forwards join and leave events to the listeners
func (g *GrpcGroup) dispatchEvents() {
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

// receive hands an inbound message to the waiting sender or to the inbox
func (g *GrpcGroup) receive(ctx context.Context, msg *StateMessage) error {
	g.mu.Lock()
	peer, ok := g.peers[msg.From]
	closed := ok && time.Now().Before(peer.closedUntil)
	g.mu.Unlock()
	if !ok {
		return status.Errorf(codes.PermissionDenied, "%s: %s", ErrUnknownPeer, msg.From)
	}
	if closed {
		return status.Errorf(codes.Unavailable, "%s: %s", ErrNodeNotConnected, msg.From)
	}

	// inbound traffic proves the link is up before the next probe
	g.markConnected(msg.From)
	if g.tracker.deliver(msg) {
		return nil
	}
	select {
	case <-g.ctx.Done():
		return status.Error(codes.Unavailable, ErrShutdown.Error())
	case <-ctx.Done():
		return ctx.Err()
	case g.inbox <- msg:
		return nil
	}
}

// LocalNodeID returns the id of the local node
func (g *GrpcGroup) LocalNodeID() NodeID {
	return g.options.ID
}

// SendTo sends the message to a single node
func (g *GrpcGroup) SendTo(node NodeID, msg *StateMessage) error {
	g.mu.Lock()
	peer, ok := g.peers[node]
	connected := ok && peer.connected
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, node)
	}
	if !connected {
		return fmt.Errorf("%w: %s", ErrNodeNotConnected, node)
	}

	out := msg.clone()
	out.From = g.options.ID
	data, err := marshalWithChecksum(out)
	if err != nil {
		return err
	}
	conn, err := g.connectionManager.getConnection(peer.Address)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(g.ctx, g.options.ResponseTimeout)
	defer cancel()
	if err := invokeDeliver(ctx, conn, data); err != nil {
		return fmt.Errorf("fail to deliver %s to %s: %w", msg.Type, node, err)
	}
	return nil
}

// SendAll sends the message to every connected node
func (g *GrpcGroup) SendAll(msg *StateMessage) error {
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
func (g *GrpcGroup) SendAllAndWaitForResponse(msg *StateMessage) ([]*StateMessage, error) {
	members := g.connectedMembers()
	w := g.tracker.register(msg.ID, members)
	for _, node := range members {
		if err := g.SendTo(node, msg); err != nil {
			g.logger.Warn().Err(err).
				Str("peerId", node.String()).
				Msgf("fail to send %s", msg.Type)
			g.markDisconnected(node)
			g.tracker.forget(node)
		}
	}
	return g.tracker.await(msg.ID, w, g.options.ResponseTimeout)
}

// SendToAndWaitForResponse sends the message to node and waits for its response
func (g *GrpcGroup) SendToAndWaitForResponse(node NodeID, msg *StateMessage) (*StateMessage, error) {
	w := g.tracker.register(msg.ID, []NodeID{node})
	if err := g.SendTo(node, msg); err != nil {
		_, _ = g.tracker.await(msg.ID, w, 0)
		return nil, err
	}
	responses, err := g.tracker.await(msg.ID, w, g.options.ResponseTimeout)
	if len(responses) == 0 {
		return nil, err
	}
	return responses[0], err
}

// ZapNode asks node to restart and disconnects it
func (g *GrpcGroup) ZapNode(node NodeID, reason ZapReason, text string) {
	g.logger.Warn().
		Str("peerId", node.String()).
		Str("reason", reason.String()).
		Msgf("zapping node: %s", text)
	if err := g.SendTo(node, newZapMessage(reason, text, Start)); err != nil {
		g.logger.Error().Err(err).Str("peerId", node.String()).Msg("fail to send zap request")
	}
	g.CloseMember(node)
}

// CloseMember disconnects node. The node is neither probed nor
// accepted for a few monitor intervals
func (g *GrpcGroup) CloseMember(node NodeID) {
	g.mu.Lock()
	peer, ok := g.peers[node]
	if ok {
		peer.closedUntil = time.Now().Add(closedMemberBackoff * g.options.MonitorInterval)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	g.markDisconnected(node)
	g.connectionManager.disconnect(peer.Address)
}

// IsNodeConnected tells if node answers probes
func (g *GrpcGroup) IsNodeConnected(node NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	peer, ok := g.peers[node]
	return ok && peer.connected
}

// Members returns every configured peer
func (g *GrpcGroup) Members() []NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := make(nodeSet, len(g.peers))
	for id := range g.peers {
		members.add(id)
	}
	return members.list()
}

func (g *GrpcGroup) connectedMembers() []NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := make(nodeSet, len(g.peers))
	for id, peer := range g.peers {
		if peer.connected {
			members.add(id)
		}
	}
	return members.list()
}

// RegisterForGroupEvents adds a listener of join and leave events
func (g *GrpcGroup) RegisterForGroupEvents(listener GroupEventsListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, listener)
}

// RouteMessages starts delivering inbound messages to handler
func (g *GrpcGroup) RouteMessages(handler MessageHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.routing {
		return
	}
	g.routing = true

	g.wg.Add(1)
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

// Close stops the grpc server, the monitor and the message routing
func (g *GrpcGroup) Close() error {
	g.cancel()
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server != nil {
		server.Stop()
	}
	g.tracker.abort()
	g.connectionManager.disconnectAllPeers()
	g.wg.Wait()
	return nil
}

// grpcGroupService implements the server side of the group service
type grpcGroupService struct {
	group *GrpcGroup
}

// Deliver decodes a state message sent by a peer
func (s *grpcGroupService) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	msg, err := unmarshalWithChecksum(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.group.receive(ctx, msg); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Hello answers the probes of the peers with the local id.
// Closed members are refused so they notice the disconnection
func (s *grpcGroupService) Hello(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	g := s.group
	caller := NodeID(in.GetValue())
	g.mu.Lock()
	peer, ok := g.peers[caller]
	closed := ok && time.Now().Before(peer.closedUntil)
	g.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.PermissionDenied, "%s: %s", ErrUnknownPeer, caller)
	}
	if closed {
		return nil, status.Errorf(codes.Unavailable, "%s: %s", ErrNodeNotConnected, caller)
	}
	return wrapperspb.String(string(g.options.ID)), nil
}
