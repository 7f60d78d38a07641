package hastate

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// GRPCAddress defines the default address to run the grpc server
	GRPCAddress string = "127.0.0.1"

	// GRPCPort define the default port to run the grpc server
	GRPCPort uint16 = 50051

	// defaultMonitorInterval is the delay between two connectivity probes
	defaultMonitorInterval = 500 * time.Millisecond

	// closedMemberBackoff is how many probes a closed member is left alone
	closedMemberBackoff = 5

	groupServiceName = "hastate.Group"
	deliverMethod    = "/" + groupServiceName + "/Deliver"
	helloMethod      = "/" + groupServiceName + "/Hello"
)

// Peer is another server of the stripe
type Peer struct {
	// ID of the peer
	ID NodeID

	// Address is the address of the peer, must be ip:port
	Address string
}

// GrpcGroupOptions holds the configuration of a grpc group manager
type GrpcGroupOptions struct {
	// ID of the local node. It's required
	ID NodeID

	// Address is the address the grpc server listens to.
	// Defaults to GRPCAddress:GRPCPort
	Address net.TCPAddr

	// Peers are the other servers of the stripe
	Peers []Peer

	// MonitorInterval is the delay between two connectivity probes
	MonitorInterval time.Duration

	// ResponseTimeout bounds how long a sender waits for responses
	ResponseTimeout time.Duration

	// ServerOptions are appended to the grpc server options
	ServerOptions []grpc.ServerOption

	// Logger expose zerolog so it can be override
	Logger *zerolog.Logger
}

// grpcPeer holds the connectivity of a peer
type grpcPeer struct {
	Peer

	// connected is true while the peer answers probes
	connected bool

	// closedUntil delays probes of a closed member
	closedUntil time.Time
}

// GrpcGroup is a GroupManager exchanging state messages over grpc.
// Connectivity is tracked by probing every peer periodically
type GrpcGroup struct {
	options GrpcGroupOptions
	logger  *zerolog.Logger
	tracker *responseTracker

	connectionManager *connectionManager
	listener          net.Listener
	server            *grpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu protects the fields below
	mu        sync.Mutex
	peers     map[NodeID]*grpcPeer
	listeners []GroupEventsListener
	routing   bool
	started   bool

	inbox  chan *StateMessage
	events chan groupEvent
}

// groupServer is the server side of the group service
type groupServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Hello(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}
