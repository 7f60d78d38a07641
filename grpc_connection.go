package hastate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var kacp = keepalive.ClientParameters{
	Time:                10 * time.Second, // send pings every 10 seconds if there is no activity
	Timeout:             time.Second,      // wait 1 second for ping ack before considering the connection dead
	PermitWithoutStream: true,             // send pings even without active streams
}

// connectionManager is used to manage all grpc connections to the peers.
// It is used to ensure that we have only one connection per peer
// and to handle the lifecycle of these connections
type connectionManager struct {
	// mu is used to ensure lock concurrency
	mu sync.Mutex

	// connections hold gprc client connections per peer address
	connections map[string]*grpc.ClientConn

	// Logger expose zerolog so it can be override
	logger *zerolog.Logger

	// id of the current server
	id NodeID

	// closed is set once disconnectAllPeers is called
	closed bool
}

func newConnectionManager(id NodeID, logger *zerolog.Logger) *connectionManager {
	return &connectionManager{
		id:          id,
		logger:      logger,
		connections: make(map[string]*grpc.ClientConn),
	}
}

// getConnection return the grpc connection of address.
// It is nil once every peer was disconnected
func (r *connectionManager) getConnection(address string) (*grpc.ClientConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShutdown
	}
	if conn, ok := r.connections[address]; ok {
		return conn, nil
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, err
	}
	r.connections[address] = conn
	return conn, nil
}

// disconnect closes the connection of address. A new one
// is created on the next call to getConnection
func (r *connectionManager) disconnect(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[address]; ok {
		_ = conn.Close()
		delete(r.connections, address)
	}
}

// disconnectAllPeers permits to disconnect to all grpc servers
// from which this client is connected to
func (r *connectionManager) disconnectAllPeers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for address, connection := range r.connections {
		_ = connection.Close()
		delete(r.connections, address)
	}
	r.closed = true
}
