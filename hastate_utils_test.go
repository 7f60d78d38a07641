package hastate

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Lord-Y/hastate/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// testElectionTime keeps election rounds short in tests
const testElectionTime = 300 * time.Millisecond

// testLogger returns a silent logger unless HASTATE_TEST_LOGS is set
func testLogger() *zerolog.Logger {
	if os.Getenv("HASTATE_TEST_LOGS") != "" {
		return logger.NewLogger()
	}
	l := zerolog.Nop()
	return &l
}

// clusterConfig runs nodes over a LocalNetwork
type clusterConfig struct {
	t       *testing.T
	network *LocalNetwork
	nodes   []*Node
	stores  []*MemoryStore

	mu       sync.Mutex
	restarts map[NodeID][]*RestartError
}

// makeCluster builds size connected nodes. Nothing is started
func makeCluster(t *testing.T, size int, mode ConsistencyMode) *clusterConfig {
	cc := &clusterConfig{
		t:        t,
		network:  NewLocalNetwork(),
		restarts: make(map[NodeID][]*RestartError),
	}

	groups := make([]*LocalGroup, 0, size)
	for i := range size {
		id := NodeID(fmt.Sprintf("node%d", i))
		groups = append(groups, cc.network.Join(id, testLogger()))
	}
	cc.network.ConnectAll()

	for _, group := range groups {
		store := NewMemoryStore(Start)
		id := group.LocalNodeID()
		node, err := NewNode(Options{
			Logger:          testLogger(),
			Group:           group,
			Persistence:     store,
			ElectionTime:    testElectionTime,
			ConsistencyMode: mode,
			Registerer:      prometheus.NewRegistry(),
			OnRestart: func(err *RestartError) {
				cc.mu.Lock()
				defer cc.mu.Unlock()
				cc.restarts[id] = append(cc.restarts[id], err)
			},
		})
		assert.Nil(t, err)
		cc.nodes = append(cc.nodes, node)
		cc.stores = append(cc.stores, store)
	}
	return cc
}

func (cc *clusterConfig) startCluster() {
	for _, node := range cc.nodes {
		assert.Nil(cc.t, node.Start())
	}
}

func (cc *clusterConfig) stopCluster() {
	for _, node := range cc.nodes {
		node.Stop()
	}
}

// waitForActive waits until exactly one of nodes is active and
// every other one is a passive standby
func (cc *clusterConfig) waitForActive(timeout time.Duration, nodes ...*Node) *Node {
	if len(nodes) == 0 {
		nodes = cc.nodes
	}
	var active *Node
	ok := assert.Eventually(cc.t, func() bool {
		active = nil
		for _, node := range nodes {
			switch node.StateManager().GetCurrentMode() {
			case Active:
				if active != nil {
					return false
				}
				active = node
			case Passive:
			default:
				return false
			}
		}
		return active != nil
	}, timeout, 20*time.Millisecond)
	if !ok {
		for _, node := range nodes {
			cc.t.Logf("%s: %v", node.ID(), node.StateManager().StateMap())
		}
		return nil
	}
	return active
}

// countActives returns how many nodes are active
func countActives(nodes ...*Node) int {
	count := 0
	for _, node := range nodes {
		if node.StateManager().IsActiveCoordinator() {
			count++
		}
	}
	return count
}
