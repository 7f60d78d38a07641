package hastate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (cc *clusterConfig) restartsOf(id NodeID) []*RestartError {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return append([]*RestartError(nil), cc.restarts[id]...)
}

func TestCoordinator_zap(t *testing.T) {
	assert := assert.New(t)

	cc := makeCluster(t, 1, ConsistencyAvailability)
	cc.startCluster()
	defer cc.stopCluster()

	active := cc.waitForActive(10 * time.Second)
	require.NotNil(t, active)

	t.Run("ignored_while_active", func(t *testing.T) {
		active.coordinator.handleMessage(&StateMessage{ID: "1", From: "other", Type: ZapNode, Reason: ZapCommunicationError, Text: "plop"})
		assert.Empty(cc.restartsOf(active.ID()))
	})

	t.Run("sync_refused_while_active", func(t *testing.T) {
		active.coordinator.handleMessage(&StateMessage{ID: "2", From: "other", Type: SyncBegin, State: Active})
		assert.Empty(cc.restartsOf(active.ID()))
		assert.True(active.StateManager().IsActiveCoordinator())
	})

	t.Run("split_brain", func(t *testing.T) {
		active.coordinator.handleMessage(&StateMessage{ID: "3", From: "other", Type: ZapNode, Reason: ZapSplitBrain, Text: "two actives"})
		restarts := cc.restartsOf(active.ID())
		if assert.Len(restarts, 1) {
			assert.True(restarts[0].DirtyDB)
			assert.Contains(restarts[0].Reason, "SPLIT_BRAIN")
		}
		assert.False(cc.stores[0].IsDBClean())
	})
}

func TestCoordinator_sync(t *testing.T) {
	assert := assert.New(t)

	cc := makeCluster(t, 2, ConsistencyAvailability)
	cc.startCluster()
	defer cc.stopCluster()

	active := cc.waitForActive(10 * time.Second)
	require.NotNil(t, active)

	var passive *Node
	for _, node := range cc.nodes {
		if node != active {
			passive = node
		}
	}

	t.Run("passive_answers_sync_begin", func(t *testing.T) {
		passive.coordinator.handleMessage(&StateMessage{ID: "1", From: "other", Type: SyncBegin, State: Active})
		assert.Equal(Passive, passive.StateManager().GetCurrentMode())
		assert.Empty(cc.restartsOf(passive.ID()))
	})

	t.Run("sync_complete_from_wrong_source", func(t *testing.T) {
		passive.coordinator.handleMessage(&StateMessage{ID: "2", From: "other", Type: SyncComplete, State: Active})
		restarts := cc.restartsOf(passive.ID())
		if assert.Len(restarts, 1) {
			assert.True(restarts[0].DirtyDB)
		}
	})

	t.Run("passive_obeys_zap", func(t *testing.T) {
		passive.coordinator.handleMessage(&StateMessage{ID: "3", From: active.ID(), Type: ZapNode, Reason: ZapCommunicationError})
		assert.Len(cc.restartsOf(passive.ID()), 2)
	})
}
