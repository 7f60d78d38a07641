package hastate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newSingleStateManager returns a started state manager alone in its network
func newSingleStateManager(t *testing.T, consistency ConsistencyManager) (*StateManager, *LocalGroup) {
	network := NewLocalNetwork()
	group := network.Join("single", testLogger())
	s, err := NewStateManager(context.Background(), StateManagerConfig{
		Group:        group,
		Consistency:  consistency,
		Persistence:  NewMemoryStore(Start),
		ElectionTime: 50 * time.Millisecond,
		Logger:       testLogger(),
	})
	require.Nil(t, err)
	return s, group
}

// newMockStateManager returns a state manager over a mocked group, already
// moved to mode and following active
func newMockStateManager(t *testing.T, group *mockGroup, store *MemoryStore, mode ServerMode, active NodeID) (*StateManager, chan *RestartError) {
	restarts := make(chan *RestartError, 4)
	s, err := NewStateManager(context.Background(), StateManagerConfig{
		Group:          group,
		Consistency:    &AvailabilityManager{logger: testLogger()},
		Persistence:    store,
		ElectionTime:   50 * time.Millisecond,
		WeightsFactory: fixedFactory(1, 2),
		Logger:         testLogger(),
		OnRestart:      func(err *RestartError) { restarts <- err },
	})
	require.Nil(t, err)

	s.mu.Lock()
	s.currentMode = mode
	s.didStartElection = true
	if mode == Active {
		s.syncedTo = group.LocalNodeID()
	} else {
		s.setActiveNodeIDLocked(active)
	}
	s.mu.Unlock()
	t.Cleanup(s.Shutdown)
	return s, restarts
}

// nextRestart returns the restart requested by the state manager
func nextRestart(t *testing.T, restarts chan *RestartError) *RestartError {
	select {
	case restart := <-restarts:
		return restart
	case <-time.After(time.Second):
		require.Fail(t, "no restart requested")
	}
	return nil
}

func TestStateManager_new(t *testing.T) {
	assert := assert.New(t)

	t.Run("missing_collaborator", func(t *testing.T) {
		_, err := NewStateManager(context.Background(), StateManagerConfig{ElectionTime: time.Second})
		assert.ErrorIs(err, ErrMissingCollaborator)
	})

	t.Run("election_time", func(t *testing.T) {
		network := NewLocalNetwork()
		_, err := NewStateManager(context.Background(), StateManagerConfig{
			Group:       network.Join("a", testLogger()),
			Consistency: &AvailabilityManager{logger: testLogger()},
			Persistence: NewMemoryStore(Start),
		})
		assert.ErrorIs(err, ErrElectionTimeInvalid)
	})

	t.Run("restores_term", func(t *testing.T) {
		network := NewLocalNetwork()
		store := NewMemoryStore(Passive)
		assert.Nil(store.SetCurrentTerm(4))
		quorum := newQuorumConsistencyManager(1, NewServerVoterManager(0, testLogger()), testLogger(), nil)
		s, err := NewStateManager(context.Background(), StateManagerConfig{
			Group:        network.Join("a", testLogger()),
			Consistency:  quorum,
			Persistence:  store,
			ElectionTime: time.Second,
			Logger:       testLogger(),
		})
		assert.Nil(err)
		assert.Equal(int64(4), quorum.CurrentTerm())
		assert.Equal(Passive, s.StartMode())
		assert.Equal(Start, s.GetCurrentMode())
		assert.True(s.IsInStartState())
		s.Shutdown()
	})
}

func TestStateManager_single(t *testing.T) {
	assert := assert.New(t)

	s, group := newSingleStateManager(t, &AvailabilityManager{logger: testLogger()})
	defer func() {
		s.Shutdown()
		assert.Nil(group.Close())
	}()

	var events []StateChangedEvent
	eventsCh := make(chan StateChangedEvent, 10)
	s.RegisterForStateChangeEvents(StateChangeListenerFunc(func(event StateChangedEvent) {
		eventsCh <- event
	}))

	assert.Nil(s.InitializeAndStartElection())
	assert.ErrorIs(s.InitializeAndStartElection(), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Nil(s.WaitForDeclaredActiveState(ctx))
	assert.Eventually(func() bool { return s.IsActiveCoordinator() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(NodeID("single"), s.GetActiveNodeID())

	select {
	case event := <-eventsCh:
		events = append(events, event)
	case <-time.After(5 * time.Second):
	}
	assert.Equal([]StateChangedEvent{{From: Start, To: Active}}, events)

	t.Run("standby_guard", func(t *testing.T) {
		assert.ErrorIs(s.MoveToPassiveStandbyState(), ErrIllegalStateTransition)
		assert.Equal(Active, s.GetCurrentMode())
	})

	t.Run("syncing_guard", func(t *testing.T) {
		assert.ErrorIs(s.MoveToPassiveSyncing("other"), ErrSyncSourceMismatch)
		assert.Equal(Active, s.GetCurrentMode())
	})

	t.Run("unknown_message_type", func(t *testing.T) {
		assert.Panics(func() {
			s.HandleClusterStateMessage(&StateMessage{ID: "x", From: "other", Type: SyncBegin})
		})
		assert.Panics(func() {
			s.HandleClusterStateMessage(&StateMessage{ID: "y", From: "other", Type: MessageType(42)})
		})
	})

	t.Run("orphan_responses", func(t *testing.T) {
		assert.NotPanics(func() {
			s.HandleClusterStateMessage(&StateMessage{ID: "z", InResponseTo: "w", From: "other", Type: ResultAgreed})
		})
	})

	t.Run("local_node_disconnected", func(t *testing.T) {
		assert.Panics(func() {
			s.StartElectionIfNecessary("single")
		})
	})

	t.Run("state_map", func(t *testing.T) {
		state := s.StateMap()
		assert.Equal(Active.String(), state["currentState"])
		assert.Equal("single", state["active"])
		assert.Contains(state, "consistency")
	})

	t.Run("stop", func(t *testing.T) {
		s.MoveToStopState()
		assert.Equal(Stop, s.GetCurrentMode())
	})
}

func TestStateManager_restart(t *testing.T) {
	assert := assert.New(t)

	network := NewLocalNetwork()
	store := NewMemoryStore(Start)
	var restart *RestartError
	s, err := NewStateManager(context.Background(), StateManagerConfig{
		Group:        network.Join("a", testLogger()),
		Consistency:  &AvailabilityManager{logger: testLogger()},
		Persistence:  store,
		ElectionTime: time.Second,
		Logger:       testLogger(),
		OnRestart:    func(err *RestartError) { restart = err },
	})
	assert.Nil(err)
	defer s.Shutdown()

	s.zapAndResync("test")
	assert.False(store.IsDBClean())
	if assert.NotNil(restart) {
		assert.True(restart.DirtyDB)
		assert.ErrorIs(restart, ErrRestartRequired)
		assert.Contains(restart.Error(), "test")
	}
}

func TestStateManager_cluster(t *testing.T) {
	assert := assert.New(t)

	t.Run("startup_three_nodes", func(t *testing.T) {
		cc := makeCluster(t, 3, ConsistencyQuorum)
		cc.startCluster()
		defer cc.stopCluster()

		active := cc.waitForActive(15 * time.Second)
		require.NotNil(t, active)
		for _, node := range cc.nodes {
			assert.Equal(active.ID(), node.StateManager().GetActiveNodeID())
			if node != active {
				assert.Equal(active.ID(), node.StateManager().SyncedTo())
			}
		}
		for i, store := range cc.stores {
			if cc.nodes[i] == active {
				assert.Eventually(func() bool { return store.CurrentMode() == Active }, time.Second, 10*time.Millisecond)
			}
			assert.True(store.IsDBClean())
		}
	})

	t.Run("active_disconnect", func(t *testing.T) {
		cc := makeCluster(t, 3, ConsistencyQuorum)
		cc.startCluster()
		defer cc.stopCluster()

		active := cc.waitForActive(15 * time.Second)
		require.NotNil(t, active)

		var remaining []*Node
		for _, node := range cc.nodes {
			if node != active {
				remaining = append(remaining, node)
			}
		}
		active.Stop()

		newActive := cc.waitForActive(15*time.Second, remaining...)
		require.NotNil(t, newActive)
		assert.NotEqual(active.ID(), newActive.ID())
		assert.Equal(1, countActives(remaining...))
	})

	t.Run("passive_disconnect_keeps_active", func(t *testing.T) {
		cc := makeCluster(t, 3, ConsistencyQuorum)
		cc.startCluster()
		defer cc.stopCluster()

		active := cc.waitForActive(15 * time.Second)
		require.NotNil(t, active)

		var passive *Node
		for _, node := range cc.nodes {
			if node != active {
				passive = node
				break
			}
		}
		passive.Stop()
		time.Sleep(2 * testElectionTime)
		assert.True(active.StateManager().IsActiveCoordinator())
		assert.Equal(1, countActives(cc.nodes...))
	})

	t.Run("availability_two_nodes", func(t *testing.T) {
		cc := makeCluster(t, 2, ConsistencyAvailability)
		cc.startCluster()
		defer cc.stopCluster()

		active := cc.waitForActive(15 * time.Second)
		require.NotNil(t, active)
	})
}

func TestStateManager_splitBrain(t *testing.T) {
	assert := assert.New(t)

	weaker := Enrollment{NodeID: "b", Weights: []int64{1, 0}}
	stronger := Enrollment{NodeID: "b", Weights: []int64{math.MaxInt64, 7}}

	t.Run("active_zaps_losing_active", func(t *testing.T) {
		group := newMockGroup("a")
		response := &StateMessage{ID: "r1", From: "b", Type: ResultConflict, State: Active, Enrollment: weaker}
		group.On("SendToAndWaitForResponse", NodeID("b"), messageOfType(AbortElection)).Return(response, nil).Once()
		group.On("ZapNode", NodeID("b"), ZapSplitBrain, mock.Anything).Return().Once()

		s, _ := newMockStateManager(t, group, NewMemoryStore(Start), Active, NullNodeID)
		s.HandleClusterStateMessage(&StateMessage{ID: "m1", From: "b", Type: StartElection, State: Active, Enrollment: weaker})

		group.AssertExpectations(t)
		assert.True(s.IsActiveCoordinator())
	})

	t.Run("winning_active_not_zapped", func(t *testing.T) {
		group := newMockGroup("a")
		response := &StateMessage{ID: "r2", From: "b", Type: ResultConflict, State: Active, Enrollment: stronger}
		group.On("SendToAndWaitForResponse", NodeID("b"), messageOfType(AbortElection)).Return(response, nil).Once()

		s, restarts := newMockStateManager(t, group, NewMemoryStore(Start), Active, NullNodeID)
		s.HandleClusterStateMessage(&StateMessage{ID: "m2", From: "b", Type: StartElection, State: Active, Enrollment: stronger})

		group.AssertExpectations(t)
		group.AssertNotCalled(t, "ZapNode", mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(restarts)
	})

	t.Run("agreed_response", func(t *testing.T) {
		group := newMockGroup("a")
		response := &StateMessage{ID: "r3", From: "b", Type: ResultAgreed, State: Uninitialized, Enrollment: weaker}
		group.On("SendToAndWaitForResponse", NodeID("b"), messageOfType(ElectionWonAlready)).Return(response, nil).Once()

		s, restarts := newMockStateManager(t, group, NewMemoryStore(Start), Active, NullNodeID)
		assert.Nil(s.PublishActiveState("b"))
		group.AssertNotCalled(t, "ZapNode", mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(restarts)
	})

	t.Run("passive_with_newer_data_restarts_active", func(t *testing.T) {
		group := newMockGroup("a")
		response := &StateMessage{ID: "r4", From: "b", Type: ResultConflict, State: Passive, Enrollment: stronger}
		group.On("SendToAndWaitForResponse", NodeID("b"), messageOfType(ElectionWonAlready)).Return(response, nil).Once()

		store := NewMemoryStore(Start)
		s, restarts := newMockStateManager(t, group, store, Active, NullNodeID)
		assert.Nil(s.PublishActiveState("b"))

		restart := nextRestart(t, restarts)
		if assert.NotNil(restart) {
			assert.True(restart.DirtyDB)
			assert.Contains(restart.Reason, "more recent data")
		}
		assert.False(store.IsDBClean())
		group.AssertNotCalled(t, "ZapNode", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("publish_requires_active", func(t *testing.T) {
		group := newMockGroup("a")
		s, _ := newMockStateManager(t, group, NewMemoryStore(Start), Passive, "c")
		assert.ErrorIs(s.PublishActiveState("b"), ErrIllegalState)
	})

	t.Run("active_refuses_abort", func(t *testing.T) {
		group := newMockGroup("a")
		group.On("SendTo", NodeID("b"), messageOfType(ResultConflict)).Return(nil).Once()

		s, _ := newMockStateManager(t, group, NewMemoryStore(Start), Active, NullNodeID)
		s.HandleClusterStateMessage(&StateMessage{ID: "m3", From: "b", Type: AbortElection, State: Active, Enrollment: stronger})

		group.AssertExpectations(t)
		assert.True(s.IsActiveCoordinator())
	})

	t.Run("active_conflicts_election_result", func(t *testing.T) {
		group := newMockGroup("a")
		group.On("SendTo", NodeID("b"), messageOfType(ResultConflict)).Return(nil).Once()

		s, _ := newMockStateManager(t, group, NewMemoryStore(Start), Active, NullNodeID)
		s.HandleClusterStateMessage(&StateMessage{ID: "m4", From: "b", Type: ElectionResult, State: Start, Enrollment: weaker})

		group.AssertExpectations(t)
	})

	t.Run("passive_agrees_with_known_active", func(t *testing.T) {
		group := newMockGroup("a")
		group.On("SendTo", NodeID("c"), messageOfType(ResultAgreed)).Return(nil).Once()

		s, _ := newMockStateManager(t, group, NewMemoryStore(Start), Passive, "c")
		s.HandleClusterStateMessage(&StateMessage{ID: "m5", From: "c", Type: ElectionResult, State: Start, Enrollment: Enrollment{NodeID: "c", Weights: []int64{1, 2}}})

		group.AssertExpectations(t)
	})

	t.Run("send_failure_zaps_sender", func(t *testing.T) {
		group := newMockGroup("a")
		group.On("SendToAndWaitForResponse", NodeID("b"), messageOfType(AbortElection)).Return(nil, ErrNodeNotConnected).Once()
		group.On("ZapNode", NodeID("b"), ZapCommunicationError, mock.Anything).Return().Once()

		s, _ := newMockStateManager(t, group, NewMemoryStore(Start), Active, NullNodeID)
		s.HandleClusterStateMessage(&StateMessage{ID: "m6", From: "b", Type: StartElection, State: Start, Enrollment: weaker})

		group.AssertExpectations(t)
	})
}

func TestStateManager_dirtyRestart(t *testing.T) {
	assert := assert.New(t)

	t.Run("active_left_while_syncing", func(t *testing.T) {
		group := newMockGroup("a")
		store := NewMemoryStore(Start)
		s, restarts := newMockStateManager(t, group, store, Uninitialized, "x")

		assert.Nil(s.MoveToPassiveSyncing("x"))
		assert.Equal(Syncing, s.GetCurrentMode())
		s.StartElectionIfNecessary("x")

		restart := nextRestart(t, restarts)
		if assert.NotNil(restart) {
			assert.True(restart.DirtyDB)
			assert.Contains(restart.Reason, "partially synced")
		}
		assert.False(store.IsDBClean())
		assert.Equal(NullNodeID, s.GetActiveNodeID())
	})

	t.Run("other_passive_left_while_syncing", func(t *testing.T) {
		group := newMockGroup("a")
		s, restarts := newMockStateManager(t, group, NewMemoryStore(Start), Uninitialized, "x")

		assert.Nil(s.MoveToPassiveSyncing("x"))
		s.StartElectionIfNecessary("y")
		assert.Empty(restarts)
		assert.Equal(NodeID("x"), s.GetActiveNodeID())
	})

	t.Run("already_following_another_active", func(t *testing.T) {
		group := newMockGroup("a")
		store := NewMemoryStore(Start)
		s, restarts := newMockStateManager(t, group, store, Uninitialized, "x")

		s.moveToPassiveReady(&StateMessage{ID: "m1", From: "y", Type: ElectionWon, State: Active, Enrollment: Enrollment{NodeID: "y", Weights: []int64{1, 2}}})

		restart := nextRestart(t, restarts)
		if assert.NotNil(restart) {
			assert.True(restart.DirtyDB)
			assert.Contains(restart.Reason, "already syncing with active x")
		}
		assert.False(store.IsDBClean())
		assert.Equal(NodeID("x"), s.GetActiveNodeID())
	})

	t.Run("stale_start_data", func(t *testing.T) {
		group := newMockGroup("a")
		store := NewMemoryStore(Passive)
		s, restarts := newMockStateManager(t, group, store, Start, NullNodeID)

		s.moveToPassiveReady(&StateMessage{ID: "m2", From: "y", Type: ElectionWon, State: Active, Enrollment: Enrollment{NodeID: "y", Weights: []int64{1, 2}}})

		restart := nextRestart(t, restarts)
		if assert.NotNil(restart) {
			assert.True(restart.DirtyDB)
			assert.Contains(restart.Reason, "stale data")
		}
		assert.False(store.IsDBClean())
		assert.Equal(Start, s.GetCurrentMode())
	})

	t.Run("fresh_node_follows_active", func(t *testing.T) {
		group := newMockGroup("a")
		store := NewMemoryStore(Start)
		s, restarts := newMockStateManager(t, group, store, Start, NullNodeID)

		s.moveToPassiveReady(&StateMessage{ID: "m3", From: "y", Type: ElectionWon, State: Active, Enrollment: Enrollment{NodeID: "y", Weights: []int64{1, 2}}})

		assert.Empty(restarts)
		assert.True(store.IsDBClean())
		assert.Equal(Uninitialized, s.GetCurrentMode())
		assert.Equal(NodeID("y"), s.GetActiveNodeID())
		assert.Equal(int64(2), store.CurrentTerm())
	})
}

func TestStateManager_knownServers(t *testing.T) {
	assert := assert.New(t)

	group := newMockGroup("a")
	group.On("IsNodeConnected", NodeID("b")).Return(true)
	group.On("IsNodeConnected", NodeID("c")).Return(false)
	s, _ := newMockStateManager(t, group, NewMemoryStore(Start), Active, NullNodeID)

	s.mu.Lock()
	s.currKnownServers.add("b")
	s.currKnownServers.add("c")
	s.mu.Unlock()
	assert.Equal([]NodeID{"b", "c"}, s.KnownServers())

	s.CleanupKnownServers()
	assert.Equal([]NodeID{"b"}, s.KnownServers())
	assert.Equal([]NodeID{"b"}, s.StateMap()["knownServers"])
}

func TestStateManager_verificationEnrollment(t *testing.T) {
	assert := assert.New(t)

	store := NewMemoryStore(Start)
	assert.Nil(store.SetCurrentTerm(3))
	s, _ := newMockStateManager(t, newMockGroup("a"), store, Active, NullNodeID)

	verify := s.createVerificationEnrollment()
	assert.Equal(Enrollment{NodeID: "a", Weights: []int64{math.MaxInt64, 3}}, verify)
	assert.True(verify.Wins(Enrollment{NodeID: "b", Weights: []int64{math.MaxInt64 - 1, 9}}))
}
