package hastate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// coordinator wires the state manager to the group. It routes inbound
// messages, reacts to membership changes, drives passive syncs
// and processes zap requests
type coordinator struct {
	logger      *zerolog.Logger
	group       GroupManager
	stateMgr    *StateManager
	consistency ConsistencyManager

	ctx context.Context
	wg  sync.WaitGroup

	mu sync.Mutex
	// syncing are the passives the local active is syncing or synced
	syncing nodeSet
}

func newCoordinator(ctx context.Context, group GroupManager, stateMgr *StateManager, consistency ConsistencyManager, logger *zerolog.Logger) *coordinator {
	return &coordinator{
		logger:      logger,
		group:       group,
		stateMgr:    stateMgr,
		consistency: consistency,
		ctx:         ctx,
		syncing:     make(nodeSet),
	}
}

// start registers the listeners and starts routing messages.
// The consistency manager sees membership changes before the state manager
func (c *coordinator) start() {
	if listener, ok := c.consistency.(GroupEventsListener); ok {
		c.group.RegisterForGroupEvents(listener)
	}
	c.group.RegisterForGroupEvents(c)
	c.stateMgr.RegisterForStateChangeEvents(StateChangeListenerFunc(c.stateChanged))
	c.group.RouteMessages(c.handleMessage)
}

// wait blocks until the background syncs are over
func (c *coordinator) wait() {
	c.wg.Wait()
}

func (c *coordinator) spawn(f func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
}

// NodeJoined announces the local active to node and syncs it
func (c *coordinator) NodeJoined(node NodeID) {
	c.logger.Info().Str("peerId", node.String()).Msg("node joined")
	if !c.stateMgr.IsActiveCoordinator() {
		return
	}
	c.spawn(func() {
		if err := c.stateMgr.PublishActiveState(node); err != nil {
			c.logger.Error().Err(err).Str("peerId", node.String()).Msg("fail to publish active state")
			return
		}
		c.syncPassive(node)
	})
}

// NodeLeft releases node and runs an election when it was the active
func (c *coordinator) NodeLeft(node NodeID) {
	c.logger.Info().Str("peerId", node.String()).Msg("node left")
	c.mu.Lock()
	c.syncing.remove(node)
	c.mu.Unlock()

	if c.stateMgr.IsActiveCoordinator() {
		if _, err := c.consistency.RequestTransition(c.ctx, Active, node, RemovePassive); err != nil {
			c.logger.Warn().Err(err).Str("peerId", node.String()).Msg("fail to remove passive")
		}
	}
	c.stateMgr.StartElectionIfNecessary(node)
}

// stateChanged syncs every connected server once the local node is active
func (c *coordinator) stateChanged(event StateChangedEvent) {
	if !event.MovedToActive() {
		return
	}
	c.spawn(func() {
		// ELECTION_WON must reach the passives before the sync begins
		if err := c.stateMgr.WaitForElectionToFinish(c.ctx); err != nil {
			return
		}
		c.stateMgr.CleanupKnownServers()
		for _, node := range c.group.Members() {
			if c.group.IsNodeConnected(node) {
				c.syncPassive(node)
			}
		}
	})
}

// syncPassive admits node as a passive and runs the sync handshake
func (c *coordinator) syncPassive(node NodeID) {
	c.mu.Lock()
	if c.syncing.has(node) {
		c.mu.Unlock()
		return
	}
	c.syncing.add(node)
	c.mu.Unlock()

	granted, err := c.consistency.RequestTransition(c.ctx, c.stateMgr.GetCurrentMode(), node, AddPassive)
	if err != nil || !granted {
		c.logger.Warn().Err(err).Str("peerId", node.String()).Msg("passive not admitted")
		c.stateMgr.zapNode(node, ZapCommunicationError, "unable to add passive")
		return
	}

	for _, kind := range []MessageType{SyncBegin, SyncComplete} {
		response, err := c.group.SendToAndWaitForResponse(node, newSyncMessage(kind, Active))
		if err != nil {
			c.logger.Warn().Err(err).Str("peerId", node.String()).Msgf("fail to send %s", kind)
			c.forget(node)
			return
		}
		if response == nil {
			return
		}
		if response.Type != ResultAgreed {
			c.logger.Warn().
				Str("peerId", node.String()).
				Str("state", response.State.String()).
				Msgf("passive refused %s", kind)
			c.forget(node)
			return
		}
	}
	c.logger.Info().Str("peerId", node.String()).Msg("passive in sync")
}

func (c *coordinator) forget(node NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncing.remove(node)
}

// handleMessage is the router of inbound messages
func (c *coordinator) handleMessage(msg *StateMessage) {
	switch {
	case msg.Type.isSync():
		c.handleSyncMessage(msg)
	case msg.Type == ZapNode:
		c.handleZapRequest(msg)
	default:
		c.stateMgr.HandleClusterStateMessage(msg)
	}
}

// handleSyncMessage runs the passive side of the sync handshake
func (c *coordinator) handleSyncMessage(msg *StateMessage) {
	mode := c.stateMgr.GetCurrentMode()
	var err error
	switch msg.Type {
	case SyncBegin:
		switch {
		case mode == Passive:
		case mode == Uninitialized:
			err = c.stateMgr.MoveToPassiveSyncing(msg.From)
		default:
			err = fmt.Errorf("%w: sync requested while %s", ErrIllegalState, mode)
		}
	case SyncComplete:
		if mode == Syncing || mode == Passive {
			err = c.stateMgr.MoveToPassiveStandbyStateFrom(msg.From)
		} else {
			err = fmt.Errorf("%w: sync completed while %s", ErrIllegalState, mode)
		}
	}

	var response *StateMessage
	if err != nil {
		c.logger.Warn().Err(err).Str("peerId", msg.From.String()).Msgf("refusing %s", msg.Type)
		if errors.Is(err, ErrIllegalStateTransition) {
			c.stateMgr.zapAndResync(err.Error())
		}
		response = newResultConflictMessage(msg, Enrollment{}, c.stateMgr.GetCurrentMode())
	} else {
		response = newResultAgreedMessage(msg, Enrollment{}, c.stateMgr.GetCurrentMode())
	}
	if err := c.group.SendTo(msg.From, response); err != nil {
		c.logger.Error().Err(err).Str("peerId", msg.From.String()).Msgf("fail to answer %s", msg.Type)
	}
}

// handleZapRequest restarts the local node with dirty data.
// An active only obeys split brain notices
func (c *coordinator) handleZapRequest(msg *StateMessage) {
	if c.stateMgr.IsActiveCoordinator() && msg.Reason != ZapSplitBrain {
		c.logger.Warn().
			Str("peerId", msg.From.String()).
			Str("reason", msg.Reason.String()).
			Str("text", msg.Text).
			Msg("ignoring zap request while active")
		return
	}
	c.stateMgr.zapAndResync(fmt.Sprintf("zapped by %s, %s: %s", msg.From, msg.Reason, msg.Text))
}
