package hastate

import "sync"

// ElectionContext holds the parameters of one election attempt.
// It is consumed by the election sink and discarded once
// its winner callback fired
type ElectionContext struct {
	node           NodeID
	isNew          bool
	weightsFactory WeightGeneratorFactory
	currentState   ServerMode
	winnerCallback func(winner NodeID)
	once           sync.Once
}

func newElectionContext(node NodeID, isNew bool, factory WeightGeneratorFactory, currentState ServerMode, callback func(winner NodeID)) *ElectionContext {
	return &ElectionContext{
		node:           node,
		isNew:          isNew,
		weightsFactory: factory,
		currentState:   currentState,
		winnerCallback: callback,
	}
}

// NodeID returns the id of the local candidate
func (e *ElectionContext) NodeID() NodeID {
	return e.node
}

// IsNew tells if the local candidate never held any role
func (e *ElectionContext) IsNew() bool {
	return e.isNew
}

// CurrentState returns the mode of the node when the attempt was created
func (e *ElectionContext) CurrentState() ServerMode {
	return e.currentState
}

// setWinner fires the winner callback. Only the first call has an effect
func (e *ElectionContext) setWinner(winner NodeID) {
	e.once.Do(func() {
		if e.winnerCallback != nil {
			e.winnerCallback(winner)
		}
	})
}
