package hastate

import (
	"fmt"
	"slices"
)

// Enrollment is the ballot a node casts during an election
type Enrollment struct {
	// NodeID of the candidate
	NodeID NodeID

	// IsNew is true when the candidate never held any role
	IsNew bool

	// Weights ranks candidates, compared in order
	Weights []int64
}

// newEnrollment builds the ballot of nodeID from freshly generated weights
func newEnrollment(nodeID NodeID, isNew bool, factory WeightGeneratorFactory) Enrollment {
	return Enrollment{
		NodeID:  nodeID,
		IsNew:   isNew,
		Weights: factory.GenerateWeightSequence(),
	}
}

// newTrumpEnrollment builds a ballot that wins over any generated one
func newTrumpEnrollment(nodeID NodeID, factory WeightGeneratorFactory) Enrollment {
	return Enrollment{
		NodeID:  nodeID,
		Weights: factory.GenerateMaxWeightSequence(),
	}
}

// Wins tells if e beats other.
// An old candidate always wins over a new one, then the longest vector wins
// and finally the first differing weight decides.
// Equal enrollments do not win over each other
func (e Enrollment) Wins(other Enrollment) bool {
	if e.IsNew != other.IsNew {
		return !e.IsNew
	}
	if len(e.Weights) != len(other.Weights) {
		return len(e.Weights) > len(other.Weights)
	}
	for i := range e.Weights {
		if e.Weights[i] != other.Weights[i] {
			return e.Weights[i] > other.Weights[i]
		}
	}
	return false
}

// Equal tells if both enrollments carry the same content
func (e Enrollment) Equal(other Enrollment) bool {
	return e.NodeID == other.NodeID && e.IsNew == other.IsNew && slices.Equal(e.Weights, other.Weights)
}

// SameWeights tells if both enrollments carry the same weights
func (e Enrollment) SameWeights(other Enrollment) bool {
	return slices.Equal(e.Weights, other.Weights)
}

// IsZero tells if the enrollment was never filled
func (e Enrollment) IsZero() bool {
	return e.NodeID.IsNull() && !e.IsNew && len(e.Weights) == 0
}

// Term returns the last weight, which is the consistency term
func (e Enrollment) Term() int64 {
	if len(e.Weights) == 0 {
		return 0
	}
	return e.Weights[len(e.Weights)-1]
}

// String return a human readable enrollment
func (e Enrollment) String() string {
	return fmt.Sprintf("Enrollment[id=%s, isNew=%t, weights=%v]", e.NodeID, e.IsNew, e.Weights)
}
