package hastate

import (
	"math"
	"math/rand/v2"
	"sync"
)

// WeightGenerator produces one weight of an enrollment
type WeightGenerator interface {
	Weight() int64
}

// WeightGeneratorFunc allows a plain func to be used as a WeightGenerator
type WeightGeneratorFunc func() int64

// Weight calls f()
func (f WeightGeneratorFunc) Weight() int64 {
	return f()
}

// WeightGeneratorFactory builds the weight vectors used by enrollments
type WeightGeneratorFactory interface {
	// GenerateWeightSequence returns one weight per generator, in order
	GenerateWeightSequence() []int64

	// GenerateMaxWeightSequence returns a vector that outranks any generated one
	GenerateMaxWeightSequence() []int64

	// Size is the length of the generated vectors
	Size() int
}

// WeightFactory is the default WeightGeneratorFactory.
// Generators are evaluated in order, the last one must be the term
type WeightFactory struct {
	generators []WeightGenerator
}

// NewWeightGeneratorFactory returns a factory evaluating the provided generators
func NewWeightGeneratorFactory(generators ...WeightGenerator) *WeightFactory {
	return &WeightFactory{generators: generators}
}

// GenerateWeightSequence returns one weight per generator
func (w *WeightFactory) GenerateWeightSequence() []int64 {
	weights := make([]int64, len(w.generators))
	for i, g := range w.generators {
		weights[i] = g.Weight()
	}
	return weights
}

// GenerateMaxWeightSequence returns a vector filled with math.MaxInt64
func (w *WeightFactory) GenerateMaxWeightSequence() []int64 {
	weights := make([]int64, len(w.generators))
	for i := range weights {
		weights[i] = math.MaxInt64
	}
	return weights
}

// Size returns the number of generators
func (w *WeightFactory) Size() int {
	return len(w.generators)
}

// modeWeight favours nodes that held data before restarting
func modeWeight(startMode ServerMode) WeightGenerator {
	return WeightGeneratorFunc(func() int64 {
		switch startMode {
		case Active:
			return 2
		case Passive:
			return 1
		}
		return 0
	})
}

// connectedPeersWeight favours nodes seeing more of the stripe
func connectedPeersWeight(group GroupManager) WeightGenerator {
	return WeightGeneratorFunc(func() int64 {
		var count int64
		for _, member := range group.Members() {
			if group.IsNodeConnected(member) {
				count++
			}
		}
		return count
	})
}

// randomWeight breaks ties between otherwise equal nodes
type randomWeight struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func newRandomWeight(seed uint64) *randomWeight {
	return &randomWeight{rand: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

// Weight returns a non negative random value
func (r *randomWeight) Weight() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Int64()
}

// termWeight reports the consistency term, always the last weight
func termWeight(term func() int64) WeightGenerator {
	return WeightGeneratorFunc(func() int64 {
		return term()
	})
}
