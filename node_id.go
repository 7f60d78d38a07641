package hastate

import "slices"

// NodeID identifies a server of the stripe
type NodeID string

// NullNodeID is the id used when no node is known
const NullNodeID NodeID = ""

// IsNull tells if the id does not designate any node
func (n NodeID) IsNull() bool {
	return n == NullNodeID
}

// String return the node id or NULL
func (n NodeID) String() string {
	if n.IsNull() {
		return "NULL"
	}
	return string(n)
}

// nodeSet is a set of node ids.
// It is not safe for concurrent use
type nodeSet map[NodeID]struct{}

func (s nodeSet) add(n NodeID) {
	s[n] = struct{}{}
}

func (s nodeSet) remove(n NodeID) {
	delete(s, n)
}

func (s nodeSet) has(n NodeID) bool {
	_, ok := s[n]
	return ok
}

// list returns a sorted copy of the set content
func (s nodeSet) list() []NodeID {
	nodes := make([]NodeID, 0, len(s))
	for n := range s {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	return nodes
}
