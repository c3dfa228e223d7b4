package ir

import (
	"github.com/pkg/errors"
)

// Operations owns all operation nodes of a graph. Indices are assigned sequentially and never reused; iteration
// follows insertion order.
type Operations struct {
	nodes []Node
}

// NewOperations creates an empty operation set.
func NewOperations() *Operations { return &Operations{} }

// Append adds node to the set and returns its index.
func (s *Operations) Append(node Node) OperationIndex {
	s.nodes = append(s.nodes, node)
	return OperationIndex(len(s.nodes) - 1)
}

// Exist returns whether index refers to an operation of the set.
func (s *Operations) Exist(index OperationIndex) bool { return int(index) < len(s.nodes) }

// At returns the node at index. It panics if the index doesn't exist, use Get for a checked version.
func (s *Operations) At(index OperationIndex) Node { return s.nodes[index] }

// Get returns the node at index, or an error wrapping ErrInvalidIndex.
func (s *Operations) Get(index OperationIndex) (Node, error) {
	if !s.Exist(index) {
		return nil, errors.Wrapf(ErrInvalidIndex, "operation %s doesn't exist (%d operations)", index, len(s.nodes))
	}
	return s.nodes[index], nil
}

// Len returns the number of operations.
func (s *Operations) Len() int { return len(s.nodes) }

// All iterates over the operations in insertion order.
func (s *Operations) All() func(yield func(OperationIndex, Node) bool) {
	return func(yield func(OperationIndex, Node) bool) {
		for ii, node := range s.nodes {
			if !yield(OperationIndex(ii), node) {
				return
			}
		}
	}
}
