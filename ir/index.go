// Package ir defines the intermediate representation of a neural network graph compiled by neurun:
//
//   - OperandIndex, OperationIndex and IOIndex: strongly typed handles, so operand and operation identifiers can't
//     be mixed up.
//   - IndexSet and IndexList: ordered collections of handles. The order is meaningful: it encodes the argument
//     position of an operand in an operation.
//   - Operand and Operands: graph values (shape, type, constant data, use/def lists) and their owning set.
//   - Node and Operations: the closed family of operation nodes (Conv2D, MaxPool2D, ..., Permute, NOP) and their
//     owning set.
//   - OperandLowerInfo and OperationLowerInfo: information attached by the lowering pass.
//
// Cross-references are always indices into the owning sets, never pointers.
package ir

import (
	"fmt"
	"math"
	"slices"
)

// Index is the constraint satisfied by all index types.
type Index interface {
	~uint32
}

// OperandIndex identifies an Operand in its Operands set.
type OperandIndex uint32

// OperationIndex identifies a Node in its Operations set.
type OperationIndex uint32

// IOIndex is the position of an operand in the inputs (or outputs) of an operation or of the model.
type IOIndex uint32

const (
	// InvalidOperandIndex is never assigned to an operand.
	InvalidOperandIndex = OperandIndex(math.MaxUint32)

	// InvalidOperationIndex is never assigned to an operation.
	InvalidOperationIndex = OperationIndex(math.MaxUint32)
)

// String implements fmt.Stringer.
func (i OperandIndex) String() string {
	if i == InvalidOperandIndex {
		return "#invalid"
	}
	return fmt.Sprintf("#%d", uint32(i))
}

// String implements fmt.Stringer.
func (i OperationIndex) String() string {
	if i == InvalidOperationIndex {
		return "@invalid"
	}
	return fmt.Sprintf("@%d", uint32(i))
}

// IndexSet is an ordered sequence of indices. Duplicates are allowed (an operation can take the same operand twice)
// and the position of each element is significant.
//
// The zero value is an empty set ready to use.
type IndexSet[T Index] struct {
	list []T
}

// NewIndexSet creates an IndexSet with the given elements, in order.
func NewIndexSet[T Index](elements ...T) IndexSet[T] {
	return IndexSet[T]{list: slices.Clone(elements)}
}

// Len returns the number of elements.
func (s *IndexSet[T]) Len() int { return len(s.list) }

// At returns the element at the given IO position. It panics if out of range.
func (s *IndexSet[T]) At(pos IOIndex) T { return s.list[pos] }

// Contains returns whether index is in the set.
func (s *IndexSet[T]) Contains(index T) bool { return slices.Contains(s.list, index) }

// Append adds index at the end of the set.
func (s *IndexSet[T]) Append(index T) { s.list = append(s.list, index) }

// Replace substitutes every occurrence of from by to, keeping positions. It returns the number of replaced positions.
func (s *IndexSet[T]) Replace(from, to T) int {
	count := 0
	for ii, index := range s.list {
		if index == from {
			s.list[ii] = to
			count++
		}
	}
	return count
}

// List returns a copy of the elements.
func (s *IndexSet[T]) List() []T { return slices.Clone(s.list) }

// All iterates over the (position, index) pairs in order.
func (s *IndexSet[T]) All() func(yield func(IOIndex, T) bool) {
	return func(yield func(IOIndex, T) bool) {
		for ii, index := range s.list {
			if !yield(IOIndex(ii), index) {
				return
			}
		}
	}
}

// String implements fmt.Stringer.
func (s *IndexSet[T]) String() string {
	return fmt.Sprintf("%v", s.list)
}

// IndexList is an IndexSet that also supports removal, and that doesn't hold duplicates.
// It is used for the use/def lists of operands, which are edited during graph surgery.
type IndexList[T Index] struct {
	IndexSet[T]
}

// Append adds index at the end of the list, if it is not there yet.
// It returns false if index was already present.
func (l *IndexList[T]) Append(index T) bool {
	if l.Contains(index) {
		return false
	}
	l.list = append(l.list, index)
	return true
}

// Remove removes index from the list. It returns false if index was not present.
func (l *IndexList[T]) Remove(index T) bool {
	pos := slices.Index(l.list, index)
	if pos < 0 {
		return false
	}
	l.list = slices.Delete(l.list, pos, pos+1)
	return true
}
