package ir

import (
	"github.com/pkg/errors"
)

// Operands owns all operands of a graph. Indices are assigned sequentially and never reused.
type Operands struct {
	operands []*Operand
}

// NewOperands creates an empty operand set.
func NewOperands() *Operands { return &Operands{} }

// Append creates a new operand and returns its index.
func (s *Operands) Append(shape Shape, typeInfo TypeInfo) OperandIndex {
	s.operands = append(s.operands, NewOperand(shape, typeInfo))
	return OperandIndex(len(s.operands) - 1)
}

// Exist returns whether index refers to an operand of the set.
func (s *Operands) Exist(index OperandIndex) bool { return int(index) < len(s.operands) }

// At returns the operand at index. It panics if the index doesn't exist, use Get for a checked version.
func (s *Operands) At(index OperandIndex) *Operand { return s.operands[index] }

// Get returns the operand at index, or an error wrapping ErrInvalidIndex.
func (s *Operands) Get(index OperandIndex) (*Operand, error) {
	if !s.Exist(index) {
		return nil, errors.Wrapf(ErrInvalidIndex, "operand %s doesn't exist (%d operands)", index, len(s.operands))
	}
	return s.operands[index], nil
}

// Len returns the number of operands.
func (s *Operands) Len() int { return len(s.operands) }

// All iterates over the operands in index order.
func (s *Operands) All() func(yield func(OperandIndex, *Operand) bool) {
	return func(yield func(OperandIndex, *Operand) bool) {
		for ii, operand := range s.operands {
			if !yield(OperandIndex(ii), operand) {
				return
			}
		}
	}
}
