package ir

import (
	"fmt"
	"strings"
)

// OpType enumerates the closed set of operation kinds a graph can hold.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeConv2D
	OpTypeMaxPool2D
	OpTypeAvgPool2D
	OpTypeConcat
	OpTypeReshape
	OpTypeFullyConnected
	OpTypeSoftmax
	OpTypeAdd
	OpTypePermute
	OpTypeNOP

	// NumOpTypes is the number of OpType values, including OpTypeInvalid.
	NumOpTypes
)

var opTypeNames = [NumOpTypes]string{
	"Invalid", "Conv2D", "MaxPool2D", "AvgPool2D", "Concat", "Reshape", "FullyConnected", "Softmax", "Add",
	"Permute", "NOP",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op >= NumOpTypes {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// AllOpTypes returns all valid operation kinds, in enum order.
func AllOpTypes() []OpType {
	ops := make([]OpType, 0, NumOpTypes-1)
	for op := OpTypeInvalid + 1; op < NumOpTypes; op++ {
		ops = append(ops, op)
	}
	return ops
}

// OpTypeFromName returns the OpType with the given name (case-insensitive), and whether it was found.
func OpTypeFromName(name string) (OpType, bool) {
	for op := OpTypeInvalid + 1; op < NumOpTypes; op++ {
		if strings.EqualFold(opTypeNames[op], name) {
			return op, true
		}
	}
	return OpTypeInvalid, false
}

// IsValid returns whether op is one of the operation kinds other than OpTypeInvalid.
func (op OpType) IsValid() bool { return op > OpTypeInvalid && op < NumOpTypes }
