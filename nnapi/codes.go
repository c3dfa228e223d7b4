package nnapi

import (
	"fmt"

	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/graph"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
)

// ResultCode is returned by every call.
type ResultCode int

const (
	NoError ResultCode = iota
	OutOfMemory
	Incomplete
	UnexpectedNull
	BadData
	OpFailed
	BadState
)

var resultCodeNames = []string{"NO_ERROR", "OUT_OF_MEMORY", "INCOMPLETE", "UNEXPECTED_NULL", "BAD_DATA", "OP_FAILED",
	"BAD_STATE"}

// String implements fmt.Stringer.
func (c ResultCode) String() string {
	if c < 0 || int(c) >= len(resultCodeNames) {
		return fmt.Sprintf("ResultCode(%d)", int(c))
	}
	return resultCodeNames[c]
}

// OperandCode is the type of an operand.
type OperandCode int32

const (
	TypeFloat32 OperandCode = iota
	TypeInt32
	TypeUint32
	TypeTensorFloat32
	TypeTensorInt32
	TypeTensorQuant8Asymm
)

// OperationCode is the kind of an operation.
type OperationCode int32

const (
	OpAdd            OperationCode = 0
	OpAveragePool2D  OperationCode = 1
	OpConcatenation  OperationCode = 2
	OpConv2D         OperationCode = 3
	OpFullyConnected OperationCode = 9
	OpMaxPool2D      OperationCode = 17
	OpReshape        OperationCode = 22
	OpSoftmax        OperationCode = 25
)

var operationTypes = map[OperationCode]ir.OpType{
	OpAdd:            ir.OpTypeAdd,
	OpAveragePool2D:  ir.OpTypeAvgPool2D,
	OpConcatenation:  ir.OpTypeConcat,
	OpConv2D:         ir.OpTypeConv2D,
	OpFullyConnected: ir.OpTypeFullyConnected,
	OpMaxPool2D:      ir.OpTypeMaxPool2D,
	OpReshape:        ir.OpTypeReshape,
	OpSoftmax:        ir.OpTypeSoftmax,
}

// Fuse codes of the activation parameter of operations.
const (
	FuseNone  = int32(ir.ActivationNone)
	FuseRelu  = int32(ir.ActivationRelu)
	FuseRelu1 = int32(ir.ActivationRelu1)
	FuseRelu6 = int32(ir.ActivationRelu6)
)

// Padding codes of the implicit padding parameter of convolutions and pools.
const (
	PaddingSame  = int32(ir.PaddingSame)
	PaddingValid = int32(ir.PaddingValid)
)

// OperandType describes an operand. Scalars have no dimensions.
type OperandType struct {
	Type       OperandCode
	Dimensions []uint32
	Scale      float32
	ZeroPoint  int32
}

func (t *OperandType) shape() ir.Shape {
	shape := make(ir.Shape, len(t.Dimensions))
	for ii, dim := range t.Dimensions {
		shape[ii] = int(dim)
	}
	return shape
}

func (t *OperandType) typeInfo() ir.TypeInfo {
	return ir.TypeInfo{Type: ir.DataType(t.Type), Scale: t.Scale, ZeroPoint: t.ZeroPoint}
}

// resultCode translates an error. Errors that don't wrap a known sentinel are reported as fallback.
func resultCode(err error, fallback ResultCode) ResultCode {
	switch {
	case err == nil:
		return NoError
	case errors.Is(err, graph.ErrInvalidPhase), errors.Is(err, backend.ErrBuilderState):
		return BadState
	case errors.Is(err, ir.ErrInvalidIndex), errors.Is(err, ir.ErrUsage), errors.Is(err, ir.ErrArity),
		errors.Is(err, ir.ErrParameter), errors.Is(err, graph.ErrCycle):
		return BadData
	case errors.Is(err, backend.ErrUnresolvable), errors.Is(err, backend.ErrUnsupported):
		return OpFailed
	default:
		return fallback
	}
}
