package ir

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

var (
	// ErrArity is returned when a node is constructed with the wrong number of inputs or outputs.
	ErrArity = errors.New("wrong number of operation inputs/outputs")

	// ErrParameter is returned when an operation parameter is missing or invalid.
	ErrParameter = errors.New("invalid operation parameter")
)

// Node is one operation of the graph. The set of implementations is closed: Conv2D, MaxPool2D, AvgPool2D, Concat,
// Reshape, FullyConnected, Softmax, Add, Permute and NOP. Consumers dispatch with a type switch over them.
type Node interface {
	// OpType returns the kind of the operation.
	OpType() OpType

	// Inputs returns the tensor operands consumed, in argument order. Graph passes may edit it.
	Inputs() *IndexSet[OperandIndex]

	// Outputs returns the operands produced, in order.
	Outputs() *IndexSet[OperandIndex]

	// LowerInfo returns the backend assignment, or nil before lowering.
	LowerInfo() *OperationLowerInfo

	// SetLowerInfo attaches the backend assignment.
	SetLowerInfo(info *OperationLowerInfo)

	fmt.Stringer

	// sealed restricts implementations to this package.
	sealed()
}

// base implements the common parts of all nodes.
type base struct {
	inputs, outputs IndexSet[OperandIndex]
	lowerInfo       *OperationLowerInfo
}

func newBase(inputs []OperandIndex, outputs []OperandIndex) base {
	return base{inputs: NewIndexSet(inputs...), outputs: NewIndexSet(outputs...)}
}

func (b *base) Inputs() *IndexSet[OperandIndex]           { return &b.inputs }
func (b *base) Outputs() *IndexSet[OperandIndex]          { return &b.outputs }
func (b *base) LowerInfo() *OperationLowerInfo            { return b.lowerInfo }
func (b *base) SetLowerInfo(info *OperationLowerInfo)     { b.lowerInfo = info }
func (b *base) sealed()                                   {}
func (b *base) format(op OpType, params ...string) string { return formatNode(op, &b.inputs, &b.outputs, params) }

func formatNode(op OpType, inputs, outputs *IndexSet[OperandIndex], params []string) string {
	var sb strings.Builder
	sb.WriteString(op.String())
	if len(params) > 0 {
		sb.WriteString("{" + strings.Join(params, ", ") + "}")
	}
	fmt.Fprintf(&sb, "(%s -> %s)", inputs, outputs)
	return sb.String()
}

// Activation is the activation function fused to an operation. The values match the NNAPI fuse codes.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationRelu
	ActivationRelu1
	ActivationRelu6
)

// String implements fmt.Stringer.
func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "None"
	case ActivationRelu:
		return "Relu"
	case ActivationRelu1:
		return "Relu1"
	case ActivationRelu6:
		return "Relu6"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// Range returns the clamping interval of the activation. ok is false for ActivationNone.
func (a Activation) Range() (low, high float32, ok bool) {
	switch a {
	case ActivationRelu:
		return 0, math32.Inf(1), true
	case ActivationRelu1:
		return -1, 1, true
	case ActivationRelu6:
		return 0, 6, true
	default:
		return 0, 0, false
	}
}

// PaddingType selects how the spatial padding of convolutions and pools is given.
// The values of PaddingSame and PaddingValid match the NNAPI padding codes.
type PaddingType int

const (
	PaddingExplicit PaddingType = iota
	PaddingSame
	PaddingValid
)

// Padding of the spatial dimensions.
type Padding struct {
	Type                     PaddingType
	Left, Right, Top, Bottom int
}

// Explicit returns the explicit padding for the given geometry. Explicit paddings are returned as is.
//
// SAME padding produces ceil(in/stride) outputs per dimension, with the extra padding at the end (bottom/right).
// VALID padding adds no padding.
func (p Padding) Explicit(inH, inW int, stride Stride, kernelH, kernelW int) Padding {
	switch p.Type {
	case PaddingSame:
		top, bottom := samePadding(inH, stride.H, kernelH)
		left, right := samePadding(inW, stride.W, kernelW)
		return Padding{Type: PaddingExplicit, Left: left, Right: right, Top: top, Bottom: bottom}
	case PaddingValid:
		return Padding{Type: PaddingExplicit}
	default:
		return p
	}
}

func samePadding(in, stride, kernel int) (before, after int) {
	out := (in + stride - 1) / stride
	total := (out-1)*stride + kernel - in
	if total < 0 {
		total = 0
	}
	before = total / 2
	return before, total - before
}

// String implements fmt.Stringer.
func (p Padding) String() string {
	switch p.Type {
	case PaddingSame:
		return "SAME"
	case PaddingValid:
		return "VALID"
	default:
		return fmt.Sprintf("[l=%d r=%d t=%d b=%d]", p.Left, p.Right, p.Top, p.Bottom)
	}
}

// Stride of the spatial dimensions.
type Stride struct {
	H, W int
}

// Kernel size of the spatial dimensions, used by pools.
type Kernel struct {
	H, W int
}

// OutputSize returns the output spatial dimension for an explicit padding.
func OutputSize(in, padBefore, padAfter, stride, kernel int) int {
	return (in+padBefore+padAfter-kernel)/stride + 1
}
