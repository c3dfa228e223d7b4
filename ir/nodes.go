package ir

import (
	"fmt"
)

// Positions of the inputs of Conv2D and FullyConnected.
const (
	InputData IOIndex = iota
	InputWeights
	InputBias
)

// Conv2DParams are the parameters of a 2D convolution.
type Conv2DParams struct {
	Padding    Padding
	Stride     Stride
	Activation Activation
}

// Conv2D is a 2D convolution over channel-last inputs.
//
// Inputs: data [N, H, W, Cin], kernel [Cout, KH, KW, Cin] and bias [Cout].
// Output: [N, OH, OW, Cout].
type Conv2D struct {
	base
	Params Conv2DParams
}

// NewConv2D creates a Conv2D node.
func NewConv2D(input, kernel, bias, output OperandIndex, params Conv2DParams) *Conv2D {
	return &Conv2D{base: newBase([]OperandIndex{input, kernel, bias}, []OperandIndex{output}), Params: params}
}

func (n *Conv2D) OpType() OpType { return OpTypeConv2D }

func (n *Conv2D) String() string {
	return n.format(n.OpType(), fmt.Sprintf("padding=%s", n.Params.Padding),
		fmt.Sprintf("stride=%dx%d", n.Params.Stride.H, n.Params.Stride.W), n.Params.Activation.String())
}

// Pool2DParams are the parameters of 2D pooling operations.
type Pool2DParams struct {
	Padding    Padding
	Stride     Stride
	Kernel     Kernel
	Activation Activation
}

func (p Pool2DParams) strings() []string {
	return []string{fmt.Sprintf("padding=%s", p.Padding), fmt.Sprintf("stride=%dx%d", p.Stride.H, p.Stride.W),
		fmt.Sprintf("kernel=%dx%d", p.Kernel.H, p.Kernel.W), p.Activation.String()}
}

// MaxPool2D takes the maximum over spatial windows of a channel-last input.
type MaxPool2D struct {
	base
	Params Pool2DParams
}

// NewMaxPool2D creates a MaxPool2D node.
func NewMaxPool2D(input, output OperandIndex, params Pool2DParams) *MaxPool2D {
	return &MaxPool2D{base: newBase([]OperandIndex{input}, []OperandIndex{output}), Params: params}
}

func (n *MaxPool2D) OpType() OpType { return OpTypeMaxPool2D }
func (n *MaxPool2D) String() string { return n.format(n.OpType(), n.Params.strings()...) }

// AvgPool2D averages spatial windows of a channel-last input. Padded positions are not counted.
type AvgPool2D struct {
	base
	Params Pool2DParams
}

// NewAvgPool2D creates an AvgPool2D node.
func NewAvgPool2D(input, output OperandIndex, params Pool2DParams) *AvgPool2D {
	return &AvgPool2D{base: newBase([]OperandIndex{input}, []OperandIndex{output}), Params: params}
}

func (n *AvgPool2D) OpType() OpType { return OpTypeAvgPool2D }
func (n *AvgPool2D) String() string { return n.format(n.OpType(), n.Params.strings()...) }

// Concat concatenates its inputs along Axis. The axis refers to the channel-last (logical) dimensions.
type Concat struct {
	base
	Axis int
}

// NewConcat creates a Concat node.
func NewConcat(inputs []OperandIndex, output OperandIndex, axis int) *Concat {
	return &Concat{base: newBase(inputs, []OperandIndex{output}), Axis: axis}
}

func (n *Concat) OpType() OpType { return OpTypeConcat }
func (n *Concat) String() string { return n.format(n.OpType(), fmt.Sprintf("axis=%d", n.Axis)) }

// Reshape changes the dimensions of its input to those of its output operand.
type Reshape struct {
	base
}

// NewReshape creates a Reshape node.
func NewReshape(input, output OperandIndex) *Reshape {
	return &Reshape{base: newBase([]OperandIndex{input}, []OperandIndex{output})}
}

func (n *Reshape) OpType() OpType { return OpTypeReshape }
func (n *Reshape) String() string { return n.format(n.OpType()) }

// FullyConnected computes activation(input x weights^T + bias).
//
// Inputs: data (any rank, flattened to [batch, inputSize]), weights [units, inputSize] and bias [units].
// Output: [batch, units].
type FullyConnected struct {
	base
	Activation Activation
}

// NewFullyConnected creates a FullyConnected node.
func NewFullyConnected(input, weights, bias, output OperandIndex, activation Activation) *FullyConnected {
	return &FullyConnected{base: newBase([]OperandIndex{input, weights, bias}, []OperandIndex{output}),
		Activation: activation}
}

func (n *FullyConnected) OpType() OpType { return OpTypeFullyConnected }
func (n *FullyConnected) String() string { return n.format(n.OpType(), n.Activation.String()) }

// Softmax computes exp(beta*x) normalized over the last axis.
type Softmax struct {
	base
	Beta float32
}

// NewSoftmax creates a Softmax node.
func NewSoftmax(input, output OperandIndex, beta float32) *Softmax {
	return &Softmax{base: newBase([]OperandIndex{input}, []OperandIndex{output}), Beta: beta}
}

func (n *Softmax) OpType() OpType { return OpTypeSoftmax }
func (n *Softmax) String() string { return n.format(n.OpType(), fmt.Sprintf("beta=%g", n.Beta)) }

// Add sums its two inputs element-wise, broadcasting trailing-aligned dimensions of size 1.
type Add struct {
	base
	Activation Activation
}

// NewAdd creates an Add node.
func NewAdd(lhs, rhs, output OperandIndex, activation Activation) *Add {
	return &Add{base: newBase([]OperandIndex{lhs, rhs}, []OperandIndex{output}), Activation: activation}
}

func (n *Add) OpType() OpType { return OpTypeAdd }
func (n *Add) String() string { return n.format(n.OpType(), n.Activation.String()) }

// PermuteType is the layout conversion performed by a Permute.
type PermuteType int

const (
	PermuteCopy PermuteType = iota
	PermuteNHWCToNCHW
	PermuteNCHWToNHWC
)

// String implements fmt.Stringer.
func (t PermuteType) String() string {
	switch t {
	case PermuteNHWCToNCHW:
		return "NHWC->NCHW"
	case PermuteNCHWToNHWC:
		return "NCHW->NHWC"
	default:
		return "Copy"
	}
}

// PermuteTypeFor returns the conversion needed to go from one layout to another.
func PermuteTypeFor(from, to Layout) PermuteType {
	switch {
	case from == LayoutNHWC && to == LayoutNCHW:
		return PermuteNHWCToNCHW
	case from == LayoutNCHW && to == LayoutNHWC:
		return PermuteNCHWToNHWC
	default:
		return PermuteCopy
	}
}

// Permute moves a tensor from one backend to another, converting its layout.
// It takes exactly one input and produces one output, both set when the node is inserted in a graph.
type Permute struct {
	base
	Type PermuteType

	// InputBackend and OutputBackend are the backends holding the input and output tensors.
	InputBackend, OutputBackend string
}

// NewPermute creates a Permute node with no inputs or outputs, ready to be inserted in a graph.
func NewPermute(permuteType PermuteType, inputBackend, outputBackend string) *Permute {
	return &Permute{Type: permuteType, InputBackend: inputBackend, OutputBackend: outputBackend}
}

func (n *Permute) OpType() OpType { return OpTypePermute }

func (n *Permute) String() string {
	return n.format(n.OpType(), n.Type.String(), fmt.Sprintf("%s->%s", n.InputBackend, n.OutputBackend))
}

// NOP consumes its inputs and does nothing. It produces no outputs and no executable step.
type NOP struct {
	base
}

// NewNOP creates a NOP node.
func NewNOP(inputs ...OperandIndex) *NOP {
	return &NOP{base: newBase(inputs, nil)}
}

func (n *NOP) OpType() OpType { return OpTypeNOP }
func (n *NOP) String() string { return n.format(n.OpType()) }

// Compile-time check that all concrete nodes implement Node.
var (
	_ Node = (*Conv2D)(nil)
	_ Node = (*MaxPool2D)(nil)
	_ Node = (*AvgPool2D)(nil)
	_ Node = (*Concat)(nil)
	_ Node = (*Reshape)(nil)
	_ Node = (*FullyConnected)(nil)
	_ Node = (*Softmax)(nil)
	_ Node = (*Add)(nil)
	_ Node = (*Permute)(nil)
	_ Node = (*NOP)(nil)
)
