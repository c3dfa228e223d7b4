package gomlx

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/neurun/ir"
)

// kernel builds the graph of one node. Graph inputs and the output are in storage layout (rank-4 tensors are NCHW);
// the computation itself is written over the logical (NHWC) dimensions.
type kernel struct {
	node   ir.Node
	inputs []ir.Shape
	output ir.Shape
}

func (k *kernel) build(inputs []*Node) *Node {
	if len(inputs) != len(k.inputs) {
		exceptions.Panicf("%s: got %d graph inputs, wanted %d", k.node, len(inputs), len(k.inputs))
	}
	logical := make([]*Node, len(inputs))
	for ii, x := range inputs {
		logical[ii] = toLogical(x, k.inputs[ii])
	}

	var y *Node
	switch n := k.node.(type) {
	case *ir.Add:
		y = activation(Add(broadcastTo(logical[0], k.output), broadcastTo(logical[1], k.output)), n.Activation)
	case *ir.FullyConnected:
		y = fullyConnected(logical[0], logical[1], logical[2], n.Activation)
	case *ir.Softmax:
		y = softmax(logical[0], n.Beta)
	case *ir.Concat:
		axis := n.Axis
		if axis < 0 {
			axis += len(k.output)
		}
		y = Concatenate(logical, axis)
	case *ir.Reshape:
		y = logical[0]
	default:
		exceptions.Panicf("node %s not supported by backend %q", k.node, BackendID)
	}
	y = Reshape(y, k.output...)
	return fromLogical(y, k.output)
}

// toLogical converts a rank-4 NCHW graph input to NHWC.
func toLogical(x *Node, shape ir.Shape) *Node {
	if shape.Rank() != 4 {
		return x
	}
	return TransposeAllDims(x, 0, 2, 3, 1)
}

// fromLogical converts a rank-4 NHWC result to NCHW.
func fromLogical(x *Node, shape ir.Shape) *Node {
	if shape.Rank() != 4 {
		return x
	}
	return TransposeAllDims(x, 0, 3, 1, 2)
}

// broadcastTo broadcasts x to dims, aligning dimensions to the right.
func broadcastTo(x *Node, dims ir.Shape) *Node {
	rank := x.Rank()
	if rank > dims.Rank() {
		exceptions.Panicf("can't broadcast %s to %s", x.Shape(), dims)
	}
	if rank < dims.Rank() {
		padded := make([]int, dims.Rank())
		for ii := range padded {
			padded[ii] = 1
		}
		copy(padded[dims.Rank()-rank:], x.Shape().Dimensions)
		x = Reshape(x, padded...)
	}
	if ir.Shape(x.Shape().Dimensions).Equal(dims) {
		return x
	}
	return BroadcastToDims(x, dims...)
}

// activation clamps x to the range of the fused activation.
func activation(x *Node, a ir.Activation) *Node {
	low, high, ok := a.Range()
	if !ok {
		return x
	}
	x = Max(x, ConstAs(x, low))
	if !math.IsInf(float64(high), 1) {
		x = Min(x, ConstAs(x, high))
	}
	return x
}

// fullyConnected flattens x to [batch, inputSize] and computes x * weights^T + bias.
func fullyConnected(x, weights, bias *Node, a ir.Activation) *Node {
	units, inputSize := weights.Shape().Dimensions[0], weights.Shape().Dimensions[1]
	if inputSize == 0 || x.Shape().Size()%inputSize != 0 {
		exceptions.Panicf("fully connected input %s doesn't match weights %s", x.Shape(), weights.Shape())
	}
	batch := x.Shape().Size() / inputSize
	x = Reshape(x, batch, inputSize)
	y := MatMul(x, TransposeAllDims(weights, 1, 0))
	y = Add(y, broadcastTo(bias, ir.Shape{batch, units}))
	return activation(y, a)
}

// softmax normalizes exp(beta*x) over the last axis, subtracting the maximum first.
func softmax(x *Node, beta float32) *Node {
	dims := ir.Shape(x.Shape().Dimensions)
	last := dims.Rank() - 1
	keep := append(ir.Shape(nil), dims...)
	keep[last] = 1
	maxValue := BroadcastToDims(Reshape(ReduceMax(x, last), keep...), dims...)
	e := Exp(Mul(Sub(x, maxValue), ConstAs(x, beta)))
	sum := BroadcastToDims(Reshape(ReduceSum(e, last), keep...), dims...)
	return Div(e, sum)
}
