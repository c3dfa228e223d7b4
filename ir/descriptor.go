package ir

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// This file builds nodes from the flat NNAPI operation descriptor: a list of input operand indices, where scalar
// parameters (strides, paddings, activation codes, ...) are themselves operands that must hold constant values.
//
// Scalar parameters are folded into the node parameters, and only tensor operands are kept as node inputs.

// NewNode creates the node of the given kind from a flat NNAPI descriptor.
//
// Wrong arities return an error wrapping ErrArity, and missing or invalid scalar parameters return an error wrapping
// ErrParameter.
func NewNode(op OpType, inputs, outputs []OperandIndex, operands *Operands) (node Node, err error) {
	for _, index := range inputs {
		if !operands.Exist(index) {
			return nil, errors.Wrapf(ErrInvalidIndex, "%s input operand %s doesn't exist", op, index)
		}
	}
	for _, index := range outputs {
		if !operands.Exist(index) {
			return nil, errors.Wrapf(ErrInvalidIndex, "%s output operand %s doesn't exist", op, index)
		}
	}
	err = exceptions.TryCatch[error](func() {
		d := descriptor{op: op, inputs: inputs, outputs: outputs, operands: operands}
		node = d.build()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while building %s node", op)
	}
	return node, nil
}

// descriptor holds the flat inputs/outputs while building a node. Its methods throw exceptions on error.
type descriptor struct {
	op              OpType
	inputs, outputs []OperandIndex
	operands        *Operands
}

func (d *descriptor) build() Node {
	switch d.op {
	case OpTypeConv2D:
		return d.conv2D()
	case OpTypeMaxPool2D:
		params := d.pool2D()
		return NewMaxPool2D(d.inputs[0], d.outputs[0], params)
	case OpTypeAvgPool2D:
		params := d.pool2D()
		return NewAvgPool2D(d.inputs[0], d.outputs[0], params)
	case OpTypeConcat:
		return d.concat()
	case OpTypeReshape:
		d.assertArity(1, 2)
		return NewReshape(d.inputs[0], d.outputs[0])
	case OpTypeFullyConnected:
		d.assertArity(1, 4)
		return NewFullyConnected(d.inputs[0], d.inputs[1], d.inputs[2], d.outputs[0], d.activation(3))
	case OpTypeSoftmax:
		d.assertArity(1, 2)
		beta := d.scalarFloat32(1)
		if beta <= 0 {
			panic(errors.Wrapf(ErrParameter, "Softmax beta must be positive, got %g", beta))
		}
		return NewSoftmax(d.inputs[0], d.outputs[0], beta)
	case OpTypeAdd:
		d.assertArity(1, 3)
		return NewAdd(d.inputs[0], d.inputs[1], d.outputs[0], d.activation(2))
	case OpTypeNOP:
		d.assertNumOutputs(0)
		return NewNOP(d.inputs...)
	case OpTypePermute:
		panic(errors.Wrapf(ErrParameter, "Permute nodes are created by the compiler, not from descriptors"))
	default:
		exceptions.Panicf("unknown operation type %s", d.op)
		panic(nil) // lint.
	}
}

func (d *descriptor) assertNumOutputs(numOutputs int) {
	if len(d.outputs) != numOutputs {
		panic(errors.Wrapf(ErrArity, "%s requires %d outputs, got %d", d.op, numOutputs, len(d.outputs)))
	}
}

func (d *descriptor) assertArity(numOutputs int, numInputs ...int) {
	d.assertNumOutputs(numOutputs)
	for _, n := range numInputs {
		if len(d.inputs) == n {
			return
		}
	}
	panic(errors.Wrapf(ErrArity, "%s requires %v inputs, got %d", d.op, numInputs, len(d.inputs)))
}

// scalarBytes returns the constant data of the scalar parameter at input position pos.
func (d *descriptor) scalarBytes(pos int, dt DataType) []byte {
	index := d.inputs[pos]
	operand := d.operands.At(index)
	if operand.TypeInfo().Type != dt {
		panic(errors.Wrapf(ErrParameter, "%s parameter #%d (operand %s) must be a %s, got %s",
			d.op, pos, index, dt, operand.TypeInfo().Type))
	}
	if !operand.IsConstant() || operand.Data() == nil {
		panic(errors.Wrapf(ErrParameter, "%s parameter #%d (operand %s) must have a constant value set before the operation is added",
			d.op, pos, index))
	}
	return operand.Data().Bytes()
}

func (d *descriptor) scalarInt(pos int) int {
	return int(int32(binary.NativeEndian.Uint32(d.scalarBytes(pos, Int32))))
}

func (d *descriptor) scalarFloat32(pos int) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(d.scalarBytes(pos, Float32)))
}

func (d *descriptor) positiveInt(pos int, name string) int {
	value := d.scalarInt(pos)
	if value <= 0 {
		panic(errors.Wrapf(ErrParameter, "%s %s must be positive, got %d", d.op, name, value))
	}
	return value
}

func (d *descriptor) activation(pos int) Activation {
	code := Activation(d.scalarInt(pos))
	if code < ActivationNone || code > ActivationRelu6 {
		panic(errors.Wrapf(ErrParameter, "%s has invalid fused activation code %d", d.op, int(code)))
	}
	return code
}

func (d *descriptor) implicitPadding(pos int) Padding {
	code := PaddingType(d.scalarInt(pos))
	if code != PaddingSame && code != PaddingValid {
		panic(errors.Wrapf(ErrParameter, "%s has invalid padding code %d", d.op, int(code)))
	}
	return Padding{Type: code}
}

func (d *descriptor) explicitPadding(pos int) Padding {
	p := Padding{Type: PaddingExplicit, Left: d.scalarInt(pos), Right: d.scalarInt(pos + 1),
		Top: d.scalarInt(pos + 2), Bottom: d.scalarInt(pos + 3)}
	if p.Left < 0 || p.Right < 0 || p.Top < 0 || p.Bottom < 0 {
		panic(errors.Wrapf(ErrParameter, "%s has negative padding %s", d.op, p))
	}
	return p
}

// conv2D: 3 tensors followed by either (padding code, stride w, stride h, activation) or
// (pad left, pad right, pad top, pad bottom, stride w, stride h, activation).
func (d *descriptor) conv2D() Node {
	d.assertArity(1, 7, 10)
	var params Conv2DParams
	var next int
	if len(d.inputs) == 7 {
		params.Padding = d.implicitPadding(3)
		next = 4
	} else {
		params.Padding = d.explicitPadding(3)
		next = 7
	}
	params.Stride.W = d.positiveInt(next, "stride width")
	params.Stride.H = d.positiveInt(next+1, "stride height")
	params.Activation = d.activation(next + 2)
	return NewConv2D(d.inputs[0], d.inputs[1], d.inputs[2], d.outputs[0], params)
}

// pool2D: 1 tensor followed by either (padding code, stride w, stride h, filter w, filter h, activation) or
// (pad left, pad right, pad top, pad bottom, stride w, stride h, filter w, filter h, activation).
func (d *descriptor) pool2D() Pool2DParams {
	d.assertArity(1, 7, 10)
	var params Pool2DParams
	var next int
	if len(d.inputs) == 7 {
		params.Padding = d.implicitPadding(1)
		next = 2
	} else {
		params.Padding = d.explicitPadding(1)
		next = 5
	}
	params.Stride.W = d.positiveInt(next, "stride width")
	params.Stride.H = d.positiveInt(next+1, "stride height")
	params.Kernel.W = d.positiveInt(next+2, "filter width")
	params.Kernel.H = d.positiveInt(next+3, "filter height")
	params.Activation = d.activation(next + 4)
	return params
}

// concat: N >= 1 tensors followed by the axis.
func (d *descriptor) concat() Node {
	d.assertNumOutputs(1)
	if len(d.inputs) < 2 {
		panic(errors.Wrapf(ErrArity, "Concat requires at least 1 tensor and the axis, got %d inputs", len(d.inputs)))
	}
	numTensors := len(d.inputs) - 1
	axis := d.scalarInt(numTensors)
	rank := d.operands.At(d.outputs[0]).Shape().Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || (rank > 0 && axis >= rank) {
		panic(errors.Wrapf(ErrParameter, "Concat axis %d out of range for output of rank %d", axis, rank))
	}
	return NewConcat(d.inputs[:numTensors], d.outputs[0], axis)
}
