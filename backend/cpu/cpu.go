// Package cpu implements the reference backend: it stores rank-4 operands channel-last (NHWC) and executes every
// kind of operation with pure-Go float32 kernels.
//
// Reshape, Concat and Permute are byte moves and work for any data type.
package cpu

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendID is the identifier of the CPU backend.
const BackendID = "cpu"

// Backend is the CPU backend.
type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

// New creates a CPU backend.
func New() *Backend { return &Backend{} }

// ID implements backend.Backend.
func (b *Backend) ID() string { return BackendID }

// Layout implements backend.Backend.
func (b *Backend) Layout() ir.Layout { return ir.LayoutNHWC }

// Supports implements backend.Backend. All operation kinds are supported.
func (b *Backend) Supports(op ir.OpType) bool { return op.IsValid() }

// NewTensorBuilder implements backend.Backend.
func (b *Backend) NewTensorBuilder() backend.TensorBuilder {
	return backend.NewHostTensorBuilder(BackendID, ir.LayoutNHWC)
}

// StageGenerator implements backend.Backend.
func (b *Backend) StageGenerator() backend.StageGenerator { return b }

// Generate implements backend.StageGenerator.
func (b *Backend) Generate(node ir.Node, ctx *backend.Context) (backend.Stage, error) {
	if _, ok := node.(*ir.NOP); ok {
		return nil, nil
	}
	inputBackend, outputBackend := BackendID, BackendID
	if permute, ok := node.(*ir.Permute); ok {
		inputBackend, outputBackend = permute.InputBackend, permute.OutputBackend
	}
	inputs, outputs, err := ctx.NodeTensors(node, inputBackend, outputBackend)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.Wrapf(ir.ErrArity, "cpu: node %s must have exactly one output", node)
	}
	out := outputs[0]

	var run func()
	err = exceptions.TryCatch[error](func() { run = kernelFor(node, inputs, out) })
	if err != nil {
		return nil, errors.WithMessagef(err, "cpu: generating stage for %s", node)
	}
	klog.V(2).Infof("cpu: generated stage for %s", node)
	return backend.StageFunc(func() error {
		if err := exceptions.TryCatch[error](run); err != nil {
			return errors.WithMessagef(err, "cpu: running %s", node)
		}
		return nil
	}), nil
}

// kernelFor checks the shapes of the node tensors and returns the function executing it.
// It panics (with exceptions.Panicf) for invalid nodes.
func kernelFor(node ir.Node, inputs []*backend.Tensor, out *backend.Tensor) func() {
	switch n := node.(type) {
	case *ir.Permute:
		checkArity(node, inputs, 1)
		if !inputs[0].Shape().Equal(out.Shape()) {
			exceptions.Panicf("permute input %s and output %s shapes differ", inputs[0], out)
		}
		return func() {
			if err := backend.CopyTensor(out, inputs[0]); err != nil {
				panic(err)
			}
		}
	case *ir.Reshape:
		checkArity(node, inputs, 1)
		if inputs[0].ByteSize() != out.ByteSize() {
			exceptions.Panicf("reshape of %s into %s changes the number of elements", inputs[0], out)
		}
		return func() { copyBytes(out, inputs[0]) }
	case *ir.Concat:
		c := newConcat(n.Axis, inputs, out)
		return func() { c.run(inputs, out) }
	}

	checkFloat32(node, out)
	for _, input := range inputs {
		checkFloat32(node, input)
	}
	switch n := node.(type) {
	case *ir.Conv2D:
		checkArity(node, inputs, 3)
		conv := newConv2D(n.Params, inputs[0].Shape(), inputs[1].Shape(), inputs[2].Shape(), out.Shape())
		return floatKernel(inputs, out, func(xs [][]float32, y []float32) { conv.run(xs[0], xs[1], xs[2], y) })
	case *ir.MaxPool2D:
		checkArity(node, inputs, 1)
		pool := newPool2D(n.Params, inputs[0].Shape(), out.Shape())
		return floatKernel(inputs, out, func(xs [][]float32, y []float32) { pool.max(xs[0], y) })
	case *ir.AvgPool2D:
		checkArity(node, inputs, 1)
		pool := newPool2D(n.Params, inputs[0].Shape(), out.Shape())
		return floatKernel(inputs, out, func(xs [][]float32, y []float32) { pool.average(xs[0], y) })
	case *ir.FullyConnected:
		checkArity(node, inputs, 3)
		fc := newFullyConnected(n.Activation, inputs[0].Shape(), inputs[1].Shape(), inputs[2].Shape(), out.Shape())
		return floatKernel(inputs, out, func(xs [][]float32, y []float32) { fc.run(xs[0], xs[1], xs[2], y) })
	case *ir.Softmax:
		checkArity(node, inputs, 1)
		if !inputs[0].Shape().Equal(out.Shape()) || out.Shape().Rank() == 0 {
			exceptions.Panicf("softmax input %s and output %s must have the same non-scalar shape", inputs[0], out)
		}
		beta, depth := n.Beta, out.Shape().Dim(-1)
		return floatKernel(inputs, out, func(xs [][]float32, y []float32) { softmax(xs[0], y, depth, beta) })
	case *ir.Add:
		checkArity(node, inputs, 2)
		add := newBroadcastAdd(n.Activation, inputs[0].Shape(), inputs[1].Shape(), out.Shape())
		return floatKernel(inputs, out, func(xs [][]float32, y []float32) { add.run(xs[0], xs[1], y) })
	default:
		exceptions.Panicf("unknown node type %T", node)
		panic(nil) // lint.
	}
}

func checkArity(node ir.Node, inputs []*backend.Tensor, want int) {
	if len(inputs) != want {
		panic(errors.Wrapf(ir.ErrArity, "%s has %d inputs, wanted %d", node, len(inputs), want))
	}
}

func checkFloat32(node ir.Node, t *backend.Tensor) {
	if t.TypeInfo().Type != ir.TensorFloat32 {
		panic(errors.Wrapf(backend.ErrUnsupported, "%s: tensor %s is not float32", node, t))
	}
}

// floatKernel returns a function that gives fn access to the float32 contents of the inputs and the output.
// Empty tensors are skipped.
func floatKernel(inputs []*backend.Tensor, out *backend.Tensor, fn func(xs [][]float32, y []float32)) func() {
	return func() {
		if out.ByteSize() == 0 {
			return
		}
		for _, input := range inputs {
			if input.ByteSize() == 0 {
				return
			}
		}
		withInputs(inputs, tensors.ConstFlatData[float32], func(xs [][]float32) {
			err := tensors.MutableFlatData(out.Value(), func(y []float32) { fn(xs, y) })
			if err != nil {
				exceptions.Panicf("cpu: accessing output tensor %s: %+v", out, err)
			}
		})
	}
}

// withInputs calls fn with the contents of every input, obtained with access. Each distinct tensor is accessed
// (and locked) once, even if it appears in several positions. Empty inputs are given as nil.
func withInputs[T any](inputs []*backend.Tensor, access func(*tensors.Tensor, func(T)) error, fn func([]T)) {
	contents := make([]T, len(inputs))
	var distinct []*backend.Tensor
	for _, input := range inputs {
		if input.ByteSize() > 0 && !slices.Contains(distinct, input) {
			distinct = append(distinct, input)
		}
	}
	var visit func(ii int)
	visit = func(ii int) {
		if ii == len(distinct) {
			fn(contents)
			return
		}
		t := distinct[ii]
		err := access(t.Value(), func(data T) {
			for jj, input := range inputs {
				if input == t {
					contents[jj] = data
				}
			}
			visit(ii + 1)
		})
		if err != nil {
			exceptions.Panicf("cpu: accessing input tensor %s: %+v", t, err)
		}
	}
	visit(0)
}

// copyBytes copies the storage of src into dst, which must have the same byte size.
func copyBytes(dst, src *backend.Tensor) {
	if dst.ByteSize() == 0 {
		return
	}
	withInputs([]*backend.Tensor{src}, (*tensors.Tensor).ConstBytes, func(srcs [][]byte) {
		err := dst.Value().MutableBytes(func(dstData []byte) {
			copy(dstData, srcs[0])
		})
		if err != nil {
			exceptions.Panicf("cpu: accessing output tensor %s: %+v", dst, err)
		}
	})
}
