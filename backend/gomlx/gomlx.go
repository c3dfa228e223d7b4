// Package gomlx implements a channel-first (NCHW) backend whose kernels are GoMLX computation graphs, executed by
// the pure Go SimpleGo engine.
//
// Each stage is compiled when it is generated: invalid shapes are reported by Generate, not by the first run.
package gomlx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendID is the identifier of the GoMLX backend.
const BackendID = "gomlx"

// supported operation kinds.
var supported = sets.MakeWith(ir.OpTypeAdd, ir.OpTypeFullyConnected, ir.OpTypeSoftmax, ir.OpTypeConcat,
	ir.OpTypeReshape, ir.OpTypePermute, ir.OpTypeNOP)

// Backend executes operations with GoMLX.
type Backend struct {
	engine backends.Backend
}

var _ backend.Backend = (*Backend)(nil)

// New creates the backend, with its own SimpleGo engine.
func New() (*Backend, error) {
	engine, err := simplego.New("")
	if err != nil {
		return nil, errors.WithMessagef(err, "creating SimpleGo engine for backend %q", BackendID)
	}
	return &Backend{engine: engine}, nil
}

// Finalize releases the engine. Stages generated by the backend can't be used afterward.
func (b *Backend) Finalize() { b.engine.Finalize() }

// ID implements backend.Backend.
func (b *Backend) ID() string { return BackendID }

// Layout implements backend.Backend.
func (b *Backend) Layout() ir.Layout { return ir.LayoutNCHW }

// Supports implements backend.Backend.
func (b *Backend) Supports(op ir.OpType) bool { return supported.Has(op) }

// NewTensorBuilder implements backend.Backend.
func (b *Backend) NewTensorBuilder() backend.TensorBuilder {
	return backend.NewHostTensorBuilder(BackendID, ir.LayoutNCHW)
}

// StageGenerator implements backend.Backend.
func (b *Backend) StageGenerator() backend.StageGenerator { return b }

// Generate implements backend.StageGenerator.
func (b *Backend) Generate(node ir.Node, ctx *backend.Context) (backend.Stage, error) {
	if !b.Supports(node.OpType()) {
		return nil, errors.Wrapf(backend.ErrUnsupported, "backend %q can't execute %s", BackendID, node)
	}
	switch n := node.(type) {
	case *ir.NOP:
		return nil, nil
	case *ir.Permute:
		inputs, outputs, err := ctx.NodeTensors(node, n.InputBackend, n.OutputBackend)
		if err != nil {
			return nil, err
		}
		if len(inputs) != 1 || len(outputs) != 1 {
			return nil, errors.Wrapf(ir.ErrArity, "permute %s must have one input and one output", node)
		}
		return backend.StageFunc(func() error { return backend.CopyTensor(outputs[0], inputs[0]) }), nil
	}

	inputs, outputs, err := ctx.NodeTensors(node, BackendID, BackendID)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.Wrapf(ir.ErrArity, "node %s must have exactly one output", node)
	}
	s, err := newStage(b.engine, node, inputs, outputs[0])
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q: generating stage for %s", BackendID, node)
	}
	klog.V(2).Infof("gomlx: compiled stage for %s", node)
	return s, nil
}

// stage executes one node with a GoMLX graph. It implements backend.Finalizer.
type stage struct {
	node   ir.Node
	exec   *graph.Exec
	inputs []any
	output *backend.Tensor
}

var _ backend.Finalizer = (*stage)(nil)

func newStage(engine backends.Backend, node ir.Node, inputs []*backend.Tensor, output *backend.Tensor) (*stage,
	error) {
	if node.OpType() != ir.OpTypeConcat && node.OpType() != ir.OpTypeReshape {
		for _, t := range append([]*backend.Tensor{output}, inputs...) {
			if t.TypeInfo().Type != ir.TensorFloat32 {
				return nil, errors.Wrapf(backend.ErrUnsupported, "tensor %s is not float32", t)
			}
		}
	}
	for _, t := range append([]*backend.Tensor{output}, inputs...) {
		if t.ByteSize() == 0 {
			return nil, errors.Wrapf(backend.ErrUnsupported, "empty tensor %s", t)
		}
	}

	logicalInputs := make([]ir.Shape, len(inputs))
	for ii, t := range inputs {
		logicalInputs[ii] = t.Shape()
	}
	k := &kernel{node: node, inputs: logicalInputs, output: output.Shape()}
	exec, err := graph.NewExec(engine, k.build)
	if err != nil {
		return nil, err
	}
	s := &stage{node: node, exec: exec, output: output}
	for _, t := range inputs {
		s.inputs = append(s.inputs, t.Value())
	}

	// Compile now, with whatever the inputs currently hold, and check the result shape.
	results, err := s.call()
	if err != nil {
		exec.Finalize()
		return nil, err
	}
	got, want := results[0].Shape().Dimensions, output.StorageShape()
	if err := results[0].FinalizeAll(); err != nil {
		exec.Finalize()
		return nil, err
	}
	if !want.Equal(got) {
		exec.Finalize()
		return nil, errors.Errorf("computed shape %v, but output %s is stored as %s", got, output, want)
	}
	return s, nil
}

// call executes the graph, converting panics into errors.
func (s *stage) call() (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		var execErr error
		results, execErr = s.exec.Exec(s.inputs...)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err == nil && len(results) != 1 {
		err = errors.Errorf("graph returned %d results, wanted 1", len(results))
	}
	return
}

// Run implements backend.Stage.
func (s *stage) Run() error {
	results, err := s.call()
	if err != nil {
		return errors.WithMessagef(err, "gomlx: running %s", s.node)
	}
	result := results[0]
	var dstErr error
	err = result.ConstBytes(func(src []byte) {
		dstErr = s.output.Value().MutableBytes(func(dst []byte) {
			copy(dst, src)
		})
	})
	if err == nil {
		err = dstErr
	}
	if finalizeErr := result.FinalizeAll(); err == nil {
		err = finalizeErr
	}
	return errors.WithMessagef(err, "gomlx: storing result of %s into %s", s.node, s.output)
}

// Finalize implements backend.Finalizer.
func (s *stage) Finalize() { s.exec.Finalize() }
