// Package execution runs compiled plans: it feeds the model inputs to the backend tensors, steps through the plan's
// sequence, and reads the model outputs back.
//
// Input and output data is always in logical (channel-last) order, whatever the layouts of the backends.
//
// An Execution, and the Plan it runs, must not be used concurrently: all executions of a plan share its tensors.
// Serializing calls is the caller's responsibility.
package execution

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/codegen"
	"github.com/gomlx/neurun/graph"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Execution binds inputs to a Plan, runs it, and retrieves its outputs.
type Execution struct {
	plan *codegen.Plan
}

// New creates an Execution of plan.
func New(plan *codegen.Plan) *Execution {
	return &Execution{plan: plan}
}

// NumInputs returns the number of model inputs.
func (e *Execution) NumInputs() int { return e.plan.Graph().Inputs().Len() }

// NumOutputs returns the number of model outputs.
func (e *Execution) NumOutputs() int { return e.plan.Graph().Outputs().Len() }

func (e *Execution) operand(set *ir.IndexSet[ir.OperandIndex], kind string, ii int) (ir.OperandIndex, *ir.Operand,
	error) {
	if ii < 0 || ii >= set.Len() {
		return 0, nil, errors.Wrapf(ir.ErrInvalidIndex, "model %s #%d out of range, the model has %d", kind, ii,
			set.Len())
	}
	index := set.At(ir.IOIndex(ii))
	return index, e.plan.Graph().Operands().At(index), nil
}

// SetInput sets the contents of model input ii, given in logical order. The data is copied.
func (e *Execution) SetInput(ii int, data []byte) error {
	index, operand, err := e.operand(e.plan.Graph().Inputs(), "input", ii)
	if err != nil {
		return err
	}
	if len(data) != operand.ByteSize() {
		return errors.Errorf("Execution.SetInput(%d): got %d bytes, input %s takes %d", ii, len(data), operand,
			operand.ByteSize())
	}
	handles := e.plan.Context().Tensors(index)
	if len(handles) == 0 {
		klog.V(2).Infof("Execution.SetInput(%d): input %s is not used", ii, index)
	}
	for _, t := range handles {
		if err := t.WriteLogical(data); err != nil {
			return errors.WithMessagef(err, "Execution.SetInput(%d)", ii)
		}
	}
	return nil
}

// SetInputTensor sets the contents of model input ii from a tensor with its logical dimensions and data type.
func (e *Execution) SetInputTensor(ii int, t *tensors.Tensor) error {
	_, operand, err := e.operand(e.plan.Graph().Inputs(), "input", ii)
	if err != nil {
		return err
	}
	if t.DType() != operand.TypeInfo().Type.DType() || !operand.Shape().Equal(t.Shape().Dimensions) {
		return errors.Errorf("Execution.SetInputTensor(%d): tensor %s doesn't match input %s", ii, t.Shape(), operand)
	}
	if operand.ByteSize() == 0 {
		return e.SetInput(ii, nil)
	}
	var setErr error
	err = t.ConstBytes(func(data []byte) {
		setErr = e.SetInput(ii, data)
	})
	if err != nil {
		return errors.WithMessagef(err, "Execution.SetInputTensor(%d)", ii)
	}
	return setErr
}

// Run executes the plan.
func (e *Execution) Run() error {
	if e.plan.Context() == nil {
		return errors.New("Execution.Run: plan was finalized")
	}
	return errors.WithMessage(e.plan.Sequence().Run(), "Execution.Run")
}

// outputTensor returns the backend tensor holding model output ii: the one written by its producer, or for
// outputs with no producer (model inputs), any of its tensors.
func (e *Execution) outputTensor(ii int) (*backend.Tensor, *ir.Operand, error) {
	index, operand, err := e.operand(e.plan.Graph().Outputs(), "output", ii)
	if err != nil {
		return nil, nil, err
	}
	ctx := e.plan.Context()
	if ctx == nil {
		return nil, nil, errors.New("plan was finalized")
	}
	if operand.Def().Len() > 0 {
		producer := e.plan.Graph().Operations().At(operand.Def().At(0))
		_, backendID := graph.OperandBackends(producer)
		t, err := ctx.Get(index, backendID)
		return t, operand, err
	}
	handles := ctx.Tensors(index)
	if len(handles) == 0 {
		return nil, nil, errors.Errorf("model output %s has no producer and is not held by any backend", index)
	}
	return handles[0], operand, nil
}

// Output returns a new tensor, with the logical dimensions of model output ii, holding its contents.
// The caller owns the returned tensor.
func (e *Execution) Output(ii int) (*tensors.Tensor, error) {
	t, operand, err := e.outputTensor(ii)
	if err != nil {
		return nil, errors.WithMessagef(err, "Execution.Output(%d)", ii)
	}
	output := tensors.FromShape(ir.StorageShape(operand.TypeInfo(), slices.Clone(operand.Shape())))
	if t.ByteSize() == 0 {
		return output, nil
	}
	var readErr error
	err = output.MutableBytes(func(data []byte) {
		readErr = t.ReadLogical(data)
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		_ = output.FinalizeAll()
		return nil, errors.WithMessagef(err, "Execution.Output(%d)", ii)
	}
	return output, nil
}

// CopyOutput copies the contents of model output ii, in logical order, into data.
func (e *Execution) CopyOutput(ii int, data []byte) error {
	t, _, err := e.outputTensor(ii)
	if err != nil {
		return errors.WithMessagef(err, "Execution.CopyOutput(%d)", ii)
	}
	return errors.WithMessagef(t.ReadLogical(data), "Execution.CopyOutput(%d)", ii)
}
