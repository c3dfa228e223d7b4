// Package nnapi is a flat construction and execution surface modeled after the Android Neural Networks API: models
// are built by adding operands and operations referred to by integer indices, scalar parameters are themselves
// operands, and every call returns a ResultCode instead of an error.
//
// The error of the last call of each object is kept, and can be retrieved with Err, for diagnostics.
//
// Usage:
//
//	model := nnapi.NewModel()
//	model.AddOperand(&nnapi.OperandType{Type: nnapi.TypeTensorFloat32, Dimensions: []uint32{1, 4}}) // #0
//	...
//	model.IdentifyInputsAndOutputs([]uint32{0}, []uint32{5})
//	model.Finish()
//	compilation, _ := nnapi.NewCompilation(model, resolver)
//	compilation.Finish()
//	execution, _ := nnapi.NewExecution(compilation)
//	execution.SetInput(0, nil, input)
//	execution.SetOutput(0, nil, output)
//	execution.Compute()
package nnapi

import (
	"slices"

	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/codegen"
	"github.com/gomlx/neurun/execution"
	"github.com/gomlx/neurun/graph"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxSizeOfImmediatelyCopiedValues is the largest constant value copied by SetOperandValue. Larger values are
// referenced, and the caller must keep the buffer unchanged for the life of the model and its compilations.
const MaxSizeOfImmediatelyCopiedValues = 128

// status keeps the last error of an object.
type status struct {
	err error
}

// Err returns the error of the last call, or nil if it succeeded.
func (s *status) Err() error { return s.err }

// result records err as the outcome of the last call, and translates it.
func (s *status) result(err error, fallback ResultCode) ResultCode {
	s.err = err
	if err == nil {
		return NoError
	}
	code := resultCode(err, fallback)
	klog.V(1).Infof("nnapi: %s: %v", code, err)
	return code
}

func operandIndices(indices []uint32) []ir.OperandIndex {
	result := make([]ir.OperandIndex, len(indices))
	for ii, index := range indices {
		result[ii] = ir.OperandIndex(index)
	}
	return result
}

// Model is a network under construction.
type Model struct {
	status
	g          *graph.Graph
	identified bool
}

// NewModel creates an empty model.
func NewModel() *Model { return &Model{g: graph.New()} }

// NumOperands returns the number of operands added. The next operand added gets this index.
func (m *Model) NumOperands() uint32 { return uint32(m.g.Operands().Len()) }

// AddOperand adds an operand to the model. Operands are indexed sequentially from 0, in the order they are added.
func (m *Model) AddOperand(t *OperandType) ResultCode {
	if t == nil {
		return m.result(errors.New("AddOperand: nil operand type"), UnexpectedNull)
	}
	_, err := m.g.AddOperand(t.shape(), t.typeInfo())
	return m.result(err, BadData)
}

// SetOperandValue sets the constant value of an operand. Values larger than MaxSizeOfImmediatelyCopiedValues are
// not copied.
func (m *Model) SetOperandValue(index uint32, buffer []byte) ResultCode {
	if buffer == nil {
		return m.result(errors.Errorf("SetOperandValue(%d): nil buffer", index), UnexpectedNull)
	}
	var data ir.Data
	if len(buffer) <= MaxSizeOfImmediatelyCopiedValues {
		data = ir.NewCachedData(buffer)
	} else {
		data = ir.NewExternalData(buffer)
	}
	return m.result(m.g.SetOperandValue(ir.OperandIndex(index), data), BadData)
}

// AddOperation adds an operation taking the given operands, scalar parameters included, in the order defined for
// its kind. Scalar parameters must have their values set before.
func (m *Model) AddOperation(code OperationCode, inputs, outputs []uint32) ResultCode {
	op, found := operationTypes[code]
	if !found {
		return m.result(errors.Errorf("AddOperation: unsupported operation code %d", code), BadData)
	}
	if m.g.Phase() != graph.PhaseBuilding {
		return m.result(errors.Wrapf(graph.ErrInvalidPhase, "AddOperation: model is finished"), BadState)
	}
	node, err := ir.NewNode(op, operandIndices(inputs), operandIndices(outputs), m.g.Operands())
	if err != nil {
		return m.result(err, BadData)
	}
	_, err = m.g.AddOperation(node)
	return m.result(err, BadData)
}

// IdentifyInputsAndOutputs declares the model inputs and outputs. It can only be called once.
func (m *Model) IdentifyInputsAndOutputs(inputs, outputs []uint32) ResultCode {
	if m.identified {
		return m.result(errors.New("IdentifyInputsAndOutputs called twice"), BadState)
	}
	if code := m.checkInputsAndOutputs(inputs, outputs); code != NoError {
		return code
	}
	for _, index := range inputs {
		if err := m.g.AddInput(ir.OperandIndex(index)); err != nil {
			return m.result(err, BadData)
		}
	}
	for _, index := range outputs {
		if err := m.g.AddOutput(ir.OperandIndex(index)); err != nil {
			return m.result(err, BadData)
		}
	}
	m.identified = true
	return m.result(nil, NoError)
}

// checkInputsAndOutputs validates the operands before any of them is registered, so that a failed
// IdentifyInputsAndOutputs changes nothing.
func (m *Model) checkInputsAndOutputs(inputs, outputs []uint32) ResultCode {
	if m.g.Phase() != graph.PhaseBuilding {
		return m.result(errors.Wrapf(graph.ErrInvalidPhase, "IdentifyInputsAndOutputs: model is finished"), BadState)
	}
	for _, index := range inputs {
		operand, err := m.g.Operands().Get(ir.OperandIndex(index))
		if err != nil {
			return m.result(errors.WithMessagef(err, "model input #%d", index), BadData)
		}
		if usage := operand.Usage(); usage != ir.UsageNotDefined && usage != ir.UsageModelInput {
			return m.result(errors.Wrapf(ir.ErrUsage, "model input #%d already has usage %s", index, usage),
				BadData)
		}
	}
	for _, index := range outputs {
		if !m.g.Exist(ir.OperandIndex(index)) {
			return m.result(errors.Wrapf(ir.ErrInvalidIndex, "model output #%d doesn't exist", index), BadData)
		}
	}
	return NoError
}

// Finish completes the construction of the model, which can't be modified afterward.
func (m *Model) Finish() ResultCode {
	if !m.identified {
		return m.result(errors.New("Finish: inputs and outputs were not identified"), BadState)
	}
	return m.result(m.g.FinishBuilding(), BadData)
}

// Compilation compiles a finished model. It takes ownership of the model graph: the model can't be compiled again.
type Compilation struct {
	status
	model    *Model
	resolver backend.Resolver
	plan     *codegen.Plan
}

// NewCompilation creates the compilation of a finished model with the given backends.
func NewCompilation(model *Model, resolver backend.Resolver) (*Compilation, ResultCode) {
	if model == nil || resolver == nil {
		return nil, UnexpectedNull
	}
	if model.g.Phase() != graph.PhaseModel {
		return nil, model.result(errors.Wrapf(graph.ErrInvalidPhase, "NewCompilation: model is in phase %s",
			model.g.Phase()), BadState)
	}
	return &Compilation{model: model, resolver: resolver}, NoError
}

// Finish compiles the model.
func (c *Compilation) Finish() ResultCode {
	if c.plan != nil {
		return c.result(errors.New("compilation already finished"), BadState)
	}
	plan, err := codegen.NewCompiler(c.resolver).Compile(c.model.g)
	if err != nil {
		return c.result(err, OpFailed)
	}
	c.plan = plan
	return c.result(nil, NoError)
}

// Free releases the compiled plan. Executions of the compilation can't be used afterward.
func (c *Compilation) Free() {
	if err := c.plan.Finalize(); err != nil {
		klog.Warningf("nnapi: Compilation.Free: %+v", err)
	}
}

// Plan returns the compiled plan, or nil if Finish didn't succeed.
func (c *Compilation) Plan() *codegen.Plan { return c.plan }

// Execution is one inference over a compiled model. SetInput and SetOutput bind the buffers, and Compute runs it.
type Execution struct {
	status
	plan            *codegen.Plan
	execution       *execution.Execution
	inputs, outputs [][]byte
}

// NewExecution creates an execution of a finished compilation.
func NewExecution(c *Compilation) (*Execution, ResultCode) {
	if c == nil {
		return nil, UnexpectedNull
	}
	if c.plan == nil {
		return nil, c.result(errors.New("NewExecution: compilation is not finished"), BadState)
	}
	e := execution.New(c.plan)
	return &Execution{plan: c.plan, execution: e, inputs: make([][]byte, e.NumInputs()),
		outputs: make([][]byte, e.NumOutputs())}, NoError
}

// checkType verifies an optional operand type given to SetInput or SetOutput against the model operand.
func checkType(t *OperandType, operand *ir.Operand) error {
	if t == nil {
		return nil
	}
	if ir.DataType(t.Type) != operand.TypeInfo().Type || !t.shape().Equal(operand.Shape()) {
		return errors.Errorf("operand type %v doesn't match %s", *t, operand)
	}
	return nil
}

func (e *Execution) bind(buffers [][]byte, set *ir.IndexSet[ir.OperandIndex], kind string, index int32,
	t *OperandType, buffer []byte) ResultCode {
	if buffer == nil {
		return e.result(errors.Errorf("%s #%d: nil buffer", kind, index), UnexpectedNull)
	}
	if index < 0 || int(index) >= len(buffers) {
		return e.result(errors.Wrapf(ir.ErrInvalidIndex, "%s #%d out of range", kind, index), BadData)
	}
	operand := e.plan.Graph().Operands().At(set.At(ir.IOIndex(index)))
	if err := checkType(t, operand); err != nil {
		return e.result(errors.WithMessagef(err, "%s #%d", kind, index), BadData)
	}
	if len(buffer) != operand.ByteSize() {
		return e.result(errors.Errorf("%s #%d: buffer has %d bytes, operand %s takes %d", kind, index,
			len(buffer), operand, operand.ByteSize()), BadData)
	}
	buffers[index] = buffer
	return e.result(nil, NoError)
}

// SetInput binds the buffer of model input index, in channel-last order. t is optional.
func (e *Execution) SetInput(index int32, t *OperandType, buffer []byte) ResultCode {
	return e.bind(e.inputs, e.plan.Graph().Inputs(), "input", index, t, buffer)
}

// SetOutput binds the buffer receiving model output index, in channel-last order. t is optional.
func (e *Execution) SetOutput(index int32, t *OperandType, buffer []byte) ResultCode {
	return e.bind(e.outputs, e.plan.Graph().Outputs(), "output", index, t, buffer)
}

// Compute runs the inference synchronously. All inputs and outputs must be bound.
func (e *Execution) Compute() ResultCode {
	unbound := func(buffer []byte) bool { return buffer == nil }
	if slices.ContainsFunc(e.inputs, unbound) || slices.ContainsFunc(e.outputs, unbound) {
		return e.result(errors.New("Compute: not all inputs and outputs are bound"), BadState)
	}
	for ii, buffer := range e.inputs {
		if err := e.execution.SetInput(ii, buffer); err != nil {
			return e.result(err, BadData)
		}
	}
	if err := e.execution.Run(); err != nil {
		return e.result(err, OpFailed)
	}
	for ii, buffer := range e.outputs {
		if err := e.execution.CopyOutput(ii, buffer); err != nil {
			return e.result(err, OpFailed)
		}
	}
	return e.result(nil, NoError)
}
