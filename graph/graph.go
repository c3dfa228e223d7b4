// Package graph holds the Graph being compiled: the operand and operation sets plus the model inputs and outputs,
// and the passes that advance it through its phases.
//
// A Graph starts in PhaseBuilding, where operands and operations are added. FinishBuilding populates the use/def
// lists, verifies the graph is acyclic and moves it to PhaseModel. Lower assigns a backend and layout to every
// operation and moves it to PhaseLowered, where InsertPermutations may splice layout conversions. Finally Linearize
// produces the execution order and moves the graph to the terminal PhaseLinearized.
//
// Calling a method in the wrong phase returns an error wrapping ErrInvalidPhase.
package graph

import (
	"github.com/gomlx/neurun/ir"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidPhase is returned when a method is called in a phase where it is not legal.
	ErrInvalidPhase = errors.New("operation not allowed in current graph phase")

	// ErrCycle is returned when the graph is found to have a cycle.
	ErrCycle = errors.New("graph has a cycle")
)

// Phase of a Graph. It only moves forward.
type Phase int

const (
	PhaseBuilding Phase = iota
	PhaseModel
	PhaseLowered
	PhaseLinearized
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseBuilding:
		return "BUILDING"
	case PhaseModel:
		return "MODEL"
	case PhaseLowered:
		return "LOWERED"
	case PhaseLinearized:
		return "LINEARIZED"
	default:
		return "UNKNOWN"
	}
}

// Graph composes the operands, the operations and the model inputs and outputs.
// It is not safe for concurrent use: all passes must run to completion before another starts.
type Graph struct {
	phase      Phase
	operands   *ir.Operands
	operations *ir.Operations
	inputs     ir.IndexSet[ir.OperandIndex]
	outputs    ir.IndexSet[ir.OperandIndex]
}

// New creates an empty Graph in PhaseBuilding.
func New() *Graph {
	return &Graph{operands: ir.NewOperands(), operations: ir.NewOperations()}
}

// Phase returns the current phase.
func (g *Graph) Phase() Phase { return g.phase }

// Operands returns the operand set. It must not be structurally modified directly.
func (g *Graph) Operands() *ir.Operands { return g.operands }

// Operations returns the operation set.
func (g *Graph) Operations() *ir.Operations { return g.operations }

// Inputs returns the model inputs, in declaration order.
func (g *Graph) Inputs() *ir.IndexSet[ir.OperandIndex] { return &g.inputs }

// Outputs returns the model outputs, in declaration order.
func (g *Graph) Outputs() *ir.IndexSet[ir.OperandIndex] { return &g.outputs }

// Exist returns whether index refers to an operand of the graph.
func (g *Graph) Exist(index ir.OperandIndex) bool { return g.operands.Exist(index) }

func (g *Graph) checkPhase(method string, allowed ...Phase) error {
	for _, p := range allowed {
		if g.phase == p {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidPhase, "Graph.%s called in phase %s (allowed: %v)", method, g.phase, allowed)
}

// AddOperand creates a new operand of the given shape and type, with usage ir.UsageNotDefined.
func (g *Graph) AddOperand(shape ir.Shape, typeInfo ir.TypeInfo) (ir.OperandIndex, error) {
	if err := g.checkPhase("AddOperand", PhaseBuilding); err != nil {
		return ir.InvalidOperandIndex, err
	}
	if err := typeInfo.Validate(shape); err != nil {
		return ir.InvalidOperandIndex, errors.WithMessage(err, "Graph.AddOperand")
	}
	return g.operands.Append(shape, typeInfo), nil
}

// SetOperandValue attaches constant data to the operand, which becomes ir.UsageConstant.
func (g *Graph) SetOperandValue(index ir.OperandIndex, data ir.Data) error {
	if err := g.checkPhase("SetOperandValue", PhaseBuilding); err != nil {
		return err
	}
	operand, err := g.operands.Get(index)
	if err != nil {
		return err
	}
	if err := operand.SetData(data); err != nil {
		return errors.WithMessagef(err, "Graph.SetOperandValue(%s)", index)
	}
	return nil
}

// AddOperation adds node to the graph and returns its index. All operands referred by the node must exist, and its
// outputs become ir.UsageOperationOutput.
func (g *Graph) AddOperation(node ir.Node) (ir.OperationIndex, error) {
	if err := g.checkPhase("AddOperation", PhaseBuilding); err != nil {
		return ir.InvalidOperationIndex, err
	}
	if err := g.checkNodeOperands(node); err != nil {
		return ir.InvalidOperationIndex, err
	}
	for _, index := range node.Outputs().All() {
		if err := g.operands.At(index).SetUsage(ir.UsageOperationOutput); err != nil {
			return ir.InvalidOperationIndex, errors.WithMessagef(err, "Graph.AddOperation(%s): output %s", node, index)
		}
	}
	return g.operations.Append(node), nil
}

func (g *Graph) checkNodeOperands(node ir.Node) error {
	for _, set := range []*ir.IndexSet[ir.OperandIndex]{node.Inputs(), node.Outputs()} {
		for _, index := range set.All() {
			if !g.operands.Exist(index) {
				return errors.Wrapf(ir.ErrInvalidIndex, "node %s refers to operand %s, which doesn't exist", node, index)
			}
		}
	}
	return nil
}

// AddInput registers the operand as a model input. Constants and operation outputs can't be model inputs.
func (g *Graph) AddInput(index ir.OperandIndex) error {
	if err := g.checkPhase("AddInput", PhaseBuilding); err != nil {
		return err
	}
	operand, err := g.operands.Get(index)
	if err != nil {
		return err
	}
	if err := operand.SetUsage(ir.UsageModelInput); err != nil {
		return errors.WithMessagef(err, "Graph.AddInput(%s)", index)
	}
	g.inputs.Append(index)
	return nil
}

// AddOutput registers the operand as a model output.
func (g *Graph) AddOutput(index ir.OperandIndex) error {
	if err := g.checkPhase("AddOutput", PhaseBuilding); err != nil {
		return err
	}
	if !g.operands.Exist(index) {
		return errors.Wrapf(ir.ErrInvalidIndex, "Graph.AddOutput(%s): operand doesn't exist", index)
	}
	g.outputs.Append(index)
	return nil
}

// FinishBuilding freezes the structure of the graph: it populates the use/def lists of every operand, verifies the
// graph is acyclic and moves it to PhaseModel.
//
// If it fails, the graph is left in PhaseBuilding, but with its use/def lists populated, and it should be discarded.
func (g *Graph) FinishBuilding() error {
	if err := g.checkPhase("FinishBuilding", PhaseBuilding); err != nil {
		return err
	}
	for opIdx, node := range g.operations.All() {
		for _, index := range node.Inputs().All() {
			g.operands.At(index).AppendUse(opIdx)
		}
		for _, index := range node.Outputs().All() {
			if err := g.operands.At(index).AppendDef(opIdx); err != nil {
				return errors.WithMessagef(err, "Graph.FinishBuilding: output %s of %s", index, node)
			}
		}
	}
	for _, index := range g.inputs.All() {
		if g.operands.At(index).Def().Len() > 0 {
			return errors.Wrapf(ir.ErrUsage, "model input %s is also produced by an operation", index)
		}
	}
	if !g.Verify() {
		return errors.Wrap(ErrCycle, "Graph.FinishBuilding")
	}
	g.phase = PhaseModel
	klog.V(1).Infof("graph built: %d operands, %d operations, %d inputs, %d outputs",
		g.operands.Len(), g.operations.Len(), g.inputs.Len(), g.outputs.Len())
	return nil
}

// InsertOperation splices node between the operand prev and its consumer next: node takes prev as its only input
// and produces a new operand (with the same shape and type as prev), which replaces every occurrence of prev in the
// inputs of next.
//
// node must be of a single-input, single-output kind (today only *ir.Permute), given with no inputs or outputs set.
// It returns the index of the new operation. It is legal in PhaseModel and PhaseLowered.
func (g *Graph) InsertOperation(prev ir.OperandIndex, next ir.OperationIndex, node ir.Node) (ir.OperationIndex, error) {
	if err := g.checkPhase("InsertOperation", PhaseModel, PhaseLowered); err != nil {
		return ir.InvalidOperationIndex, err
	}
	prevOperand, err := g.operands.Get(prev)
	if err != nil {
		return ir.InvalidOperationIndex, err
	}
	nextNode, err := g.operations.Get(next)
	if err != nil {
		return ir.InvalidOperationIndex, err
	}
	if !nextNode.Inputs().Contains(prev) {
		return ir.InvalidOperationIndex, errors.Wrapf(ir.ErrUsage,
			"Graph.InsertOperation: operand %s is not an input of %s %s", prev, next, nextNode)
	}
	if _, ok := node.(*ir.Permute); !ok {
		return ir.InvalidOperationIndex, errors.Wrapf(ir.ErrArity,
			"Graph.InsertOperation: only single-input, single-output nodes can be inserted, got %s", node)
	}
	if node.Inputs().Len() != 0 || node.Outputs().Len() != 0 {
		return ir.InvalidOperationIndex, errors.Wrapf(ir.ErrArity,
			"Graph.InsertOperation: inserted node %s must have no inputs/outputs set", node)
	}

	// Mint the new operand and the node: these edits can't fail on freshly created objects.
	newOperand := g.operands.Append(prevOperand.Shape(), prevOperand.TypeInfo())
	must.M(g.operands.At(newOperand).SetUsage(ir.UsageOperationOutput))
	node.Inputs().Append(prev)
	node.Outputs().Append(newOperand)
	newOp := g.operations.Append(node)

	// Rewire next and the use/def edges.
	nextNode.Inputs().Replace(prev, newOperand)
	prevOperand.RemoveUse(next)
	prevOperand.AppendUse(newOp)
	must.M(g.operands.At(newOperand).AppendDef(newOp))
	g.operands.At(newOperand).AppendUse(next)
	klog.V(2).Infof("inserted %s %s between operand %s and %s, new operand %s", newOp, node, prev, next, newOperand)
	return newOp, nil
}
