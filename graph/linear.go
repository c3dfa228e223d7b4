package graph

import (
	"slices"

	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Linear is the execution order of the operations of a linearized graph. It borrows the nodes from the Graph, which
// must outlive it, and it is immutable.
type Linear struct {
	graph *Graph
	order []ir.OperationIndex
}

// Linearize orders the operations topologically and moves the graph to the terminal PhaseLinearized.
//
// The order is the reverse of the DFS post-order following use-edges forward, with the DFS started from operations
// in insertion order and visiting consumers in use-list order. It is deterministic for a given graph.
func (g *Graph) Linearize() (*Linear, error) {
	if err := g.checkPhase("Linearize", PhaseLowered); err != nil {
		return nil, err
	}
	visited := make([]bool, g.operations.Len())
	postOrder := make([]ir.OperationIndex, 0, g.operations.Len())
	var visit func(opIdx ir.OperationIndex)
	visit = func(opIdx ir.OperationIndex) {
		if visited[opIdx] {
			return
		}
		visited[opIdx] = true
		for _, output := range g.operations.At(opIdx).Outputs().All() {
			for _, consumer := range g.operands.At(output).Use().All() {
				visit(consumer)
			}
		}
		postOrder = append(postOrder, opIdx)
	}
	for opIdx := range g.operations.All() {
		visit(opIdx)
	}
	slices.Reverse(postOrder)
	g.phase = PhaseLinearized
	klog.V(1).Infof("graph linearized: %d operations", len(postOrder))
	return &Linear{graph: g, order: postOrder}, nil
}

// Graph returns the linearized graph.
func (l *Linear) Graph() *Graph { return l.graph }

// Len returns the number of operations.
func (l *Linear) Len() int { return len(l.order) }

// Order returns a copy of the operation indices, in execution order.
func (l *Linear) Order() []ir.OperationIndex { return slices.Clone(l.order) }

// All iterates over the operations in execution order.
func (l *Linear) All() func(yield func(ir.OperationIndex, ir.Node) bool) {
	return func(yield func(ir.OperationIndex, ir.Node) bool) {
		for _, opIdx := range l.order {
			if !yield(opIdx, l.graph.operations.At(opIdx)) {
				return
			}
		}
	}
}

// MarkTensors marks every input and output operand of every operation on the TensorBuilder of the backend holding
// it. Permute inputs are marked on the Permute input backend, and outputs on its output backend.
//
// One TensorBuilder is created per backend touched, and they are returned in the order they were first touched.
func (l *Linear) MarkTensors(resolver backend.Resolver) ([]backend.TensorBuilder, error) {
	var builders []backend.TensorBuilder
	byID := make(map[string]backend.TensorBuilder)
	builderFor := func(id string) (backend.TensorBuilder, error) {
		if tb, found := byID[id]; found {
			return tb, nil
		}
		b, err := resolver.Backend(id)
		if err != nil {
			return nil, err
		}
		tb := b.NewTensorBuilder()
		byID[id] = tb
		builders = append(builders, tb)
		return tb, nil
	}
	mark := func(id string, set *ir.IndexSet[ir.OperandIndex]) error {
		tb, err := builderFor(id)
		if err != nil {
			return err
		}
		for _, index := range set.All() {
			if err := tb.Mark(index); err != nil {
				return err
			}
		}
		return nil
	}

	for opIdx, node := range l.All() {
		inputID, outputID := OperandBackends(node)
		if inputID == "" {
			return nil, errors.Errorf("Linear.MarkTensors: operation %s %s was not lowered", opIdx, node)
		}
		if err := mark(inputID, node.Inputs()); err != nil {
			return nil, errors.WithMessagef(err, "Linear.MarkTensors: inputs of %s %s", opIdx, node)
		}
		if err := mark(outputID, node.Outputs()); err != nil {
			return nil, errors.WithMessagef(err, "Linear.MarkTensors: outputs of %s %s", opIdx, node)
		}
	}
	return builders, nil
}
