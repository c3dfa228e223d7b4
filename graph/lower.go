package graph

import (
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Lower assigns a backend to every operation, and derives for every operand its canonical 4-D shape and the layouts
// required by its producers and consumers. It moves the graph from PhaseModel to PhaseLowered.
//
// It performs no structural change: operands whose use layouts are not covered by their def layouts mark where
// InsertPermutations will splice layout conversions.
func (g *Graph) Lower(resolver backend.Resolver) error {
	if err := g.checkPhase("Lower", PhaseModel); err != nil {
		return err
	}
	infos := make([]*ir.OperandLowerInfo, g.operands.Len())
	for index, operand := range g.operands.All() {
		shape4D, ok := ir.AsShape4D(operand.Shape())
		if !ok {
			return errors.Errorf("Graph.Lower: operand %s has shape %s, rank > 4 is not supported", index, operand.Shape())
		}
		infos[index] = ir.NewOperandLowerInfo(shape4D)
	}

	for opIdx, node := range g.operations.All() {
		b, err := resolver.Resolve(node.OpType())
		if err != nil {
			return errors.WithMessagef(err, "Graph.Lower: operation %s %s", opIdx, node)
		}
		layout := b.Layout()
		node.SetLowerInfo(&ir.OperationLowerInfo{Backend: b.ID(), Layout: layout})
		for _, index := range node.Inputs().All() {
			infos[index].UseLayouts.Insert(layout)
		}
		for _, index := range node.Outputs().All() {
			infos[index].DefLayouts.Insert(layout)
		}
		klog.V(2).Infof("lowered %s %s to backend %q (%s)", opIdx, node, b.ID(), layout)
	}

	numConflicts := 0
	for index, operand := range g.operands.All() {
		if err := operand.SetLowerInfo(infos[index]); err != nil {
			return errors.WithMessagef(err, "Graph.Lower: operand %s", index)
		}
		if infos[index].HasLayoutConflict() {
			numConflicts++
		}
	}

	if !g.Verify() {
		return errors.Wrap(ErrCycle, "Graph.Lower: verification after lowering failed")
	}
	g.phase = PhaseLowered
	klog.V(1).Infof("graph lowered: %d operations, %d operands with layout conflicts", g.operations.Len(), numConflicts)
	return nil
}
