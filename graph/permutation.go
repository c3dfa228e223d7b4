package graph

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OperandBackends returns the backends holding the inputs and the outputs of a lowered node.
// They differ only for Permute nodes, which move tensors between backends.
func OperandBackends(node ir.Node) (inputBackend, outputBackend string) {
	if permute, ok := node.(*ir.Permute); ok {
		return permute.InputBackend, permute.OutputBackend
	}
	info := node.LowerInfo()
	if info == nil {
		return "", ""
	}
	return info.Backend, info.Backend
}

// InsertPermutations splices a Permute node in front of every consumer whose backend differs from the backend
// holding the operand it consumes. Afterward, every other operation only touches tensors of its own backend.
//
// Operands with no producer (model inputs and constants) are materialized by every backend consuming them, so they
// need no conversion. One Permute is inserted per consumer.
//
// It is legal in PhaseLowered, which is kept. It returns the number of inserted Permute nodes.
func (g *Graph) InsertPermutations(resolver backend.Resolver) (int, error) {
	if err := g.checkPhase("InsertPermutations", PhaseLowered); err != nil {
		return 0, err
	}
	permuteBackend, err := resolver.Resolve(ir.OpTypePermute)
	if err != nil {
		return 0, errors.WithMessage(err, "Graph.InsertPermutations")
	}

	count := 0
	numOperands := g.operands.Len() // Operands minted by the insertions don't need to be visited.
	for ii := range numOperands {
		index := ir.OperandIndex(ii)
		operand := g.operands.At(index)
		if operand.Def().Len() == 0 {
			continue
		}
		producer := g.operations.At(operand.Def().At(0))
		_, fromID := OperandBackends(producer)
		from, err := resolver.Backend(fromID)
		if err != nil {
			return count, errors.WithMessagef(err, "Graph.InsertPermutations: producer of operand %s", index)
		}

		changed := false
		for _, consumer := range operand.Use().List() {
			consumerNode := g.operations.At(consumer)
			toID, _ := OperandBackends(consumerNode)
			if toID == fromID {
				continue
			}
			to, err := resolver.Backend(toID)
			if err != nil {
				return count, errors.WithMessagef(err, "Graph.InsertPermutations: consumer %s", consumer)
			}
			permute := ir.NewPermute(ir.PermuteTypeFor(from.Layout(), to.Layout()), fromID, toID)
			newOp, err := g.InsertOperation(index, consumer, permute)
			if err != nil {
				return count, errors.WithMessage(err, "Graph.InsertPermutations")
			}
			permute.SetLowerInfo(&ir.OperationLowerInfo{Backend: permuteBackend.ID(), Layout: permuteBackend.Layout()})

			newOperand := g.operands.At(permute.Outputs().At(0))
			info := ir.NewOperandLowerInfo(operand.LowerInfo().Shape)
			info.DefLayouts.Insert(to.Layout())
			info.UseLayouts.Insert(to.Layout())
			if err := newOperand.SetLowerInfo(info); err != nil {
				return count, errors.WithMessage(err, "Graph.InsertPermutations")
			}
			klog.V(2).Infof("operand %s: inserted %s %s for consumer %s", index, newOp, permute, consumer)
			changed = true
			count++
		}
		if changed {
			operand.LowerInfo().UseLayouts = g.useLayouts(operand, resolver)
		}
	}

	if !g.Verify() {
		return count, errors.Wrap(ErrCycle, "Graph.InsertPermutations: verification after insertion failed")
	}
	if count > 0 {
		klog.V(1).Infof("inserted %d permutations", count)
	}
	return count, nil
}

// useLayouts recomputes the layouts in which the consumers of the operand read it.
func (g *Graph) useLayouts(operand *ir.Operand, resolver backend.Resolver) ir.LayoutSet {
	layouts := sets.Make[ir.Layout]()
	for _, consumer := range operand.Use().All() {
		inputID, _ := OperandBackends(g.operations.At(consumer))
		if b, err := resolver.Backend(inputID); err == nil {
			layouts.Insert(b.Layout())
		}
	}
	return layouts
}
