package graph

import (
	"github.com/gomlx/neurun/ir"
)

// Verify returns whether the graph is acyclic.
//
// It runs a depth-first traversal from every operation, following the use-edges forward: from an operation to its
// output operands, and from those to the operations consuming them. Reaching an operation still on the recursion
// stack means there is a cycle.
//
// It relies on the use lists, so it is only meaningful once FinishBuilding populated them.
func (g *Graph) Verify() bool {
	numOps := g.operations.Len()
	visited := make([]bool, numOps)
	onStack := make([]bool, numOps)

	var visit func(opIdx ir.OperationIndex) bool
	visit = func(opIdx ir.OperationIndex) bool {
		if onStack[opIdx] {
			return false
		}
		if visited[opIdx] {
			return true
		}
		visited[opIdx] = true
		onStack[opIdx] = true
		for _, output := range g.operations.At(opIdx).Outputs().All() {
			for _, consumer := range g.operands.At(output).Use().All() {
				if !visit(consumer) {
					return false
				}
			}
		}
		onStack[opIdx] = false
		return true
	}

	for opIdx := range g.operations.All() {
		if !visit(opIdx) {
			return false
		}
	}
	return true
}
