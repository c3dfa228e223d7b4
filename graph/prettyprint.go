package graph

import (
	"bytes"
	"fmt"
)

// String implements fmt.Stringer, and pretty prints the graph.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph (%s):\n", g.phase)
	w("\tInputs:\t%s\n", g.inputs.String())
	w("\tOutputs:\t%s\n", g.outputs.String())
	w("\tOperands (%d):\n", g.operands.Len())
	for index, operand := range g.operands.All() {
		w("\t\t%s: %s", index, operand)
		if info := operand.LowerInfo(); info != nil {
			w(" %s", info)
			if info.HasLayoutConflict() {
				w(" (layout conflict)")
			}
		}
		w("\n")
	}
	w("\tOperations (%d):\n", g.operations.Len())
	for opIdx, node := range g.operations.All() {
		w("\t\t%s: %s", opIdx, node)
		if info := node.LowerInfo(); info != nil {
			w(" on %s", info)
		}
		w("\n")
	}
	return buf.String()
}

// String implements fmt.Stringer, and pretty prints the operations in execution order.
func (l *Linear) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Linear (%d operations):\n", len(l.order))
	for ii, opIdx := range l.order {
		node := l.graph.operations.At(opIdx)
		fmt.Fprintf(&buf, "\t%3d. %s: %s", ii, opIdx, node)
		if info := node.LowerInfo(); info != nil {
			fmt.Fprintf(&buf, " on %s", info)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
