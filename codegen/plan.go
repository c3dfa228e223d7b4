package codegen

import (
	"bytes"
	"fmt"

	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/graph"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
)

// Step is one executable stage of a Sequence.
type Step struct {
	Operation ir.OperationIndex
	Node      ir.Node
	Backend   string
	Stage     backend.Stage
}

// Sequence is the ordered list of steps of a plan. Operations that need no step (NOP) are not included.
type Sequence struct {
	steps []Step
}

func (s *Sequence) append(step Step) { s.steps = append(s.steps, step) }

// Len returns the number of steps.
func (s *Sequence) Len() int { return len(s.steps) }

// At returns the step at position ii.
func (s *Sequence) At(ii int) Step { return s.steps[ii] }

// All iterates over the steps in execution order.
func (s *Sequence) All() func(yield func(int, Step) bool) {
	return func(yield func(int, Step) bool) {
		for ii, step := range s.steps {
			if !yield(ii, step) {
				return
			}
		}
	}
}

// Run executes the steps in order, stopping at the first error.
func (s *Sequence) Run() error {
	for ii, step := range s.steps {
		if err := step.Stage.Run(); err != nil {
			return errors.WithMessagef(err, "step #%d (%s %s on %q)", ii, step.Operation, step.Node, step.Backend)
		}
	}
	return nil
}

// Plan is a compiled graph.
//
// A Plan is not safe for concurrent use: its tensors are shared by all its executions.
type Plan struct {
	graph           *graph.Graph
	linear          *graph.Linear
	ctx             *backend.Context
	sequence        Sequence
	numPermutations int
}

// Graph returns the compiled (linearized) graph.
func (p *Plan) Graph() *graph.Graph { return p.graph }

// Linear returns the operations in execution order.
func (p *Plan) Linear() *graph.Linear { return p.linear }

// Context returns the tensors bound to the operands.
func (p *Plan) Context() *backend.Context { return p.ctx }

// Sequence returns the executable steps.
func (p *Plan) Sequence() *Sequence { return &p.sequence }

// NumPermutations returns the number of layout/backend conversions inserted by the compilation.
func (p *Plan) NumPermutations() int { return p.numPermutations }

// Finalize releases the tensors and the resources held by the stages. The plan can't be used afterward.
// It is a no-op on a nil or already finalized plan.
func (p *Plan) Finalize() error {
	if p == nil {
		return nil
	}
	for _, step := range p.sequence.steps {
		if finalizer, ok := step.Stage.(backend.Finalizer); ok {
			finalizer.Finalize()
		}
	}
	p.sequence.steps = nil
	if p.ctx == nil {
		return nil
	}
	err := p.ctx.Finalize()
	p.ctx = nil
	return errors.WithMessage(err, "Plan.Finalize")
}

// String implements fmt.Stringer, and pretty prints the steps and the tensors of the plan.
func (p *Plan) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Plan (%d steps, %d permutations):\n", p.sequence.Len(), p.numPermutations)
	for ii, step := range p.sequence.All() {
		w("\t%3d. [%s] %s: %s\n", ii, step.Backend, step.Operation, step.Node)
	}
	if p.ctx != nil {
		w("\tTensors (%d operands):\n", p.ctx.Len())
		for _, index := range p.ctx.Indices() {
			for _, t := range p.ctx.Tensors(index) {
				w("\t\t%s: %s\n", index, t)
			}
		}
	}
	return buf.String()
}
