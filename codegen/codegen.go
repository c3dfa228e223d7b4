// Package codegen compiles a graph into an executable Plan: the operations in execution order, the tensors of every
// backend bound in a Context, and one Stage per operation.
package codegen

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiler compiles graphs with the backends of a resolver.
type Compiler struct {
	resolver backend.Resolver
}

// NewCompiler creates a Compiler using the given resolver.
func NewCompiler(resolver backend.Resolver) *Compiler {
	return &Compiler{resolver: resolver}
}

// Compile lowers, linearizes and generates the plan of g. The graph may still be in graph.PhaseBuilding, in which
// case building is finished first; otherwise it must be in graph.PhaseModel.
//
// The graph is modified in place (lowering information and permutations), and belongs to the plan afterward.
func (c *Compiler) Compile(g *graph.Graph) (plan *Plan, err error) {
	if g.Phase() == graph.PhaseBuilding {
		if err = g.FinishBuilding(); err != nil {
			return nil, errors.WithMessage(err, "Compile")
		}
	}
	if err = g.Lower(c.resolver); err != nil {
		return nil, errors.WithMessage(err, "Compile")
	}
	numPermutations, err := g.InsertPermutations(c.resolver)
	if err != nil {
		return nil, errors.WithMessage(err, "Compile")
	}
	linear, err := g.Linearize()
	if err != nil {
		return nil, errors.WithMessage(err, "Compile")
	}

	builders, err := linear.MarkTensors(c.resolver)
	if err != nil {
		return nil, errors.WithMessage(err, "Compile")
	}
	for _, tb := range builders {
		if err = tb.Prepare(g.Operands()); err != nil {
			return nil, errors.WithMessagef(err, "Compile: preparing tensors of backend %q", tb.BackendID())
		}
	}

	p := &Plan{graph: g, linear: linear, ctx: backend.NewContext(), numPermutations: numPermutations}
	defer func() {
		if err != nil {
			_ = p.Finalize()
		}
	}()
	for _, tb := range builders {
		if err = tb.Allocate(p.ctx); err != nil {
			return nil, errors.WithMessagef(err, "Compile: allocating tensors of backend %q", tb.BackendID())
		}
	}
	p.ctx.Freeze()

	for opIdx, node := range linear.All() {
		var b backend.Backend
		b, err = c.resolver.Backend(node.LowerInfo().Backend)
		if err != nil {
			return nil, errors.WithMessagef(err, "Compile: operation %s %s", opIdx, node)
		}
		var stage backend.Stage
		stage, err = b.StageGenerator().Generate(node, p.ctx)
		if err != nil {
			return nil, errors.WithMessagef(err, "Compile: operation %s %s", opIdx, node)
		}
		if stage == nil {
			klog.V(2).Infof("Compile: operation %s %s needs no step", opIdx, node)
			continue
		}
		p.sequence.append(Step{Operation: opIdx, Node: node, Backend: b.ID(), Stage: stage})
	}

	if klog.V(1).Enabled() {
		var bytes int
		for _, index := range p.ctx.Indices() {
			for _, t := range p.ctx.Tensors(index) {
				bytes += t.ByteSize()
			}
		}
		klog.Infof("compiled plan: %d operations, %d permutations, %d steps, %d backends, %s of tensors",
			linear.Len(), numPermutations, p.sequence.Len(), len(builders), humanize.Bytes(uint64(bytes)))
	}
	return p, nil
}
