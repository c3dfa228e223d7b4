// Package backend defines the execution targets of compiled graphs, and the machinery shared by all of them.
//
// A Backend executes the operations assigned to it by the lowering pass. For each compiled plan it provides a
// TensorBuilder, which materializes the operands marked on it, and a StageGenerator, which turns each operation into
// an executable Stage reading and writing the tensors installed in the plan's Context.
//
// Backends are looked up through a Resolver, configured with a Config mapping each operation kind to a backend.
package backend

import (
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
)

var (
	// ErrUnresolvable is returned when an operation kind has no backend able to execute it.
	ErrUnresolvable = errors.New("no backend for operation")

	// ErrUnsupported is returned when a backend can't generate a stage for a node.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrBuilderState is returned when the TensorBuilder or Context protocol is not followed: marking after
	// preparing, allocating before preparing, changing frozen bindings, etc.
	ErrBuilderState = errors.New("tensor builder protocol violation")
)

// Backend is one execution target.
type Backend interface {
	// ID uniquely identifies the backend within a Resolver.
	ID() string

	// Layout is the storage layout the backend uses for rank-4 operands.
	Layout() ir.Layout

	// Supports returns whether the backend can execute operations of the given kind.
	Supports(op ir.OpType) bool

	// NewTensorBuilder returns a new TensorBuilder, to be used for one plan.
	NewTensorBuilder() TensorBuilder

	// StageGenerator returns the generator of executable stages for the nodes assigned to this backend.
	StageGenerator() StageGenerator
}

// TensorBuilder materializes the operands of one backend in a plan.
//
// The protocol is: Mark every operand the backend will hold (marking twice is the same as once), then Prepare, then
// Allocate. After Allocate the bindings installed in the Context are immutable.
type TensorBuilder interface {
	// BackendID returns the identifier of the owning backend.
	BackendID() string

	// Mark declares that the operand will be materialized by this backend.
	Mark(index ir.OperandIndex) error

	// Prepare resolves the backend-native descriptors of the marked operands.
	Prepare(operands *ir.Operands) error

	// Allocate commits the storage of the prepared tensors and installs them in ctx.
	Allocate(ctx *Context) error
}

// Stage is one executable step of a plan.
type Stage interface {
	Run() error
}

// StageFunc adapts a function to a Stage.
type StageFunc func() error

// Run implements Stage.
func (f StageFunc) Run() error { return f() }

// Finalizer is implemented by stages holding resources that should be released with the plan.
type Finalizer interface {
	Finalize()
}

// StageGenerator creates the Stage executing a node.
type StageGenerator interface {
	// Generate returns the stage executing node, using the tensors installed in ctx. A nil Stage (with no error)
	// means the node requires no executable step.
	//
	// It returns an error wrapping ErrUnsupported if the node can't be executed by the backend.
	Generate(node ir.Node, ctx *Context) (Stage, error)
}
