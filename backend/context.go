package backend

import (
	"maps"
	"slices"

	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
)

// Context maps operands to the tensors installed for them by the TensorBuilders of a plan.
// An operand may have one tensor per backend holding it.
//
// Once frozen, bindings can no longer change.
type Context struct {
	tensors map[ir.OperandIndex][]*Tensor
	frozen  bool
}

// NewContext creates an empty Context.
func NewContext() *Context {
	return &Context{tensors: make(map[ir.OperandIndex][]*Tensor)}
}

// Set installs the tensor of the operand on the tensor's backend.
func (c *Context) Set(index ir.OperandIndex, t *Tensor) error {
	if c.frozen {
		return errors.Wrapf(ErrBuilderState, "context is frozen, cannot bind operand %s to %s", index, t)
	}
	for _, existing := range c.tensors[index] {
		if existing.BackendID() == t.BackendID() {
			return errors.Wrapf(ErrBuilderState, "operand %s already bound to %s on backend %q", index, existing,
				t.BackendID())
		}
	}
	c.tensors[index] = append(c.tensors[index], t)
	return nil
}

// Get returns the tensor of the operand on the given backend.
func (c *Context) Get(index ir.OperandIndex, backendID string) (*Tensor, error) {
	for _, t := range c.tensors[index] {
		if t.BackendID() == backendID {
			return t, nil
		}
	}
	return nil, errors.Errorf("operand %s has no tensor on backend %q", index, backendID)
}

// Tensors returns all tensors of the operand, in installation order.
func (c *Context) Tensors(index ir.OperandIndex) []*Tensor { return c.tensors[index] }

// Indices returns the operands with at least one tensor, in increasing order.
func (c *Context) Indices() []ir.OperandIndex { return slices.Sorted(maps.Keys(c.tensors)) }

// Len returns the number of operands with at least one tensor.
func (c *Context) Len() int { return len(c.tensors) }

// Freeze makes the bindings immutable.
func (c *Context) Freeze() { c.frozen = true }

// Frozen returns whether Freeze was called.
func (c *Context) Frozen() bool { return c.frozen }

// Finalize releases the storage of all tensors, and returns the first error. The context can't be used afterward.
func (c *Context) Finalize() error {
	var firstErr error
	for _, ts := range c.tensors {
		for _, t := range ts {
			if err := t.Finalize(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.tensors = nil
	return firstErr
}

// NodeTensors returns the tensors of the inputs and outputs of node, looked up on the given backends.
func (c *Context) NodeTensors(node ir.Node, inputBackend, outputBackend string) (inputs, outputs []*Tensor,
	err error) {
	inputs = make([]*Tensor, 0, node.Inputs().Len())
	for _, index := range node.Inputs().All() {
		t, err := c.Get(index, inputBackend)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "input of %s", node)
		}
		inputs = append(inputs, t)
	}
	outputs = make([]*Tensor, 0, node.Outputs().Len())
	for _, index := range node.Outputs().All() {
		t, err := c.Get(index, outputBackend)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "output of %s", node)
		}
		outputs = append(outputs, t)
	}
	return inputs, outputs, nil
}
