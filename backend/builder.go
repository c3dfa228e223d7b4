package backend

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type builderState int

const (
	builderMarking builderState = iota
	builderPrepared
	builderAllocated
)

// tensorPlan is the prepared descriptor of one marked operand.
type tensorPlan struct {
	index    ir.OperandIndex
	shape    ir.Shape
	typeInfo ir.TypeInfo
	constant ir.Data
}

// HostTensorBuilder is a TensorBuilder that stores operands as host tensors in the layout of its backend.
// It is used by all backends in this module.
type HostTensorBuilder struct {
	backendID string
	layout    ir.Layout
	state     builderState
	marked    sets.Set[ir.OperandIndex]
	order     []ir.OperandIndex
	plans     []tensorPlan
}

var _ TensorBuilder = (*HostTensorBuilder)(nil)

// NewHostTensorBuilder creates a builder for the given backend.
func NewHostTensorBuilder(backendID string, layout ir.Layout) *HostTensorBuilder {
	return &HostTensorBuilder{backendID: backendID, layout: layout, marked: sets.Make[ir.OperandIndex]()}
}

// BackendID implements TensorBuilder.
func (b *HostTensorBuilder) BackendID() string { return b.backendID }

// Mark implements TensorBuilder. Marking the same operand more than once has no further effect.
func (b *HostTensorBuilder) Mark(index ir.OperandIndex) error {
	if b.state != builderMarking {
		return errors.Wrapf(ErrBuilderState, "backend %q: operand %s marked after Prepare", b.backendID, index)
	}
	if b.marked.Has(index) {
		return nil
	}
	b.marked.Insert(index)
	b.order = append(b.order, index)
	return nil
}

// Marked returns the marked operands, in the order they were first marked.
func (b *HostTensorBuilder) Marked() []ir.OperandIndex { return b.order }

// Prepare implements TensorBuilder.
func (b *HostTensorBuilder) Prepare(operands *ir.Operands) error {
	if b.state != builderMarking {
		return errors.Wrapf(ErrBuilderState, "backend %q: Prepare called twice", b.backendID)
	}
	b.plans = make([]tensorPlan, 0, len(b.order))
	for _, index := range b.order {
		operand, err := operands.Get(index)
		if err != nil {
			return errors.WithMessagef(err, "backend %q: preparing marked operand", b.backendID)
		}
		plan := tensorPlan{index: index, shape: operand.Shape(), typeInfo: operand.TypeInfo()}
		if operand.IsConstant() {
			plan.constant = operand.Data()
		}
		b.plans = append(b.plans, plan)
	}
	b.state = builderPrepared
	return nil
}

// Allocate implements TensorBuilder: it creates the tensors, fills the constant ones and installs them in ctx.
func (b *HostTensorBuilder) Allocate(ctx *Context) error {
	if b.state != builderPrepared {
		return errors.Wrapf(ErrBuilderState, "backend %q: Allocate called before Prepare, or more than once",
			b.backendID)
	}
	var totalBytes, constantBytes uint64
	for _, plan := range b.plans {
		t := NewTensor(b.backendID, b.layout, plan.shape, plan.typeInfo)
		if plan.constant != nil {
			if err := t.WriteLogical(plan.constant.Bytes()); err != nil {
				_ = t.Finalize()
				return errors.WithMessagef(err, "backend %q: setting constant operand %s", b.backendID, plan.index)
			}
			constantBytes += uint64(t.ByteSize())
		}
		if err := ctx.Set(plan.index, t); err != nil {
			_ = t.Finalize()
			return err
		}
		totalBytes += uint64(t.ByteSize())
	}
	b.state = builderAllocated
	klog.V(1).Infof("backend %q: allocated %d tensors, %s (%s of constants)", b.backendID, len(b.plans),
		humanize.Bytes(totalBytes), humanize.Bytes(constantBytes))
	return nil
}
