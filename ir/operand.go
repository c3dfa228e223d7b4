package ir

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidIndex is returned when an index doesn't refer to an existing element.
	ErrInvalidIndex = errors.New("invalid index")

	// ErrUsage is returned when an operand is used in a way incompatible with its usage.
	ErrUsage = errors.New("invalid operand usage")
)

// Usage is the role of an operand in the graph.
type Usage int

const (
	UsageNotDefined Usage = iota
	UsageModelInput
	UsageConstant
	UsageOperationOutput
)

// String implements fmt.Stringer.
func (u Usage) String() string {
	switch u {
	case UsageNotDefined:
		return "NotDefined"
	case UsageModelInput:
		return "ModelInput"
	case UsageConstant:
		return "Constant"
	case UsageOperationOutput:
		return "OperationOutput"
	default:
		return fmt.Sprintf("Usage(%d)", int(u))
	}
}

// Data is the constant value of an operand.
type Data interface {
	// Bytes returns the raw contents, in the host byte order and in channel-last order for rank-4 operands.
	Bytes() []byte
}

// CachedData is Data owned by the operand: the given buffer is copied.
type CachedData struct {
	buf []byte
}

// NewCachedData copies buf into a new CachedData.
func NewCachedData(buf []byte) *CachedData { return &CachedData{buf: slices.Clone(buf)} }

// Bytes implements Data.
func (d *CachedData) Bytes() []byte { return d.buf }

// ExternalData references a buffer owned by the caller, which must stay valid (and unchanged) for the lifetime of
// the graph and any plan compiled from it.
type ExternalData struct {
	buf []byte
}

// NewExternalData references buf without copying it.
func NewExternalData(buf []byte) *ExternalData { return &ExternalData{buf: buf} }

// Bytes implements Data.
func (d *ExternalData) Bytes() []byte { return d.buf }

// Operand is one value of the graph.
type Operand struct {
	shape     Shape
	typeInfo  TypeInfo
	usage     Usage
	data      Data
	def, use  IndexList[OperationIndex]
	lowerInfo *OperandLowerInfo
}

// NewOperand creates an operand with usage UsageNotDefined.
func NewOperand(shape Shape, typeInfo TypeInfo) *Operand {
	return &Operand{shape: slices.Clone(shape), typeInfo: typeInfo}
}

// Shape returns the operand dimensions.
func (o *Operand) Shape() Shape { return o.shape }

// TypeInfo returns the operand element type.
func (o *Operand) TypeInfo() TypeInfo { return o.typeInfo }

// Usage returns the role of the operand.
func (o *Operand) Usage() Usage { return o.usage }

// SetUsage sets the role of the operand. Setting the same usage again is a no-op, changing it is an error.
func (o *Operand) SetUsage(usage Usage) error {
	if usage == UsageNotDefined {
		return errors.Wrap(ErrUsage, "cannot reset operand usage to NotDefined")
	}
	if o.usage != UsageNotDefined && o.usage != usage {
		return errors.Wrapf(ErrUsage, "operand already has usage %s, cannot set it to %s", o.usage, usage)
	}
	o.usage = usage
	return nil
}

// IsConstant returns whether the operand holds constant data.
func (o *Operand) IsConstant() bool { return o.usage == UsageConstant }

// IsModelInput returns whether the operand is an input of the model.
func (o *Operand) IsModelInput() bool { return o.usage == UsageModelInput }

// ByteSize returns the number of bytes needed to hold the operand contents.
func (o *Operand) ByteSize() int { return o.shape.NumElements() * o.typeInfo.ElementSize() }

// SetData attaches constant data to the operand, changing its usage to UsageConstant.
func (o *Operand) SetData(data Data) error {
	if len(data.Bytes()) != o.ByteSize() {
		return errors.Wrapf(ErrUsage, "data of %d bytes given to operand of type %s and shape %s, which requires %d bytes",
			len(data.Bytes()), o.typeInfo, o.shape, o.ByteSize())
	}
	if err := o.SetUsage(UsageConstant); err != nil {
		return err
	}
	o.data = data
	return nil
}

// Data returns the constant data, or nil if the operand is not constant.
func (o *Operand) Data() Data { return o.data }

// Def returns the list of operations defining (producing) this operand. It holds 0 or 1 elements.
func (o *Operand) Def() *IndexList[OperationIndex] { return &o.def }

// Use returns the list of operations consuming this operand.
func (o *Operand) Use() *IndexList[OperationIndex] { return &o.use }

// AppendUse records that operation consumes this operand.
func (o *Operand) AppendUse(operation OperationIndex) { o.use.Append(operation) }

// RemoveUse removes operation from the consumers of this operand.
func (o *Operand) RemoveUse(operation OperationIndex) { o.use.Remove(operation) }

// AppendDef records that operation produces this operand. An operand can only have one producer.
func (o *Operand) AppendDef(operation OperationIndex) error {
	if o.def.Len() > 0 && !o.def.Contains(operation) {
		return errors.Wrapf(ErrUsage, "operand already produced by %s, cannot also be produced by %s",
			o.def.At(0), operation)
	}
	o.def.Append(operation)
	return nil
}

// RemoveDef removes operation as the producer of this operand.
func (o *Operand) RemoveDef(operation OperationIndex) { o.def.Remove(operation) }

// LowerInfo returns the information attached by the lowering pass, or nil before lowering.
func (o *Operand) LowerInfo() *OperandLowerInfo { return o.lowerInfo }

// SetLowerInfo attaches the lowering information. It can only be done once.
func (o *Operand) SetLowerInfo(info *OperandLowerInfo) error {
	if o.lowerInfo != nil {
		return errors.New("operand lower info already set")
	}
	o.lowerInfo = info
	return nil
}

// String implements fmt.Stringer.
func (o *Operand) String() string {
	return fmt.Sprintf("%s%s %s def=%s use=%s", o.typeInfo, o.shape, o.usage, o.def.String(), o.use.String())
}
