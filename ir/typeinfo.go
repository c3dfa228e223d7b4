package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Shape holds the dimensions of an operand. Scalars have rank 0.
type Shape []int

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s) }

// Dim returns the dimension of the given axis. Negative axes are counted from the end.
func (s Shape) Dim(axis int) int {
	if axis < 0 {
		axis += len(s)
	}
	return s[axis]
}

// NumElements returns the product of all dimensions (1 for scalars).
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Equal returns whether both shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool { return slices.Equal(s, other) }

// String implements fmt.Stringer.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for ii, dim := range s {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// DataType enumerates the element kinds of operands.
// The values match the NNAPI operand codes.
type DataType int

const (
	Float32 DataType = iota
	Int32
	Uint32
	TensorFloat32
	TensorInt32
	TensorQuant8Asymm
)

var dataTypeNames = []string{"Float32", "Int32", "Uint32", "TensorFloat32", "TensorInt32", "TensorQuant8Asymm"}

// String implements fmt.Stringer.
func (dt DataType) String() string {
	if dt < 0 || int(dt) >= len(dataTypeNames) {
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
	return dataTypeNames[dt]
}

// IsValid returns whether dt is one of the known data types.
func (dt DataType) IsValid() bool { return dt >= Float32 && dt <= TensorQuant8Asymm }

// IsScalar returns whether dt is a scalar (as opposed to a tensor) data type.
func (dt DataType) IsScalar() bool { return dt == Float32 || dt == Int32 || dt == Uint32 }

// DType returns the GoMLX dtype used to store elements of this type.
func (dt DataType) DType() dtypes.DType {
	switch dt {
	case Float32, TensorFloat32:
		return dtypes.Float32
	case Int32, TensorInt32:
		return dtypes.Int32
	case Uint32:
		return dtypes.Uint32
	case TensorQuant8Asymm:
		return dtypes.Uint8
	default:
		return dtypes.InvalidDType
	}
}

// TypeInfo is the element type of an operand, including quantization parameters.
type TypeInfo struct {
	Type      DataType
	Scale     float32
	ZeroPoint int32
}

// NewTypeInfo returns the TypeInfo of a non-quantized type.
func NewTypeInfo(dt DataType) TypeInfo { return TypeInfo{Type: dt} }

// Validate checks the type is consistent with the given shape.
func (ti TypeInfo) Validate(shape Shape) error {
	if !ti.Type.IsValid() {
		return errors.Errorf("invalid data type %s", ti.Type)
	}
	if ti.Type.IsScalar() && shape.Rank() != 0 {
		return errors.Errorf("scalar data type %s given with shape %s", ti.Type, shape)
	}
	for axis, dim := range shape {
		if dim < 0 {
			return errors.Errorf("negative dimension %d for axis #%d in shape %s", dim, axis, shape)
		}
	}
	if ti.Type == TensorQuant8Asymm {
		if ti.Scale <= 0 {
			return errors.Errorf("quantized type %s requires a positive scale, got %g", ti.Type, ti.Scale)
		}
		if ti.ZeroPoint < 0 || ti.ZeroPoint > 255 {
			return errors.Errorf("quantized type %s requires a zero point in [0, 255], got %d", ti.Type, ti.ZeroPoint)
		}
	}
	return nil
}

// ElementSize returns the number of bytes of one element.
func (ti TypeInfo) ElementSize() int { return ti.Type.DType().Size() }

// String implements fmt.Stringer.
func (ti TypeInfo) String() string {
	if ti.Type == TensorQuant8Asymm {
		return fmt.Sprintf("%s(scale=%g, zero=%d)", ti.Type, ti.Scale, ti.ZeroPoint)
	}
	return ti.Type.String()
}

// StorageShape returns the GoMLX shape used to store an operand of the given shape and type.
func StorageShape(ti TypeInfo, dims Shape) shapes.Shape {
	return shapes.Make(ti.Type.DType(), dims...)
}
