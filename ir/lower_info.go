package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Layout is the physical order of the dimensions of a rank-4 tensor.
type Layout int

const (
	LayoutUnknown Layout = iota
	// LayoutNHWC is row-major channel-last: batch, height, width, channels.
	LayoutNHWC
	// LayoutNCHW is row-major channel-first: batch, channels, height, width.
	LayoutNCHW
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutNHWC:
		return "NHWC"
	case LayoutNCHW:
		return "NCHW"
	default:
		return "UNKNOWN"
	}
}

// StorageDims returns the dimensions of an operand of logical (channel-last) dims when stored with layout l.
// Only rank-4 operands are affected by the layout.
func (l Layout) StorageDims(dims Shape) Shape {
	if l != LayoutNCHW || dims.Rank() != 4 {
		return slices.Clone(dims)
	}
	return Shape{dims[0], dims[3], dims[1], dims[2]}
}

// LayoutSet is a set of layouts.
type LayoutSet = sets.Set[Layout]

// layoutSetString prints the set in a stable order.
func layoutSetString(s LayoutSet) string {
	var parts []string
	for _, l := range []Layout{LayoutNHWC, LayoutNCHW} {
		if s.Has(l) {
			parts = append(parts, l.String())
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Shape4D is the canonical 4-D shape of an operand, as (N, H, W, C).
type Shape4D struct {
	N, H, W, C int
}

// AsShape4D promotes a shape of rank 0 to 4 to its canonical 4-D shape: trailing dimensions map to channels, width
// and height, in this order.
// It returns false for ranks larger than 4.
func AsShape4D(shape Shape) (Shape4D, bool) {
	switch shape.Rank() {
	case 0:
		return Shape4D{1, 1, 1, 1}, true
	case 1:
		return Shape4D{1, 1, 1, shape[0]}, true
	case 2:
		return Shape4D{1, 1, shape[0], shape[1]}, true
	case 3:
		return Shape4D{1, shape[0], shape[1], shape[2]}, true
	case 4:
		return Shape4D{shape[0], shape[1], shape[2], shape[3]}, true
	default:
		return Shape4D{}, false
	}
}

// String implements fmt.Stringer.
func (s Shape4D) String() string { return fmt.Sprintf("(N=%d,H=%d,W=%d,C=%d)", s.N, s.H, s.W, s.C) }

// OperandLowerInfo is attached to every operand by the lowering pass.
type OperandLowerInfo struct {
	Shape Shape4D

	// DefLayouts are the layouts required by the producers of the operand.
	DefLayouts LayoutSet

	// UseLayouts are the layouts required by the consumers of the operand.
	UseLayouts LayoutSet
}

// NewOperandLowerInfo creates an OperandLowerInfo with empty layout sets.
func NewOperandLowerInfo(shape Shape4D) *OperandLowerInfo {
	return &OperandLowerInfo{Shape: shape, DefLayouts: sets.Make[Layout](), UseLayouts: sets.Make[Layout]()}
}

// HasLayoutConflict returns whether some consumer requires a layout its producer doesn't provide.
func (li *OperandLowerInfo) HasLayoutConflict() bool {
	if len(li.DefLayouts) == 0 {
		return false
	}
	return len(li.UseLayouts.Sub(li.DefLayouts)) > 0
}

// String implements fmt.Stringer.
func (li *OperandLowerInfo) String() string {
	return fmt.Sprintf("%s def=%s use=%s", li.Shape, layoutSetString(li.DefLayouts), layoutSetString(li.UseLayouts))
}

// OperationLowerInfo is attached to every operation by the lowering pass.
type OperationLowerInfo struct {
	// Backend is the identifier of the backend that executes the operation.
	Backend string

	// Layout is the operand layout preferred by the backend.
	Layout Layout
}

// String implements fmt.Stringer.
func (li *OperationLowerInfo) String() string { return fmt.Sprintf("%s/%s", li.Backend, li.Layout) }
