package backend

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
)

// Tensor is the storage of one operand on one backend: a host tensor whose dimensions follow the backend layout.
//
// Rank-4 operands are stored permuted to the backend layout, all others are stored with their logical (declared)
// dimensions.
type Tensor struct {
	backendID string
	layout    ir.Layout
	shape     ir.Shape
	typeInfo  ir.TypeInfo
	value     *tensors.Tensor
}

// NewTensor allocates the storage of an operand with the given logical shape and type, on the given backend.
func NewTensor(backendID string, layout ir.Layout, shape ir.Shape, typeInfo ir.TypeInfo) *Tensor {
	storage := ir.StorageShape(typeInfo, layout.StorageDims(shape))
	return &Tensor{backendID: backendID, layout: layout, shape: shape, typeInfo: typeInfo,
		value: tensors.FromShape(storage)}
}

// BackendID returns the backend owning the tensor.
func (t *Tensor) BackendID() string { return t.backendID }

// Layout returns the storage layout. It only affects rank-4 tensors.
func (t *Tensor) Layout() ir.Layout { return t.layout }

// Shape returns the logical (channel-last) dimensions of the operand.
func (t *Tensor) Shape() ir.Shape { return t.shape }

// StorageShape returns the dimensions as stored.
func (t *Tensor) StorageShape() ir.Shape { return t.layout.StorageDims(t.shape) }

// TypeInfo returns the element type.
func (t *Tensor) TypeInfo() ir.TypeInfo { return t.typeInfo }

// Value returns the underlying host tensor, shaped as StorageShape.
func (t *Tensor) Value() *tensors.Tensor { return t.value }

// ByteSize returns the number of bytes of the contents.
func (t *Tensor) ByteSize() int { return t.shape.NumElements() * t.typeInfo.ElementSize() }

// Finalize releases the storage. The tensor can't be used afterward.
func (t *Tensor) Finalize() error {
	return errors.WithMessagef(t.value.FinalizeAll(), "finalizing tensor %s", t)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("%s%s@%s/%s", t.typeInfo, t.shape, t.backendID, t.layout)
}

// effectiveLayout is the layout that actually applies to the storage.
func (t *Tensor) effectiveLayout() ir.Layout {
	if t.shape.Rank() != 4 || t.layout == ir.LayoutUnknown {
		return ir.LayoutNHWC
	}
	return t.layout
}

// WriteLogical sets the contents of the tensor from data given in logical (channel-last) order.
func (t *Tensor) WriteLogical(data []byte) error {
	if len(data) != t.ByteSize() {
		return errors.Errorf("writing %d bytes to tensor %s, which holds %d bytes", len(data), t, t.ByteSize())
	}
	if len(data) == 0 {
		return nil
	}
	err := t.value.MutableBytes(func(storage []byte) {
		ConvertLayout(storage, t.effectiveLayout(), data, ir.LayoutNHWC, t.shape, t.typeInfo.ElementSize())
	})
	return errors.WithMessagef(err, "writing tensor %s", t)
}

// ReadLogical copies the contents of the tensor to data, in logical (channel-last) order.
func (t *Tensor) ReadLogical(data []byte) error {
	if len(data) != t.ByteSize() {
		return errors.Errorf("reading tensor %s of %d bytes into a buffer of %d bytes", t, t.ByteSize(), len(data))
	}
	if len(data) == 0 {
		return nil
	}
	err := t.value.ConstBytes(func(storage []byte) {
		ConvertLayout(data, ir.LayoutNHWC, storage, t.effectiveLayout(), t.shape, t.typeInfo.ElementSize())
	})
	return errors.WithMessagef(err, "reading tensor %s", t)
}

// CopyTensor copies the contents of src into dst, converting between their storage layouts.
// Both must hold the same logical shape and data type.
func CopyTensor(dst, src *Tensor) error {
	if !dst.shape.Equal(src.shape) || dst.typeInfo.Type != src.typeInfo.Type {
		return errors.Errorf("cannot copy tensor %s to tensor %s", src, dst)
	}
	if dst.ByteSize() == 0 {
		return nil
	}
	var dstErr error
	srcErr := src.value.ConstBytes(func(srcData []byte) {
		dstErr = dst.value.MutableBytes(func(dstData []byte) {
			ConvertLayout(dstData, dst.effectiveLayout(), srcData, src.effectiveLayout(), src.shape,
				src.typeInfo.ElementSize())
		})
	})
	if srcErr != nil {
		return errors.WithMessagef(srcErr, "copying from tensor %s", src)
	}
	return errors.WithMessagef(dstErr, "copying to tensor %s", dst)
}

// ConvertLayout copies the contents of an operand of logical dims from src, stored with layout from, to dst, stored
// with layout to. Only rank-4 operands are permuted: others are copied as is.
func ConvertLayout(dst []byte, to ir.Layout, src []byte, from ir.Layout, dims ir.Shape, elementSize int) {
	if dims.Rank() != 4 || normalizeLayout(from) == normalizeLayout(to) {
		copy(dst, src)
		return
	}
	n, h, w, c := dims[0], dims[1], dims[2], dims[3]
	// nhwcPos and nchwPos are the element positions of (n, h, w, c) in each layout.
	nhwcPos := func(in, ih, iw, ic int) int { return ((in*h+ih)*w+iw)*c + ic }
	nchwPos := func(in, ih, iw, ic int) int { return ((in*c+ic)*h+ih)*w + iw }
	srcPos, dstPos := nhwcPos, nchwPos
	if normalizeLayout(from) == ir.LayoutNCHW {
		srcPos, dstPos = nchwPos, nhwcPos
	}
	for in := range n {
		for ih := range h {
			for iw := range w {
				for ic := range c {
					s := srcPos(in, ih, iw, ic) * elementSize
					d := dstPos(in, ih, iw, ic) * elementSize
					copy(dst[d:d+elementSize], src[s:s+elementSize])
				}
			}
		}
	}
}

func normalizeLayout(l ir.Layout) ir.Layout {
	if l == ir.LayoutUnknown {
		return ir.LayoutNHWC
	}
	return l
}
