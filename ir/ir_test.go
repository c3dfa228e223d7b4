package ir

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexSet(t *testing.T) {
	set := NewIndexSet[OperandIndex](3, 1, 3)
	require.Equal(t, 3, set.Len())
	assert.Equal(t, OperandIndex(1), set.At(1))
	assert.True(t, set.Contains(3))
	assert.False(t, set.Contains(2))
	assert.Equal(t, 2, set.Replace(3, 7))
	assert.Equal(t, []OperandIndex{7, 1, 7}, set.List())
	assert.Equal(t, "[#7 #1 #7]", set.String())

	var positions []IOIndex
	for pos, index := range set.All() {
		if index == 7 {
			positions = append(positions, pos)
		}
	}
	assert.Equal(t, []IOIndex{0, 2}, positions)

	var list IndexList[OperationIndex]
	assert.True(t, list.Append(2))
	assert.False(t, list.Append(2), "duplicates are not allowed")
	assert.True(t, list.Append(5))
	assert.True(t, list.Remove(2))
	assert.False(t, list.Remove(2))
	assert.Equal(t, []OperationIndex{5}, list.List())

	assert.Equal(t, "#invalid", InvalidOperandIndex.String())
	assert.Equal(t, "@3", OperationIndex(3).String())
}

func TestOperandUsage(t *testing.T) {
	operand := NewOperand(Shape{2, 3}, NewTypeInfo(TensorFloat32))
	assert.Equal(t, UsageNotDefined, operand.Usage())
	assert.Equal(t, 24, operand.ByteSize())
	require.NoError(t, operand.SetUsage(UsageModelInput))
	require.NoError(t, operand.SetUsage(UsageModelInput), "setting the same usage twice is allowed")
	require.ErrorIs(t, operand.SetUsage(UsageOperationOutput), ErrUsage)
	require.ErrorIs(t, operand.SetUsage(UsageNotDefined), ErrUsage)
	require.ErrorIs(t, operand.SetData(NewCachedData(make([]byte, 24))), ErrUsage)
	assert.True(t, operand.IsModelInput())

	constant := NewOperand(Shape{2}, NewTypeInfo(TensorInt32))
	require.ErrorIs(t, constant.SetData(NewCachedData(make([]byte, 4))), ErrUsage, "wrong data size")
	buf := make([]byte, 8)
	require.NoError(t, constant.SetData(NewExternalData(buf)))
	assert.True(t, constant.IsConstant())
	buf[0] = 1
	assert.Equal(t, byte(1), constant.Data().Bytes()[0], "external data is referenced")

	cached := NewCachedData(buf)
	buf[0] = 2
	assert.Equal(t, byte(1), cached.Bytes()[0], "cached data is copied")

	require.NoError(t, constant.AppendDef(3))
	require.NoError(t, constant.AppendDef(3))
	require.ErrorIs(t, constant.AppendDef(4), ErrUsage)
	constant.RemoveDef(3)
	require.NoError(t, constant.AppendDef(4))

	require.NoError(t, constant.SetLowerInfo(NewOperandLowerInfo(Shape4D{1, 1, 1, 2})))
	require.Error(t, constant.SetLowerInfo(NewOperandLowerInfo(Shape4D{1, 1, 1, 2})))
}

func TestOperandSets(t *testing.T) {
	operands := NewOperands()
	a := operands.Append(Shape{1}, NewTypeInfo(TensorFloat32))
	b := operands.Append(nil, NewTypeInfo(Int32))
	assert.Equal(t, OperandIndex(0), a)
	assert.Equal(t, OperandIndex(1), b)
	assert.True(t, operands.Exist(b))
	assert.False(t, operands.Exist(2))
	_, err := operands.Get(2)
	require.ErrorIs(t, err, ErrInvalidIndex)

	operations := NewOperations()
	op := operations.Append(NewSoftmax(a, a, 1))
	assert.Equal(t, OperationIndex(0), op)
	_, err = operations.Get(1)
	require.ErrorIs(t, err, ErrInvalidIndex)
	assert.Equal(t, "Softmax{beta=1}([#0] -> [#0])", operations.At(op).String())
}

func TestShape4D(t *testing.T) {
	for _, tc := range []struct {
		shape Shape
		want  Shape4D
	}{
		{Shape{}, Shape4D{1, 1, 1, 1}},
		{Shape{5}, Shape4D{1, 1, 1, 5}},
		{Shape{4, 5}, Shape4D{1, 1, 4, 5}},
		{Shape{3, 4, 5}, Shape4D{1, 3, 4, 5}},
		{Shape{2, 3, 4, 5}, Shape4D{2, 3, 4, 5}},
	} {
		got, ok := AsShape4D(tc.shape)
		require.True(t, ok)
		assert.Equal(t, tc.want, got, "shape %s", tc.shape)
	}
	_, ok := AsShape4D(Shape{1, 2, 3, 4, 5})
	assert.False(t, ok)

	assert.Equal(t, Shape{2, 5, 3, 4}, LayoutNCHW.StorageDims(Shape{2, 3, 4, 5}))
	assert.Equal(t, Shape{2, 3, 4, 5}, LayoutNHWC.StorageDims(Shape{2, 3, 4, 5}))
	assert.Equal(t, Shape{3, 4}, LayoutNCHW.StorageDims(Shape{3, 4}))

	info := NewOperandLowerInfo(Shape4D{1, 1, 1, 1})
	assert.False(t, info.HasLayoutConflict())
	info.DefLayouts.Insert(LayoutNHWC)
	info.UseLayouts.Insert(LayoutNHWC)
	assert.False(t, info.HasLayoutConflict())
	info.UseLayouts.Insert(LayoutNCHW)
	assert.True(t, info.HasLayoutConflict())
	assert.Equal(t, "(N=1,H=1,W=1,C=1) def={NHWC} use={NHWC,NCHW}", info.String())
}

func TestPadding(t *testing.T) {
	same := Padding{Type: PaddingSame}
	// in=5, stride=2, kernel=3: out=3, total=(3-1)*2+3-5=2.
	got := same.Explicit(5, 5, Stride{H: 2, W: 2}, 3, 3)
	assert.Equal(t, Padding{Type: PaddingExplicit, Left: 1, Right: 1, Top: 1, Bottom: 1}, got)
	assert.Equal(t, 3, OutputSize(5, got.Top, got.Bottom, 2, 3))

	// in=4, stride=1, kernel=2: out=4, total=1, extra padding goes after.
	got = same.Explicit(4, 4, Stride{H: 1, W: 1}, 2, 2)
	assert.Equal(t, Padding{Type: PaddingExplicit, Left: 0, Right: 1, Top: 0, Bottom: 1}, got)
	assert.Equal(t, 4, OutputSize(4, got.Top, got.Bottom, 1, 2))

	valid := Padding{Type: PaddingValid}
	got = valid.Explicit(5, 5, Stride{H: 2, W: 2}, 3, 3)
	assert.Equal(t, Padding{Type: PaddingExplicit}, got)
	assert.Equal(t, 2, OutputSize(5, 0, 0, 2, 3))

	explicit := Padding{Type: PaddingExplicit, Left: 2}
	assert.Equal(t, explicit, explicit.Explicit(5, 5, Stride{H: 1, W: 1}, 3, 3))
	assert.Equal(t, "SAME", same.String())
}

func TestActivation(t *testing.T) {
	low, high, ok := ActivationRelu6.Range()
	require.True(t, ok)
	assert.Equal(t, float32(0), low)
	assert.Equal(t, float32(6), high)
	_, high, _ = ActivationRelu.Range()
	assert.True(t, math.IsInf(float64(high), 1))
	_, _, ok = ActivationNone.Range()
	assert.False(t, ok)
}

// descriptorOperands helps build operands for flat descriptor tests.
type descriptorOperands struct {
	*Operands
}

func (d descriptorOperands) tensor(dims ...int) OperandIndex {
	return d.Append(Shape(dims), NewTypeInfo(TensorFloat32))
}

func (d descriptorOperands) int32(v int32) OperandIndex {
	index := d.Append(nil, NewTypeInfo(Int32))
	buf := make([]byte, 4)
	binary.NativeEndian.PutUint32(buf, uint32(v))
	must.M(d.At(index).SetData(NewCachedData(buf)))
	return index
}

func (d descriptorOperands) float32(v float32) OperandIndex {
	index := d.Append(nil, NewTypeInfo(Float32))
	buf := make([]byte, 4)
	binary.NativeEndian.PutUint32(buf, math.Float32bits(v))
	must.M(d.At(index).SetData(NewCachedData(buf)))
	return index
}

func TestNewNode(t *testing.T) {
	t.Run("Conv2DImplicit", func(t *testing.T) {
		d := descriptorOperands{NewOperands()}
		in, kernel, bias, out := d.tensor(1, 5, 5, 2), d.tensor(4, 3, 3, 2), d.tensor(4), d.tensor(1, 3, 3, 4)
		inputs := []OperandIndex{in, kernel, bias, d.int32(int32(PaddingSame)), d.int32(2), d.int32(1),
			d.int32(int32(ActivationRelu))}
		node, err := NewNode(OpTypeConv2D, inputs, []OperandIndex{out}, d.Operands)
		require.NoError(t, err)
		conv, ok := node.(*Conv2D)
		require.True(t, ok)
		assert.Equal(t, []OperandIndex{in, kernel, bias}, conv.Inputs().List(), "scalar parameters are folded")
		assert.Equal(t, []OperandIndex{out}, conv.Outputs().List())
		assert.Equal(t, PaddingSame, conv.Params.Padding.Type)
		assert.Equal(t, Stride{H: 1, W: 2}, conv.Params.Stride)
		assert.Equal(t, ActivationRelu, conv.Params.Activation)
	})

	t.Run("Conv2DExplicit", func(t *testing.T) {
		d := descriptorOperands{NewOperands()}
		in, kernel, bias, out := d.tensor(1, 5, 5, 2), d.tensor(4, 3, 3, 2), d.tensor(4), d.tensor(1, 5, 5, 4)
		inputs := []OperandIndex{in, kernel, bias, d.int32(1), d.int32(1), d.int32(0), d.int32(2),
			d.int32(1), d.int32(1), d.int32(int32(ActivationNone))}
		node := must.M1(NewNode(OpTypeConv2D, inputs, []OperandIndex{out}, d.Operands))
		conv := node.(*Conv2D)
		assert.Equal(t, Padding{Type: PaddingExplicit, Left: 1, Right: 1, Top: 0, Bottom: 2}, conv.Params.Padding)
	})

	t.Run("Pools", func(t *testing.T) {
		d := descriptorOperands{NewOperands()}
		in, out := d.tensor(1, 4, 4, 3), d.tensor(1, 2, 2, 3)
		inputs := []OperandIndex{in, d.int32(int32(PaddingValid)), d.int32(2), d.int32(2), d.int32(2), d.int32(3),
			d.int32(int32(ActivationNone))}
		node := must.M1(NewNode(OpTypeMaxPool2D, inputs, []OperandIndex{out}, d.Operands))
		pool, ok := node.(*MaxPool2D)
		require.True(t, ok)
		assert.Equal(t, Kernel{H: 3, W: 2}, pool.Params.Kernel)
		assert.Equal(t, []OperandIndex{in}, pool.Inputs().List())

		node = must.M1(NewNode(OpTypeAvgPool2D, inputs, []OperandIndex{out}, d.Operands))
		_, ok = node.(*AvgPool2D)
		require.True(t, ok)

		// Zero stride.
		inputs[2] = d.int32(0)
		_, err := NewNode(OpTypeAvgPool2D, inputs, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrParameter)
	})

	t.Run("Concat", func(t *testing.T) {
		d := descriptorOperands{NewOperands()}
		a, b, out := d.tensor(1, 2), d.tensor(1, 3), d.tensor(1, 5)
		node := must.M1(NewNode(OpTypeConcat, []OperandIndex{a, b, d.int32(-1)}, []OperandIndex{out}, d.Operands))
		concat := node.(*Concat)
		assert.Equal(t, 1, concat.Axis)
		assert.Equal(t, []OperandIndex{a, b}, concat.Inputs().List())

		_, err := NewNode(OpTypeConcat, []OperandIndex{a, b, d.int32(2)}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrParameter)
		_, err = NewNode(OpTypeConcat, []OperandIndex{a}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrArity)
	})

	t.Run("Softmax", func(t *testing.T) {
		d := descriptorOperands{NewOperands()}
		in, out := d.tensor(2, 3), d.tensor(2, 3)
		node := must.M1(NewNode(OpTypeSoftmax, []OperandIndex{in, d.float32(0.5)}, []OperandIndex{out}, d.Operands))
		assert.Equal(t, float32(0.5), node.(*Softmax).Beta)

		_, err := NewNode(OpTypeSoftmax, []OperandIndex{in, d.float32(0)}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrParameter)
		_, err = NewNode(OpTypeSoftmax, []OperandIndex{in, d.int32(1)}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrParameter, "beta must be a float32")
	})

	t.Run("ParametersMustBeConstant", func(t *testing.T) {
		d := descriptorOperands{NewOperands()}
		lhs, rhs, out := d.tensor(2), d.tensor(2), d.tensor(2)
		notSet := d.Append(nil, NewTypeInfo(Int32))
		_, err := NewNode(OpTypeAdd, []OperandIndex{lhs, rhs, notSet}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrParameter)

		node := must.M1(NewNode(OpTypeAdd, []OperandIndex{lhs, rhs, d.int32(int32(ActivationRelu1))},
			[]OperandIndex{out}, d.Operands))
		assert.Equal(t, ActivationRelu1, node.(*Add).Activation)

		_, err = NewNode(OpTypeAdd, []OperandIndex{lhs, rhs, d.int32(7)}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrParameter, "invalid activation code")
	})

	t.Run("Arity", func(t *testing.T) {
		d := descriptorOperands{NewOperands()}
		in, w, b, out := d.tensor(1, 4), d.tensor(2, 4), d.tensor(2), d.tensor(1, 2)
		_, err := NewNode(OpTypeFullyConnected, []OperandIndex{in, w, b}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrArity)
		_, err = NewNode(OpTypeReshape, []OperandIndex{in, d.tensor(2)}, nil, d.Operands)
		require.ErrorIs(t, err, ErrArity)
		_, err = NewNode(OpTypeConv2D, []OperandIndex{in, w, b}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrArity)
		_, err = NewNode(OpTypeNOP, []OperandIndex{in}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrArity)
		_, err = NewNode(OpTypePermute, []OperandIndex{in}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrParameter)
		_, err = NewNode(OpTypeSoftmax, []OperandIndex{in, 100}, []OperandIndex{out}, d.Operands)
		require.ErrorIs(t, err, ErrInvalidIndex)

		node := must.M1(NewNode(OpTypeReshape, []OperandIndex{in, d.tensor(2)}, []OperandIndex{out}, d.Operands))
		assert.Equal(t, []OperandIndex{in}, node.Inputs().List(), "shape tensor is dropped")
		node = must.M1(NewNode(OpTypeNOP, []OperandIndex{in, w}, nil, d.Operands))
		assert.Equal(t, 0, node.Outputs().Len())
	})
}

func TestOpTypeFromName(t *testing.T) {
	op, found := OpTypeFromName("softmax")
	require.True(t, found)
	assert.Equal(t, OpTypeSoftmax, op)
	_, found = OpTypeFromName("Gelu")
	assert.False(t, found)
	assert.Len(t, AllOpTypes(), int(NumOpTypes)-1)
}
