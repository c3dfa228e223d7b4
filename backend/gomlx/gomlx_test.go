package gomlx

import (
	"testing"

	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/internal/graphtest"
	"github.com/gomlx/neurun/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stageFixture struct {
	t       *testing.T
	backend *Backend
	ctx     *backend.Context
	count   int
}

func newStageFixture(t *testing.T) *stageFixture {
	b, err := New()
	require.NoError(t, err)
	f := &stageFixture{t: t, backend: b, ctx: backend.NewContext()}
	t.Cleanup(func() {
		require.NoError(t, f.ctx.Finalize())
		b.Finalize()
	})
	return f
}

func (f *stageFixture) tensorOn(backendID string, layout ir.Layout, values []float32, dims ...int) ir.OperandIndex {
	index := ir.OperandIndex(f.count)
	f.count++
	t := backend.NewTensor(backendID, layout, ir.Shape(dims), ir.NewTypeInfo(ir.TensorFloat32))
	if values != nil {
		require.NoError(f.t, t.WriteLogical(graphtest.Float32Bytes(values...)))
	}
	require.NoError(f.t, f.ctx.Set(index, t))
	return index
}

func (f *stageFixture) tensor(values []float32, dims ...int) ir.OperandIndex {
	return f.tensorOn(BackendID, ir.LayoutNCHW, values, dims...)
}

func (f *stageFixture) run(node ir.Node) {
	s, err := f.backend.Generate(node, f.ctx)
	require.NoError(f.t, err, "generating %s", node)
	require.NotNil(f.t, s)
	if finalizer, ok := s.(backend.Finalizer); ok {
		f.t.Cleanup(finalizer.Finalize)
	}
	require.NoError(f.t, s.Run(), "running %s", node)
}

func (f *stageFixture) values(index ir.OperandIndex, backendID string) []float32 {
	t := must.M1(f.ctx.Get(index, backendID))
	data := make([]byte, t.ByteSize())
	require.NoError(f.t, t.ReadLogical(data))
	return graphtest.BytesFloat32(data)
}

func TestSupports(t *testing.T) {
	b := must.M1(New())
	defer b.Finalize()
	assert.Equal(t, ir.LayoutNCHW, b.Layout())
	for _, op := range []ir.OpType{ir.OpTypeAdd, ir.OpTypeFullyConnected, ir.OpTypeSoftmax, ir.OpTypeConcat,
		ir.OpTypeReshape, ir.OpTypePermute, ir.OpTypeNOP} {
		assert.True(t, b.Supports(op), op.String())
	}
	for _, op := range []ir.OpType{ir.OpTypeConv2D, ir.OpTypeMaxPool2D, ir.OpTypeAvgPool2D, ir.OpTypeInvalid} {
		assert.False(t, b.Supports(op), op.String())
	}

	ctx := backend.NewContext()
	_, err := b.Generate(ir.NewMaxPool2D(0, 1, ir.Pool2DParams{}), ctx)
	require.ErrorIs(t, err, backend.ErrUnsupported)
}

func TestFullyConnected(t *testing.T) {
	f := newStageFixture(t)
	x := f.tensor([]float32{1, 2, 3, 4}, 2, 2)
	w := f.tensor([]float32{1, 1, 1, -1}, 2, 2)
	b := f.tensor([]float32{0, 0.5}, 2)
	y := f.tensor(nil, 2, 2)
	f.run(ir.NewFullyConnected(x, w, b, y, ir.ActivationNone))
	assert.Equal(t, []float32{3, -0.5, 7, -0.5}, f.values(y, BackendID))

	relu := f.tensor(nil, 2, 2)
	f.run(ir.NewFullyConnected(x, w, b, relu, ir.ActivationRelu))
	assert.Equal(t, []float32{3, 0, 7, 0}, f.values(relu, BackendID))

	// Rank-4 input, stored NCHW, is flattened in logical order.
	x4 := f.tensor([]float32{1, 2, 3, 4}, 1, 2, 1, 2)
	y4 := f.tensor(nil, 2, 2)
	f.run(ir.NewFullyConnected(x4, w, b, y4, ir.ActivationNone))
	assert.Equal(t, []float32{3, -0.5, 7, -0.5}, f.values(y4, BackendID))
}

func TestAdd(t *testing.T) {
	f := newStageFixture(t)
	// [1, 1, 2, 3] in NHWC: the bias broadcasts over the channels.
	x := f.tensor([]float32{0, 1, 2, 3, 4, 5}, 1, 1, 2, 3)
	bias := f.tensor([]float32{10, 20, 30}, 3)
	y := f.tensor(nil, 1, 1, 2, 3)
	f.run(ir.NewAdd(x, bias, y, ir.ActivationNone))
	assert.Equal(t, []float32{10, 21, 32, 13, 24, 35}, f.values(y, BackendID))

	negative := f.tensor([]float32{-3, -2, -1, 0, 1, 2}, 1, 1, 2, 3)
	clamped := f.tensor(nil, 1, 1, 2, 3)
	f.run(ir.NewAdd(x, negative, clamped, ir.ActivationRelu1))
	assert.Equal(t, []float32{-1, -1, 1, 1, 1, 1}, f.values(clamped, BackendID))
}

func TestSoftmax(t *testing.T) {
	f := newStageFixture(t)
	x := f.tensor([]float32{1000, 1000, 0, 0}, 2, 2)
	y := f.tensor(nil, 2, 2)
	f.run(ir.NewSoftmax(x, y, 1))
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 0.5}, f.values(y, BackendID), 1e-6)

	// ln(3): the second element gets 3/4 of the mass.
	z := f.tensor([]float32{0, 1.0986123}, 1, 2)
	zOut := f.tensor(nil, 1, 2)
	f.run(ir.NewSoftmax(z, zOut, 1))
	assert.InDeltaSlice(t, []float32{0.25, 0.75}, f.values(zOut, BackendID), 1e-5)
}

func TestDataMovement(t *testing.T) {
	f := newStageFixture(t)
	// Concatenation along the logical channels of NCHW-stored tensors.
	a := f.tensor([]float32{1, 2}, 1, 1, 2, 1)
	b := f.tensor([]float32{3, 4, 5, 6}, 1, 1, 2, 2)
	y := f.tensor(nil, 1, 1, 2, 3)
	f.run(ir.NewConcat([]ir.OperandIndex{a, b}, y, 3))
	assert.Equal(t, []float32{1, 3, 4, 2, 5, 6}, f.values(y, BackendID))

	flat := f.tensor(nil, 6)
	f.run(ir.NewReshape(y, flat))
	assert.Equal(t, []float32{1, 3, 4, 2, 5, 6}, f.values(flat, BackendID))

	// Permute from the channel-last cpu layout.
	logical := graphtest.Iota(12, 1)
	src := f.tensorOn("cpu", ir.LayoutNHWC, logical, 1, 2, 3, 2)
	dst := f.tensor(nil, 1, 2, 3, 2)
	permute := ir.NewPermute(ir.PermuteNHWCToNCHW, "cpu", BackendID)
	permute.Inputs().Append(src)
	permute.Outputs().Append(dst)
	f.run(permute)
	assert.Equal(t, logical, f.values(dst, BackendID))

	s, err := f.backend.Generate(ir.NewNOP(flat), f.ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	// Bad reshape is reported at generation.
	_, err = f.backend.Generate(ir.NewReshape(y, f.tensor(nil, 5)), f.ctx)
	require.Error(t, err)
}
