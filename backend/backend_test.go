package backend_test

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/internal/graphtest"
	"github.com/gomlx/neurun/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	config, err := backend.ParseConfig("gomlx, softmax=cpu ,FullyConnected=gpu")
	require.NoError(t, err)
	assert.Equal(t, "gomlx", config.Default)
	assert.Equal(t, "cpu", config.BackendFor(ir.OpTypeSoftmax))
	assert.Equal(t, "gpu", config.BackendFor(ir.OpTypeFullyConnected))
	assert.Equal(t, "gomlx", config.BackendFor(ir.OpTypeConv2D))
	assert.Equal(t, "gomlx,FullyConnected=gpu,Softmax=cpu", config.String())

	config, err = backend.ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, backend.DefaultBackendID, config.BackendFor(ir.OpTypeAdd))

	config, err = backend.ParseConfig("Add=gomlx")
	require.NoError(t, err)
	assert.Equal(t, "cpu", config.BackendFor(ir.OpTypeConcat))
	assert.Equal(t, "gomlx", config.BackendFor(ir.OpTypeAdd))

	for _, text := range []string{"cpu,gomlx", "Add=gomlx,cpu", "Gelu=cpu", "Add="} {
		_, err = backend.ParseConfig(text)
		assert.Error(t, err, "config %q", text)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(backend.EnvConfig, "")
	config := must.M1(backend.ConfigFromEnv())
	assert.Equal(t, "cpu", config.String())

	t.Setenv(backend.EnvConfig, "cpu,Softmax=gomlx")
	config = must.M1(backend.ConfigFromEnv())
	assert.Equal(t, "gomlx", config.BackendFor(ir.OpTypeSoftmax))

	t.Setenv(backend.EnvConfig, "cpu,Unknown=gomlx")
	_, err := backend.ConfigFromEnv()
	require.Error(t, err)
}

func TestResolver(t *testing.T) {
	cpu := graphtest.NewFakeBackend("cpu", ir.LayoutNHWC)
	partial := graphtest.NewFakeBackend("partial", ir.LayoutNCHW, ir.OpTypeSoftmax, ir.OpTypeAdd)

	config := must.M1(backend.ParseConfig("cpu,Softmax=partial"))
	resolver, err := backend.NewResolver(config, cpu, partial)
	require.NoError(t, err)
	b := must.M1(resolver.Resolve(ir.OpTypeSoftmax))
	assert.Equal(t, "partial", b.ID())
	b = must.M1(resolver.Resolve(ir.OpTypeConv2D))
	assert.Equal(t, "cpu", b.ID())
	_, err = resolver.Resolve(ir.OpTypeInvalid)
	require.ErrorIs(t, err, backend.ErrUnresolvable)
	_, err = resolver.Backend("gpu")
	require.ErrorIs(t, err, backend.ErrUnresolvable)
	assert.Len(t, resolver.Backends(), 2)

	// Unsupported operation.
	config = must.M1(backend.ParseConfig("cpu,Conv2D=partial"))
	_, err = backend.NewResolver(config, cpu, partial)
	require.ErrorIs(t, err, backend.ErrUnresolvable)

	// Unknown backend.
	config = must.M1(backend.ParseConfig("gpu"))
	_, err = backend.NewResolver(config, cpu, partial)
	require.ErrorIs(t, err, backend.ErrUnresolvable)

	// Duplicate backend.
	_, err = backend.NewResolver(backend.Config{}, cpu, cpu)
	require.Error(t, err)
}

func TestConvertLayout(t *testing.T) {
	dims := ir.Shape{1, 2, 3, 2} // N, H, W, C
	nhwc := graphtest.Float32Bytes(graphtest.Iota(12, 1)...)
	nchw := make([]byte, len(nhwc))
	backend.ConvertLayout(nchw, ir.LayoutNCHW, nhwc, ir.LayoutNHWC, dims, 4)
	// Channel 0 holds the even values, channel 1 the odd ones.
	assert.Equal(t, []float32{0, 2, 4, 6, 8, 10, 1, 3, 5, 7, 9, 11}, graphtest.BytesFloat32(nchw))

	back := make([]byte, len(nhwc))
	backend.ConvertLayout(back, ir.LayoutNHWC, nchw, ir.LayoutNCHW, dims, 4)
	assert.Equal(t, nhwc, back)

	// Other ranks are copied as is.
	rank2 := make([]byte, 16)
	backend.ConvertLayout(rank2, ir.LayoutNCHW, nhwc[:16], ir.LayoutNHWC, ir.Shape{2, 2}, 4)
	assert.Equal(t, nhwc[:16], rank2)
}

func TestTensor(t *testing.T) {
	ti := ir.NewTypeInfo(ir.TensorFloat32)
	logical := graphtest.Float32Bytes(graphtest.Iota(12, 1)...)
	nchw := backend.NewTensor("gpu", ir.LayoutNCHW, ir.Shape{1, 2, 3, 2}, ti)
	defer nchw.Finalize()
	assert.Equal(t, ir.Shape{1, 2, 2, 3}, nchw.StorageShape())
	assert.Equal(t, []int{1, 2, 2, 3}, nchw.Value().Shape().Dimensions)
	require.NoError(t, nchw.WriteLogical(logical))
	assert.Equal(t, []float32{0, 2, 4, 6, 8, 10, 1, 3, 5, 7, 9, 11}, tensors.MustCopyFlatData[float32](nchw.Value()))

	nhwc := backend.NewTensor("cpu", ir.LayoutNHWC, ir.Shape{1, 2, 3, 2}, ti)
	defer nhwc.Finalize()
	require.NoError(t, backend.CopyTensor(nhwc, nchw))
	got := make([]byte, len(logical))
	require.NoError(t, nhwc.ReadLogical(got))
	assert.Equal(t, logical, got)
	require.NoError(t, nchw.ReadLogical(got))
	assert.Equal(t, logical, got)

	require.Error(t, nhwc.WriteLogical(logical[:8]))
	other := backend.NewTensor("cpu", ir.LayoutNHWC, ir.Shape{12}, ti)
	defer other.Finalize()
	require.Error(t, backend.CopyTensor(other, nchw))

	// Finalized tensors report errors instead of silently skipping the access.
	finalized := backend.NewTensor("cpu", ir.LayoutNHWC, ir.Shape{1, 2, 3, 2}, ti)
	require.NoError(t, finalized.Finalize())
	require.NoError(t, finalized.Finalize(), "finalizing twice is a no-op")
	require.Error(t, finalized.WriteLogical(logical))
	require.Error(t, finalized.ReadLogical(got))
	require.Error(t, backend.CopyTensor(finalized, nchw))
	require.Error(t, backend.CopyTensor(nhwc, finalized))
}

func TestContext(t *testing.T) {
	ti := ir.NewTypeInfo(ir.TensorFloat32)
	ctx := backend.NewContext()
	cpu := backend.NewTensor("cpu", ir.LayoutNHWC, ir.Shape{2}, ti)
	gpu := backend.NewTensor("gpu", ir.LayoutNCHW, ir.Shape{2}, ti)
	require.NoError(t, ctx.Set(3, cpu))
	require.NoError(t, ctx.Set(3, gpu))
	require.ErrorIs(t, ctx.Set(3, cpu), backend.ErrBuilderState)
	assert.Len(t, ctx.Tensors(3), 2)
	assert.Same(t, gpu, must.M1(ctx.Get(3, "gpu")))
	_, err := ctx.Get(4, "cpu")
	require.Error(t, err)
	assert.Equal(t, []ir.OperandIndex{3}, ctx.Indices())

	ctx.Freeze()
	assert.True(t, ctx.Frozen())
	require.ErrorIs(t, ctx.Set(4, backend.NewTensor("cpu", ir.LayoutNHWC, ir.Shape{2}, ti)), backend.ErrBuilderState)
	require.NoError(t, ctx.Finalize())
}

func TestHostTensorBuilder(t *testing.T) {
	operands := ir.NewOperands()
	ti := ir.NewTypeInfo(ir.TensorFloat32)
	x := operands.Append(ir.Shape{1, 1, 2, 2}, ti)
	c := operands.Append(ir.Shape{1, 1, 2, 2}, ti)
	require.NoError(t, operands.At(c).SetData(ir.NewCachedData(graphtest.Float32Bytes(1, 2, 3, 4))))

	tb := backend.NewHostTensorBuilder("gpu", ir.LayoutNCHW)
	require.ErrorIs(t, tb.Allocate(backend.NewContext()), backend.ErrBuilderState, "allocate before prepare")
	require.NoError(t, tb.Mark(x))
	require.NoError(t, tb.Mark(c))
	require.NoError(t, tb.Mark(x), "marking twice is allowed")
	assert.Equal(t, []ir.OperandIndex{x, c}, tb.Marked())

	require.NoError(t, tb.Prepare(operands))
	require.ErrorIs(t, tb.Mark(x), backend.ErrBuilderState)
	require.ErrorIs(t, tb.Prepare(operands), backend.ErrBuilderState)

	ctx := backend.NewContext()
	require.NoError(t, tb.Allocate(ctx))
	defer ctx.Finalize()
	require.ErrorIs(t, tb.Allocate(ctx), backend.ErrBuilderState)
	assert.Equal(t, 2, ctx.Len(), "one tensor per distinct marked operand")
	assert.Len(t, ctx.Tensors(x), 1)

	constant := must.M1(ctx.Get(c, "gpu"))
	// [1, 1, 2, 2] NHWC -> NCHW: channel 0 holds 1, 3 and channel 1 holds 2, 4.
	assert.Equal(t, []float32{1, 3, 2, 4}, tensors.MustCopyFlatData[float32](constant.Value()))

	unknown := backend.NewHostTensorBuilder("cpu", ir.LayoutNHWC)
	require.NoError(t, unknown.Mark(17))
	require.ErrorIs(t, unknown.Prepare(operands), ir.ErrInvalidIndex)
}
