// Package graphtest holds helpers to build test graphs and fake backends, shared by the tests of the various
// packages.
//
// Builder methods panic on errors (with must), to keep test code linear.
package graphtest

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/graph"
	"github.com/gomlx/neurun/ir"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Float32Bytes encodes values in the host byte order.
func Float32Bytes(values ...float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.NativeEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}

// BytesFloat32 decodes values in the host byte order.
func BytesFloat32(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.NativeEndian.Uint32(data[4*ii:]))
	}
	return values
}

// Int32Bytes encodes values in the host byte order.
func Int32Bytes(values ...int32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.NativeEndian.PutUint32(data[4*ii:], uint32(v))
	}
	return data
}

// Iota returns n float32 values 0, 1, ..., n-1 scaled by scale.
func Iota(n int, scale float32) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(ii) * scale
	}
	return values
}

// Builder builds a graph.
type Builder struct {
	g *graph.Graph
}

// NewBuilder creates a Builder over a new graph.
func NewBuilder() *Builder { return &Builder{g: graph.New()} }

// Graph returns the graph being built.
func (b *Builder) Graph() *graph.Graph { return b.g }

// Tensor adds a float32 tensor operand, with no usage yet.
func (b *Builder) Tensor(dims ...int) ir.OperandIndex {
	return must.M1(b.g.AddOperand(ir.Shape(dims), ir.NewTypeInfo(ir.TensorFloat32)))
}

// Input adds a float32 model input.
func (b *Builder) Input(dims ...int) ir.OperandIndex {
	index := b.Tensor(dims...)
	must.M(b.g.AddInput(index))
	return index
}

// Const adds a float32 constant tensor.
func (b *Builder) Const(values []float32, dims ...int) ir.OperandIndex {
	index := b.Tensor(dims...)
	must.M(b.g.SetOperandValue(index, ir.NewCachedData(Float32Bytes(values...))))
	return index
}

// Int32 adds an int32 constant scalar.
func (b *Builder) Int32(value int32) ir.OperandIndex {
	index := must.M1(b.g.AddOperand(nil, ir.NewTypeInfo(ir.Int32)))
	must.M(b.g.SetOperandValue(index, ir.NewCachedData(Int32Bytes(value))))
	return index
}

// Float32 adds a float32 constant scalar.
func (b *Builder) Float32(value float32) ir.OperandIndex {
	index := must.M1(b.g.AddOperand(nil, ir.NewTypeInfo(ir.Float32)))
	must.M(b.g.SetOperandValue(index, ir.NewCachedData(Float32Bytes(value))))
	return index
}

// Op adds an operation built from the flat NNAPI descriptor.
func (b *Builder) Op(op ir.OpType, inputs []ir.OperandIndex, outputs ...ir.OperandIndex) ir.OperationIndex {
	node := must.M1(ir.NewNode(op, inputs, outputs, b.g.Operands()))
	return must.M1(b.g.AddOperation(node))
}

// Node adds the given node.
func (b *Builder) Node(node ir.Node) ir.OperationIndex {
	return must.M1(b.g.AddOperation(node))
}

// Output registers a model output.
func (b *Builder) Output(index ir.OperandIndex) {
	must.M(b.g.AddOutput(index))
}

// FCChain is the network in -> FullyConnected -> h -> FullyConnected -> out.
type FCChain struct {
	In, W1, B1, H, W2, B2, Out ir.OperandIndex
	FC1, FC2                   ir.OperationIndex
}

// BuildFCChain builds an FCChain with input [1, 4], hidden [1, 3] and output [1, 2]. The first layer has a Relu.
//
// With input x, the hidden values are relu(W1 x + B1) and the output W2 h + B2, for
// W1 = [[1 0 0 0] [0 1 0 0] [1 1 1 1]], B1 = [0 -10 1], W2 = [[1 1 1] [1 0 -1]] and B2 = [0.5 0].
func (b *Builder) BuildFCChain() *FCChain {
	n := &FCChain{}
	n.In = b.Input(1, 4)
	n.W1 = b.Const([]float32{1, 0, 0, 0, 0, 1, 0, 0, 1, 1, 1, 1}, 3, 4)
	n.B1 = b.Const([]float32{0, -10, 1}, 3)
	n.H = b.Tensor(1, 3)
	n.FC1 = b.Op(ir.OpTypeFullyConnected, []ir.OperandIndex{n.In, n.W1, n.B1, b.Int32(int32(ir.ActivationRelu))}, n.H)
	n.W2 = b.Const([]float32{1, 1, 1, 1, 0, -1}, 2, 3)
	n.B2 = b.Const([]float32{0.5, 0}, 2)
	n.Out = b.Tensor(1, 2)
	n.FC2 = b.Op(ir.OpTypeFullyConnected, []ir.OperandIndex{n.H, n.W2, n.B2, b.Int32(int32(ir.ActivationNone))}, n.Out)
	b.Output(n.Out)
	return n
}

// FCChainWant returns the expected output of an FCChain for input x.
func FCChainWant(x [4]float32) [2]float32 {
	h := [3]float32{x[0], x[1] - 10, x[0] + x[1] + x[2] + x[3] + 1}
	for ii := range h {
		h[ii] = max(h[ii], 0)
	}
	return [2]float32{h[0] + h[1] + h[2] + 0.5, h[0] - h[2]}
}

// FakeBackend is a Backend for tests: it stores tensors with a HostTensorBuilder, and generates stages that do
// nothing and count their calls. NOP nodes get no stage.
type FakeBackend struct {
	id        string
	layout    ir.Layout
	supported sets.Set[ir.OpType]

	// FailOn makes Generate fail, with ErrFakeGeneration, for nodes of this kind.
	FailOn ir.OpType

	// Generated lists the nodes for which stages were generated, Runs counts the stage runs and Finalized the
	// stages finalized.
	Generated []ir.Node
	Runs      int
	Finalized int

	// Context is the last context given to Generate.
	Context *backend.Context
}

// ErrFakeGeneration is returned by FakeBackend.Generate for nodes of kind FailOn.
var ErrFakeGeneration = errors.New("fake stage generation failure")

// fakeStage is the stage of a FakeBackend.
type fakeStage struct {
	backend *FakeBackend
}

func (s fakeStage) Run() error {
	s.backend.Runs++
	return nil
}

func (s fakeStage) Finalize() { s.backend.Finalized++ }

var _ backend.Backend = (*FakeBackend)(nil)

// NewFakeBackend creates a FakeBackend supporting the given operation kinds, or all of them if none is given.
func NewFakeBackend(id string, layout ir.Layout, supported ...ir.OpType) *FakeBackend {
	if len(supported) == 0 {
		supported = ir.AllOpTypes()
	}
	return &FakeBackend{id: id, layout: layout, supported: sets.MakeWith(supported...)}
}

// ID implements backend.Backend.
func (f *FakeBackend) ID() string { return f.id }

// Layout implements backend.Backend.
func (f *FakeBackend) Layout() ir.Layout { return f.layout }

// Supports implements backend.Backend.
func (f *FakeBackend) Supports(op ir.OpType) bool { return f.supported.Has(op) }

// NewTensorBuilder implements backend.Backend.
func (f *FakeBackend) NewTensorBuilder() backend.TensorBuilder {
	return backend.NewHostTensorBuilder(f.id, f.layout)
}

// StageGenerator implements backend.Backend.
func (f *FakeBackend) StageGenerator() backend.StageGenerator { return f }

// Generate implements backend.StageGenerator.
func (f *FakeBackend) Generate(node ir.Node, ctx *backend.Context) (backend.Stage, error) {
	f.Context = ctx
	if f.FailOn != ir.OpTypeInvalid && node.OpType() == f.FailOn {
		return nil, errors.Wrapf(ErrFakeGeneration, "backend %q: %s", f.id, node)
	}
	f.Generated = append(f.Generated, node)
	if node.OpType() == ir.OpTypeNOP {
		return nil, nil
	}
	return fakeStage{backend: f}, nil
}

// NewFakeResolver creates a resolver with a "cpu" fake backend (NHWC) as default, and a "gpu" fake backend (NCHW),
// configured with the given (textual) configuration.
func NewFakeResolver(config string) (*backend.StaticResolver, *FakeBackend, *FakeBackend) {
	cpu := NewFakeBackend("cpu", ir.LayoutNHWC)
	gpu := NewFakeBackend("gpu", ir.LayoutNCHW)
	cfg := must.M1(backend.ParseConfig(config))
	return must.M1(backend.NewResolver(cfg, cpu, gpu)), cpu, gpu
}

// ConvNet is a small image classifier: Conv2D (SAME, Relu) -> MaxPool2D -> Reshape -> FullyConnected -> Softmax.
type ConvNet struct {
	Image, Probabilities ir.OperandIndex
}

// Dimensions of the ConvNet.
const (
	ConvNetImageSize = 16
	ConvNetChannels  = 3
	ConvNetFilters   = 8
	ConvNetClasses   = 10
)

// BuildConvNet builds a ConvNet for images [batch, 16, 16, 3], with weights drawn from r.
func (b *Builder) BuildConvNet(batch int, r *rand.Rand) *ConvNet {
	random := func(n int) []float32 {
		values := make([]float32, n)
		for ii := range values {
			values[ii] = r.Float32() - 0.5
		}
		return values
	}
	const size, pooled = ConvNetImageSize, ConvNetImageSize / 2
	n := &ConvNet{}
	n.Image = b.Input(batch, size, size, ConvNetChannels)
	kernel := b.Const(random(ConvNetFilters*3*3*ConvNetChannels), ConvNetFilters, 3, 3, ConvNetChannels)
	bias := b.Const(random(ConvNetFilters), ConvNetFilters)
	features := b.Tensor(batch, size, size, ConvNetFilters)
	b.Node(ir.NewConv2D(n.Image, kernel, bias, features, ir.Conv2DParams{
		Padding: ir.Padding{Type: ir.PaddingSame}, Stride: ir.Stride{H: 1, W: 1}, Activation: ir.ActivationRelu}))
	pool := b.Tensor(batch, pooled, pooled, ConvNetFilters)
	b.Node(ir.NewMaxPool2D(features, pool, ir.Pool2DParams{
		Padding: ir.Padding{Type: ir.PaddingValid}, Stride: ir.Stride{H: 2, W: 2}, Kernel: ir.Kernel{H: 2, W: 2}}))
	flat := b.Tensor(batch, pooled*pooled*ConvNetFilters)
	b.Node(ir.NewReshape(pool, flat))
	weights := b.Const(random(ConvNetClasses*pooled*pooled*ConvNetFilters), ConvNetClasses,
		pooled*pooled*ConvNetFilters)
	logits := b.Tensor(batch, ConvNetClasses)
	b.Node(ir.NewFullyConnected(flat, weights, b.Const(random(ConvNetClasses), ConvNetClasses), logits,
		ir.ActivationNone))
	n.Probabilities = b.Tensor(batch, ConvNetClasses)
	b.Node(ir.NewSoftmax(logits, n.Probabilities, 1))
	b.Output(n.Probabilities)
	return n
}
