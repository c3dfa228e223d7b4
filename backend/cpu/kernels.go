package cpu

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/ir"
)

// clamp applies a fused activation.
type clamp struct {
	low, high float32
	enabled   bool
}

func newClamp(activation ir.Activation) clamp {
	low, high, ok := activation.Range()
	return clamp{low: low, high: high, enabled: ok}
}

func (c clamp) apply(v float32) float32 {
	if !c.enabled {
		return v
	}
	return math32.Min(math32.Max(v, c.low), c.high)
}

// window is the spatial geometry shared by convolutions and pools, over NHWC tensors.
type window struct {
	batch, inH, inW, outH, outW int
	kernelH, kernelW            int
	stride                      ir.Stride
	padding                     ir.Padding // Always explicit.
}

func newWindow(padding ir.Padding, stride ir.Stride, kernelH, kernelW int, in, out ir.Shape) window {
	if in.Rank() != 4 || out.Rank() != 4 {
		exceptions.Panicf("spatial operation needs rank-4 input and output, got %s and %s", in, out)
	}
	if stride.H <= 0 || stride.W <= 0 || kernelH <= 0 || kernelW <= 0 {
		exceptions.Panicf("invalid stride %dx%d or kernel %dx%d", stride.H, stride.W, kernelH, kernelW)
	}
	w := window{batch: in[0], inH: in[1], inW: in[2], kernelH: kernelH, kernelW: kernelW, stride: stride}
	w.padding = padding.Explicit(w.inH, w.inW, stride, kernelH, kernelW)
	w.outH = ir.OutputSize(w.inH, w.padding.Top, w.padding.Bottom, stride.H, kernelH)
	w.outW = ir.OutputSize(w.inW, w.padding.Left, w.padding.Right, stride.W, kernelW)
	if out[0] != w.batch || out[1] != w.outH || out[2] != w.outW {
		exceptions.Panicf("output shape %s doesn't match the expected [%d %d %d *] for input %s with padding %s",
			out, w.batch, w.outH, w.outW, in, w.padding)
	}
	return w
}

// origin returns the input position of the top-left kernel element for an output position. It may be negative.
func (w *window) origin(oh, ow int) (int, int) {
	return oh*w.stride.H - w.padding.Top, ow*w.stride.W - w.padding.Left
}

type conv2D struct {
	window
	inC, outC int
	clamp     clamp
}

// newConv2D validates: input [N, H, W, Cin], kernel [Cout, KH, KW, Cin], bias [Cout] and output [N, OH, OW, Cout].
func newConv2D(params ir.Conv2DParams, in, kernel, bias, out ir.Shape) *conv2D {
	if kernel.Rank() != 4 || in.Rank() != 4 || kernel[3] != in[3] {
		exceptions.Panicf("conv2d kernel %s doesn't match input %s", kernel, in)
	}
	if bias.Rank() != 1 || bias[0] != kernel[0] || out.Rank() != 4 || out[3] != kernel[0] {
		exceptions.Panicf("conv2d bias %s and output %s must have %d channels", bias, out, kernel[0])
	}
	return &conv2D{
		window: newWindow(params.Padding, params.Stride, kernel[1], kernel[2], in, out),
		inC:    in[3],
		outC:   kernel[0],
		clamp:  newClamp(params.Activation),
	}
}

func (c *conv2D) run(x, kernel, bias, y []float32) {
	pos := 0
	for n := range c.batch {
		for oh := range c.outH {
			for ow := range c.outW {
				y0, x0 := c.origin(oh, ow)
				for oc := range c.outC {
					sum := bias[oc]
					for ky := range c.kernelH {
						iy := y0 + ky
						if iy < 0 || iy >= c.inH {
							continue
						}
						for kx := range c.kernelW {
							ix := x0 + kx
							if ix < 0 || ix >= c.inW {
								continue
							}
							in := x[((n*c.inH+iy)*c.inW+ix)*c.inC:]
							k := kernel[((oc*c.kernelH+ky)*c.kernelW+kx)*c.inC:]
							for ic := range c.inC {
								sum += in[ic] * k[ic]
							}
						}
					}
					y[pos] = c.clamp.apply(sum)
					pos++
				}
			}
		}
	}
}

type pool2D struct {
	window
	channels int
	clamp    clamp
}

func newPool2D(params ir.Pool2DParams, in, out ir.Shape) *pool2D {
	if in.Rank() != 4 || out.Rank() != 4 || in[3] != out[3] {
		exceptions.Panicf("pool input %s and output %s must be rank-4 with the same channels", in, out)
	}
	return &pool2D{
		window:   newWindow(params.Padding, params.Stride, params.Kernel.H, params.Kernel.W, in, out),
		channels: in[3],
		clamp:    newClamp(params.Activation),
	}
}

// reduce calls fn for every input element in the window of each output element, and stores finish(count) as the
// result, where count is the number of (non-padded) elements visited.
func (p *pool2D) reduce(x, y []float32, init float32, fn func(acc, v float32) float32,
	finish func(acc float32, count int) float32) {
	pos := 0
	for n := range p.batch {
		for oh := range p.outH {
			for ow := range p.outW {
				y0, x0 := p.origin(oh, ow)
				for c := range p.channels {
					acc, count := init, 0
					for ky := range p.kernelH {
						iy := y0 + ky
						if iy < 0 || iy >= p.inH {
							continue
						}
						for kx := range p.kernelW {
							ix := x0 + kx
							if ix < 0 || ix >= p.inW {
								continue
							}
							acc = fn(acc, x[((n*p.inH+iy)*p.inW+ix)*p.channels+c])
							count++
						}
					}
					y[pos] = p.clamp.apply(finish(acc, count))
					pos++
				}
			}
		}
	}
}

func (p *pool2D) max(x, y []float32) {
	p.reduce(x, y, math32.Inf(-1), math32.Max, func(acc float32, count int) float32 {
		if count == 0 {
			return 0
		}
		return acc
	})
}

// average excludes padded positions from the count.
func (p *pool2D) average(x, y []float32) {
	p.reduce(x, y, 0, func(acc, v float32) float32 { return acc + v }, func(acc float32, count int) float32 {
		if count == 0 {
			return 0
		}
		return acc / float32(count)
	})
}

type fullyConnected struct {
	batch, inputSize, units int
	clamp                   clamp
}

// newFullyConnected validates: input of any rank with a multiple of inputSize elements, weights [units, inputSize],
// bias [units] and output [batch, units].
func newFullyConnected(activation ir.Activation, in, weights, bias, out ir.Shape) *fullyConnected {
	if weights.Rank() != 2 || bias.Rank() != 1 || bias[0] != weights[0] {
		exceptions.Panicf("fully connected weights %s and bias %s don't match", weights, bias)
	}
	fc := &fullyConnected{units: weights[0], inputSize: weights[1], clamp: newClamp(activation)}
	if fc.inputSize == 0 || in.NumElements()%fc.inputSize != 0 {
		exceptions.Panicf("fully connected input %s is not a multiple of the weights input size %d", in,
			fc.inputSize)
	}
	fc.batch = in.NumElements() / fc.inputSize
	if out.NumElements() != fc.batch*fc.units || out.Rank() == 0 || out.Dim(-1) != fc.units {
		exceptions.Panicf("fully connected output %s, wanted [%d %d]", out, fc.batch, fc.units)
	}
	return fc
}

func (fc *fullyConnected) run(x, weights, bias, y []float32) {
	for b := range fc.batch {
		row := x[b*fc.inputSize : (b+1)*fc.inputSize]
		for u := range fc.units {
			w := weights[u*fc.inputSize : (u+1)*fc.inputSize]
			sum := bias[u]
			for ii, v := range row {
				sum += v * w[ii]
			}
			y[b*fc.units+u] = fc.clamp.apply(sum)
		}
	}
}

// softmax normalizes exp(beta*x) over consecutive groups of depth elements.
// The maximum of each group is subtracted first, for numerical stability.
func softmax(x, y []float32, depth int, beta float32) {
	for start := 0; start+depth <= len(x); start += depth {
		row, out := x[start:start+depth], y[start:start+depth]
		maxValue := math32.Inf(-1)
		for _, v := range row {
			maxValue = math32.Max(maxValue, v)
		}
		var sum float32
		for ii, v := range row {
			out[ii] = math32.Exp(beta * (v - maxValue))
			sum += out[ii]
		}
		for ii := range out {
			out[ii] /= sum
		}
	}
}

// broadcastAdd adds two tensors whose dimensions, aligned to the right, are equal or 1.
type broadcastAdd struct {
	dims                   []int
	lhsStrides, rhsStrides []int
	clamp                  clamp
}

func newBroadcastAdd(activation ir.Activation, lhs, rhs, out ir.Shape) *broadcastAdd {
	rank := max(lhs.Rank(), rhs.Rank())
	if out.Rank() != rank {
		exceptions.Panicf("add output %s must have rank %d", out, rank)
	}
	add := &broadcastAdd{dims: out, clamp: newClamp(activation)}
	add.lhsStrides = broadcastStrides(lhs, out)
	add.rhsStrides = broadcastStrides(rhs, out)
	return add
}

// broadcastStrides returns the strides of each output axis in the operand, with 0 for broadcast axes.
func broadcastStrides(operand, out ir.Shape) []int {
	strides := make([]int, out.Rank())
	offset := out.Rank() - operand.Rank()
	stride := 1
	for axis := operand.Rank() - 1; axis >= 0; axis-- {
		dim := operand[axis]
		switch dim {
		case out[axis+offset]:
			strides[axis+offset] = stride
		case 1:
		default:
			exceptions.Panicf("add operand %s can't be broadcast to %s", operand, out)
		}
		stride *= dim
	}
	return strides
}

func (a *broadcastAdd) run(lhs, rhs, y []float32) {
	rank := len(a.dims)
	coords := make([]int, rank)
	lhsPos, rhsPos := 0, 0
	for pos := range y {
		y[pos] = a.clamp.apply(lhs[lhsPos] + rhs[rhsPos])
		// Increment the coordinates, last axis first.
		for axis := rank - 1; axis >= 0; axis-- {
			coords[axis]++
			lhsPos += a.lhsStrides[axis]
			rhsPos += a.rhsStrides[axis]
			if coords[axis] < a.dims[axis] {
				break
			}
			lhsPos -= coords[axis] * a.lhsStrides[axis]
			rhsPos -= coords[axis] * a.rhsStrides[axis]
			coords[axis] = 0
		}
	}
}

// concat moves bytes: for each index over the axes before Axis, it copies a chunk of each input in turn.
type concat struct {
	outer  int
	chunks []int // Bytes per input per outer index.
}

func newConcat(axis int, inputs []*backend.Tensor, out *backend.Tensor) *concat {
	outShape := out.Shape()
	rank := outShape.Rank()
	if axis < 0 {
		axis += rank
	}
	if len(inputs) == 0 || axis < 0 || axis >= rank {
		exceptions.Panicf("invalid concat of %d inputs along axis %d into %s", len(inputs), axis, out)
	}
	c := &concat{outer: 1, chunks: make([]int, len(inputs))}
	for _, dim := range outShape[:axis] {
		c.outer *= dim
	}
	elementSize := out.TypeInfo().ElementSize()
	total := 0
	for ii, input := range inputs {
		shape := input.Shape()
		if shape.Rank() != rank || input.TypeInfo().Type != out.TypeInfo().Type {
			exceptions.Panicf("concat input %s doesn't match output %s", input, out)
		}
		for d := range rank {
			if d != axis && shape[d] != outShape[d] {
				exceptions.Panicf("concat input %s doesn't match output %s on axis %d", input, out, d)
			}
		}
		total += shape[axis]
		c.chunks[ii] = shape[axis:].NumElements() * elementSize
	}
	if total != outShape[axis] {
		exceptions.Panicf("concat inputs sum %d elements along axis %d, output %s has %d", total, axis, out,
			outShape[axis])
	}
	return c
}

func (c *concat) run(inputs []*backend.Tensor, out *backend.Tensor) {
	if out.ByteSize() == 0 {
		return
	}
	withInputs(inputs, (*tensors.Tensor).ConstBytes, func(srcs [][]byte) {
		err := out.Value().MutableBytes(func(dst []byte) {
			pos := 0
			for o := range c.outer {
				for jj, chunk := range c.chunks {
					if chunk == 0 {
						continue
					}
					pos += copy(dst[pos:], srcs[jj][o*chunk:(o+1)*chunk])
				}
			}
		})
		if err != nil {
			exceptions.Panicf("cpu: accessing output tensor %s: %+v", out, err)
		}
	})
}
