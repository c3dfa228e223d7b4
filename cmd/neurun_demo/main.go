// neurun_demo builds a small image classifier through the nnapi surface, compiles it with the configured backends,
// prints the graph and the plan, and runs it over random images.
//
// Usage:
//
//	neurun_demo -backends="cpu,FullyConnected=gomlx,Softmax=gomlx" -v=1
//
// If -backends is not given, the configuration is read from $NEURUN_BACKEND.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/backend/cpu"
	"github.com/gomlx/neurun/backend/gomlx"
	"github.com/gomlx/neurun/nnapi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagBackends = flag.String("backends", "", "Backend configuration, e.g. \"cpu,Softmax=gomlx\". "+
		"If empty, $"+backend.EnvConfig+" is used.")
	flagNumImages = flag.Int("num_images", 3, "Number of random images to classify.")
	flagSeed      = flag.Uint64("seed", 42, "Seed for the random weights and images.")
)

const (
	imageSize  = 8
	channels   = 3
	filters    = 4
	numClasses = 5
)

func float32Bytes(values []float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.NativeEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}

func int32Bytes(values ...int32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.NativeEndian.PutUint32(data[4*ii:], uint32(v))
	}
	return data
}

// modelBuilder adds operands to a model, keeping the first error.
type modelBuilder struct {
	model *nnapi.Model
	err   error
	r     *rand.Rand
}

func (b *modelBuilder) check(code nnapi.ResultCode, what string) {
	if code != nnapi.NoError && b.err == nil {
		b.err = errors.WithMessagef(b.model.Err(), "%s failed with %s", what, code)
	}
}

func (b *modelBuilder) operand(t *nnapi.OperandType) uint32 {
	index := b.model.NumOperands()
	b.check(b.model.AddOperand(t), "AddOperand")
	return index
}

func (b *modelBuilder) tensor(dims ...uint32) uint32 {
	return b.operand(&nnapi.OperandType{Type: nnapi.TypeTensorFloat32, Dimensions: dims})
}

func (b *modelBuilder) random(dims ...uint32) uint32 {
	n := 1
	for _, dim := range dims {
		n *= int(dim)
	}
	values := make([]float32, n)
	for ii := range values {
		values[ii] = b.r.Float32() - 0.5
	}
	index := b.tensor(dims...)
	b.check(b.model.SetOperandValue(index, float32Bytes(values)), "SetOperandValue")
	return index
}

func (b *modelBuilder) int32(value int32) uint32 {
	index := b.operand(&nnapi.OperandType{Type: nnapi.TypeInt32})
	b.check(b.model.SetOperandValue(index, int32Bytes(value)), "SetOperandValue")
	return index
}

func (b *modelBuilder) float32(value float32) uint32 {
	index := b.operand(&nnapi.OperandType{Type: nnapi.TypeFloat32})
	b.check(b.model.SetOperandValue(index, float32Bytes([]float32{value})), "SetOperandValue")
	return index
}

// buildModel builds: Conv2D 3x3 (SAME, Relu) -> AveragePool 2x2 -> Reshape -> FullyConnected -> Softmax.
func buildModel(r *rand.Rand) (*nnapi.Model, error) {
	b := &modelBuilder{model: nnapi.NewModel(), r: r}
	const pooled = imageSize / 2
	image := b.tensor(1, imageSize, imageSize, channels)
	features := b.tensor(1, imageSize, imageSize, filters)
	b.check(b.model.AddOperation(nnapi.OpConv2D, []uint32{image, b.random(filters, 3, 3, channels), b.random(filters),
		b.int32(nnapi.PaddingSame), b.int32(1), b.int32(1), b.int32(nnapi.FuseRelu)}, []uint32{features}), "Conv2D")
	pool := b.tensor(1, pooled, pooled, filters)
	b.check(b.model.AddOperation(nnapi.OpAveragePool2D, []uint32{features, b.int32(nnapi.PaddingValid),
		b.int32(2), b.int32(2), b.int32(2), b.int32(2), b.int32(nnapi.FuseNone)}, []uint32{pool}), "AveragePool2D")
	shape := b.operand(&nnapi.OperandType{Type: nnapi.TypeTensorInt32, Dimensions: []uint32{2}})
	b.check(b.model.SetOperandValue(shape, int32Bytes(1, pooled*pooled*filters)), "SetOperandValue")
	flat := b.tensor(1, pooled*pooled*filters)
	b.check(b.model.AddOperation(nnapi.OpReshape, []uint32{pool, shape}, []uint32{flat}), "Reshape")
	logits := b.tensor(1, numClasses)
	b.check(b.model.AddOperation(nnapi.OpFullyConnected, []uint32{flat, b.random(numClasses, pooled*pooled*filters),
		b.random(numClasses), b.int32(nnapi.FuseNone)}, []uint32{logits}), "FullyConnected")
	probabilities := b.tensor(1, numClasses)
	b.check(b.model.AddOperation(nnapi.OpSoftmax, []uint32{logits, b.float32(1)}, []uint32{probabilities}), "Softmax")
	b.check(b.model.IdentifyInputsAndOutputs([]uint32{image}, []uint32{probabilities}), "IdentifyInputsAndOutputs")
	b.check(b.model.Finish(), "Finish")
	return b.model, b.err
}

func config() (backend.Config, error) {
	if *flagBackends != "" {
		return backend.ParseConfig(*flagBackends)
	}
	return backend.ConfigFromEnv()
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config()
	if err != nil {
		klog.Fatalf("Failed to parse backend configuration: %+v", err)
	}
	gomlxBackend, err := gomlx.New()
	if err != nil {
		klog.Fatalf("Failed to create the gomlx backend: %+v", err)
	}
	defer gomlxBackend.Finalize()
	resolver, err := backend.NewResolver(cfg, cpu.New(), gomlxBackend)
	if err != nil {
		klog.Fatalf("Failed to resolve backends for %q: %+v", cfg, err)
	}

	r := rand.New(rand.NewPCG(*flagSeed, 0))
	model, err := buildModel(r)
	if err != nil {
		klog.Fatalf("Failed to build the model: %+v", err)
	}
	compilation, code := nnapi.NewCompilation(model, resolver)
	if code != nnapi.NoError {
		klog.Fatalf("NewCompilation failed with %s: %+v", code, model.Err())
	}
	if code = compilation.Finish(); code != nnapi.NoError {
		klog.Fatalf("Compilation failed with %s: %+v", code, compilation.Err())
	}
	defer compilation.Free()
	plan := compilation.Plan()
	fmt.Printf("Backends: %s\n\n%s\n%s\n", cfg, plan.Graph(), plan)

	execution, code := nnapi.NewExecution(compilation)
	if code != nnapi.NoError {
		klog.Fatalf("NewExecution failed with %s: %+v", code, compilation.Err())
	}
	image := make([]float32, imageSize*imageSize*channels)
	output := make([]byte, 4*numClasses)
	if code = execution.SetOutput(0, nil, output); code != nnapi.NoError {
		klog.Fatalf("SetOutput failed with %s: %+v", code, execution.Err())
	}
	for imageIdx := range *flagNumImages {
		for ii := range image {
			image[ii] = r.Float32()
		}
		if code = execution.SetInput(0, nil, float32Bytes(image)); code != nnapi.NoError {
			klog.Fatalf("SetInput failed with %s: %+v", code, execution.Err())
		}
		if code = execution.Compute(); code != nnapi.NoError {
			klog.Fatalf("Compute failed with %s: %+v", code, execution.Err())
		}
		probabilities := make([]float32, numClasses)
		for ii := range probabilities {
			probabilities[ii] = math.Float32frombits(binary.NativeEndian.Uint32(output[4*ii:]))
		}
		fmt.Printf("Image #%d: probabilities=%.4f\n", imageIdx, probabilities)
	}
}
