// Package benchmarks measures compilation and execution of small networks over the available backends.
//
// Benchmark tests are disabled unless --bench_duration is set, e.g.:
//
//	go test ./internal/benchmarks/ -bench_duration=10s
package benchmarks

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/gomlx/neurun/backend"
	"github.com/gomlx/neurun/backend/cpu"
	"github.com/gomlx/neurun/backend/gomlx"
	"github.com/gomlx/neurun/codegen"
	"github.com/gomlx/neurun/execution"
	"github.com/gomlx/neurun/internal/graphtest"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")
	flagPrintPlan     = flag.Bool("print_plan", false, "Prints the compiled plans")

	// Backend configurations benchmarked.
	benchConfigs = []string{"cpu", "cpu,FullyConnected=gomlx,Softmax=gomlx"}
	BatchSizes   = []int{1, 16, 64}
)

func newResolver(gomlxBackend *gomlx.Backend, config string) backend.Resolver {
	return must.M1(backend.NewResolver(must.M1(backend.ParseConfig(config)), cpu.New(), gomlxBackend))
}

func compileConvNet(resolver backend.Resolver, batchSize int) *codegen.Plan {
	b := graphtest.NewBuilder()
	b.BuildConvNet(batchSize, rand.New(rand.NewPCG(42, 0)))
	return must.M1(codegen.NewCompiler(resolver).Compile(b.Graph()))
}

func randomImages(batchSize int) []byte {
	r := rand.New(rand.NewPCG(42, 0))
	const size = graphtest.ConvNetImageSize * graphtest.ConvNetImageSize * graphtest.ConvNetChannels
	values := make([]float32, batchSize*size)
	for i := range values {
		values[i] = r.Float32()
	}
	return graphtest.Float32Bytes(values...)
}

func TestBenchConvNet(t *testing.T) {
	if testing.Short() {
		fmt.Printf("Skipping ConvNet benchmark test: --short is set\n")
		t.SkipNow()
	}
	if *flagBenchDuration == 0 {
		fmt.Printf("Skipping ConvNet benchmark test: --bench_duration is not set\n")
		t.SkipNow()
	}
	gomlxBackend := must.M1(gomlx.New())
	defer gomlxBackend.Finalize()
	for _, config := range benchConfigs {
		resolver := newResolver(gomlxBackend, config)
		for batchIdx, batchSize := range BatchSizes {
			plan := compileConvNet(resolver, batchSize)
			if *flagPrintPlan && batchIdx == 0 {
				fmt.Printf("%s\n", plan)
			}
			e := execution.New(plan)
			images := randomImages(batchSize)
			output := make([]byte, 4*batchSize*graphtest.ConvNetClasses)
			benchFn := benchmarks.NamedFunction{
				Name: fmt.Sprintf("%s/%s/batchSize=%02d", t.Name(), config, batchSize),
				Func: func() {
					must.M(e.SetInput(0, images))
					must.M(e.Run())
					must.M(e.CopyOutput(0, output))
				},
			}
			runtime.LockOSThread()
			benchmarks.New(benchFn).
				WithWarmUps(16).
				WithDuration(*flagBenchDuration).
				WithHeader(batchIdx == 0).
				Done()
			runtime.UnlockOSThread()
			plan.Finalize()
		}
	}
}

// TestConvNetBackendsAgree checks that the benchmarked configurations compute the same probabilities.
func TestConvNetBackendsAgree(t *testing.T) {
	gomlxBackend := must.M1(gomlx.New())
	defer gomlxBackend.Finalize()
	const batchSize = 2
	images := randomImages(batchSize)
	var results [][]float32
	for _, config := range benchConfigs {
		plan := compileConvNet(newResolver(gomlxBackend, config), batchSize)
		e := execution.New(plan)
		must.M(e.SetInput(0, images))
		must.M(e.Run())
		output := make([]byte, 4*batchSize*graphtest.ConvNetClasses)
		must.M(e.CopyOutput(0, output))
		plan.Finalize()
		results = append(results, graphtest.BytesFloat32(output))
	}
	for ii := 1; ii < len(results); ii++ {
		require.InDeltaSlice(t, results[0], results[ii], 1e-4, "config %q", benchConfigs[ii])
	}
	for example := range batchSize {
		var sum float32
		for _, p := range results[0][example*graphtest.ConvNetClasses : (example+1)*graphtest.ConvNetClasses] {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-3, "example #%d", example)
	}
}

// BenchmarkConvNetCompile measures the compilation of the ConvNet, with weights on the cpu backend.
func BenchmarkConvNetCompile(b *testing.B) {
	resolver := must.M1(backend.NewResolver(backend.Config{}, cpu.New()))
	for b.Loop() {
		compileConvNet(resolver, 1).Finalize()
	}
}
