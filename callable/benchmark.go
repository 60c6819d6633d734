package callable

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// BenchmarkOptions configures the timed batch loop.
type BenchmarkOptions struct {
	RunOptions

	// WarmupIters untimed invocations stabilize caches and clocks
	// before timing starts.
	WarmupIters int
	// ItersPerBatch invocations share one timing window.
	ItersPerBatch int
	// MinBatches and MinTime must both be satisfied before the loop
	// stops. The loop is a liveness target, not a cancellable
	// operation: at least one full batch always completes.
	MinBatches int
	MinTime    time.Duration
}

func (o BenchmarkOptions) withDefaults() BenchmarkOptions {
	if o.WarmupIters <= 0 {
		o.WarmupIters = 10
	}
	if o.ItersPerBatch <= 0 {
		o.ItersPerBatch = 100
	}
	if o.MinBatches <= 0 {
		o.MinBatches = 10
	}
	o.Benchmark = true
	return o
}

// BenchmarkResult reports the outcome of one benchmark run.
type BenchmarkResult struct {
	// MeanSeconds is the mean duration per call.
	MeanSeconds float64
	// BatchTimings holds the elapsed seconds of each timed batch.
	BatchTimings []float64
}

// Benchmark drives fn through the lifecycle with repeated timed batches
// until both the minimum elapsed time and the minimum batch count are
// satisfied.
func Benchmark(fn CallableFunc, args []*ArgValue, opts BenchmarkOptions) (res BenchmarkResult, err error) {
	opts = opts.withDefaults()

	if err = fn.InitRuntime(opts.RunOptions); err != nil {
		return res, errors.Wrap(err, "init runtime")
	}
	defer func() {
		if cerr := fn.CleanupRuntime(opts.RunOptions); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "cleanup runtime")
		}
	}()

	if opts.Verbose {
		klog.Infof("benchmarking %s input set, warming up for %d iterations",
			humanize.IBytes(uint64(TotalInputBytes(args))), opts.WarmupIters)
	}

	berr := fn.InitBatch(opts.RunOptions, opts.WarmupIters, args)
	if berr == nil {
		res.BatchTimings, berr = runBatches(fn, args, opts)
	}
	cerr := fn.CleanupBatch(opts.RunOptions, args)

	if berr != nil {
		return BenchmarkResult{}, berr
	}
	if cerr != nil {
		return BenchmarkResult{}, errors.Wrap(cerr, "cleanup batch")
	}

	res.MeanSeconds = stat.Mean(res.BatchTimings, nil) / float64(opts.ItersPerBatch)
	if opts.Verbose {
		klog.Infof("%d batches of %d iterations, mean %.9fs per call",
			len(res.BatchTimings), opts.ItersPerBatch, res.MeanSeconds)
	}
	return res, nil
}

func runBatches(fn CallableFunc, args []*ArgValue, opts BenchmarkOptions) ([]float64, error) {
	var timings []float64
	var elapsed time.Duration
	for len(timings) < opts.MinBatches || elapsed < opts.MinTime {
		ms, err := fn.RunBatch(opts.RunOptions, opts.ItersPerBatch, args)
		if err != nil {
			return nil, err
		}
		timings = append(timings, ms/1e3)
		elapsed += time.Duration(ms * float64(time.Millisecond))
		if opts.Verbose {
			klog.V(1).Infof("batch %d: %.6fs", len(timings), ms/1e3)
		}
	}
	return timings, nil
}
