package callable

import (
	"github.com/pkg/errors"
)

// RunOptions carries the per-call settings shared by every backend.
type RunOptions struct {
	// Benchmark selects the batched timing forms of each phase.
	Benchmark bool
	// DeviceID selects the accelerator for device backends.
	DeviceID int
	// WorkingDir is where the CPU profiler backend places generated
	// scaffolding. Empty means the process working directory.
	WorkingDir string
	// Verbose enables progress logging.
	Verbose bool
}

// CallableFunc is the backend-agnostic execution lifecycle. Phases run
// strictly in order:
//
//	InitRuntime -> InitBatch -> RunBatch* -> CleanupBatch -> CleanupRuntime
//
// A failure in any phase still runs the cleanup phases for every phase
// already entered; device memory leaks are otherwise silent, so release
// on all exit paths is load-bearing here.
type CallableFunc interface {
	// InitRuntime acquires process- or device-global state: loads or
	// compiles a module, binds a device context. Errors are fatal to
	// the call.
	InitRuntime(opts RunOptions) error

	// InitBatch verifies arguments, allocates and transfers
	// backend-owned resources, and performs warmupIters untimed
	// invocations.
	InitBatch(opts RunOptions, warmupIters int, args []*ArgValue) error

	// RunBatch executes iters invocations back-to-back inside one
	// timing window and returns the elapsed milliseconds. With
	// iters == 1 this is also the path that produces the function's
	// real result.
	RunBatch(opts RunOptions, iters int, args []*ArgValue) (float64, error)

	// CleanupBatch transfers results back, extracts output shapes, and
	// releases batch-scoped resources.
	CleanupBatch(opts RunOptions, args []*ArgValue) error

	// CleanupRuntime releases runtime-global resources.
	CleanupRuntime(opts RunOptions) error
}

// Call drives fn through all five phases for a single invocation and
// returns the elapsed milliseconds. Cleanup phases run even when an
// inner phase fails; the first error wins and later cleanup errors are
// attached as context only when nothing else failed.
func Call(fn CallableFunc, args []*ArgValue, opts RunOptions) (elapsedMs float64, err error) {
	opts.Benchmark = false
	if err = fn.InitRuntime(opts); err != nil {
		return 0, errors.Wrap(err, "init runtime")
	}
	defer func() {
		if cerr := fn.CleanupRuntime(opts); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "cleanup runtime")
		}
	}()

	berr := fn.InitBatch(opts, 0, args)
	if berr == nil {
		elapsedMs, berr = fn.RunBatch(opts, 1, args)
	}
	// batch cleanup runs whether or not init or run succeeded
	cerr := fn.CleanupBatch(opts, args)

	if berr != nil {
		return 0, berr
	}
	if cerr != nil {
		return 0, errors.Wrap(cerr, "cleanup batch")
	}
	return elapsedMs, nil
}
