package loader

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/microsoft/hat/callable"
	"github.com/microsoft/hat/device"
)

// HostFunc executes a CPU shared-library function through the
// five-phase lifecycle. The call blocks for its duration and is timed
// with the wall clock.
type HostFunc struct {
	fn  *callable.FunctionInfo
	sym device.Symbol

	// inputSets, when set, are rotated across benchmark iterations so
	// repeated timing does not rerun against cache-resident data.
	inputSets [][]*callable.ArgValue
	next      int

	scratchDir string
}

// NewHostFunc builds a host-backed callable around a loaded symbol.
func NewHostFunc(fn *callable.FunctionInfo, sym device.Symbol) *HostFunc {
	return &HostFunc{fn: fn, sym: sym}
}

var _ callable.CallableFunc = (*HostFunc)(nil)

// SetInputSets installs pre-generated argument sets for benchmark
// rotation. See FunctionInfo.GenerateInputSets.
func (h *HostFunc) SetInputSets(sets [][]*callable.ArgValue) { h.inputSets = sets }

// ScratchDir is where profiler scaffolding for this lifecycle lives.
// Empty until InitRuntime runs in benchmark mode.
func (h *HostFunc) ScratchDir() string { return h.scratchDir }

func (h *HostFunc) InitRuntime(opts callable.RunOptions) error {
	if !opts.Benchmark {
		return nil
	}
	base := opts.WorkingDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "hat_profile_"+uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating scratch dir for %s", h.fn.Name)
	}
	h.scratchDir = dir
	return nil
}

func (h *HostFunc) InitBatch(opts callable.RunOptions, warmupIters int, args []*callable.ArgValue) error {
	if err := h.fn.Verify(args); err != nil {
		return err
	}
	for i := 0; i < warmupIters; i++ {
		if err := h.invoke(opts, args); err != nil {
			return errors.Wrap(err, "warmup")
		}
	}
	return nil
}

func (h *HostFunc) RunBatch(opts callable.RunOptions, iters int, args []*callable.ArgValue) (float64, error) {
	started := time.Now()
	for i := 0; i < iters; i++ {
		if err := h.invoke(opts, args); err != nil {
			return 0, err
		}
	}
	return float64(time.Since(started)) / float64(time.Millisecond), nil
}

func (h *HostFunc) invoke(opts callable.RunOptions, args []*callable.ArgValue) error {
	set := args
	if opts.Benchmark && len(h.inputSets) > 0 {
		set = h.inputSets[h.next%len(h.inputSets)]
		h.next++
	}
	return h.sym.Invoke(h.fn.NativeArgs(set))
}

func (h *HostFunc) CleanupBatch(opts callable.RunOptions, args []*callable.ArgValue) error {
	for _, v := range args {
		if v == nil || len(v.DimValues) == 0 {
			continue
		}
		shape, err := v.ResolveOutputShape()
		if err != nil {
			return err
		}
		v.Shape = shape
		klog.V(2).Infof("%s: output %s resolved to shape %v", h.fn.Name, v.Info.Name, shape)
	}
	return nil
}

// CleanupRuntime deletes the generated profiler scaffolding; the host
// backend is the only one that writes any.
func (h *HostFunc) CleanupRuntime(opts callable.RunOptions) error {
	if h.scratchDir == "" {
		return nil
	}
	err := os.RemoveAll(h.scratchDir)
	h.scratchDir = ""
	return errors.Wrap(err, "removing scratch dir")
}
