package loader

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/microsoft/hat/callable"
	"github.com/microsoft/hat/device"
)

// DeviceConfig describes how a device function is compiled and
// launched.
type DeviceConfig struct {
	// SourcePath locates the device source file; it keys the module
	// cache.
	SourcePath string
	Grid       device.Dim3
	Block      device.Dim3
	// SharedMemBytes is the dynamic shared memory per launch.
	SharedMemBytes int
	// Cache amortizes compilation across lifecycle instances. A
	// private cache is created when nil.
	Cache *ModuleCache
	// Pool, when set, retains same-sized device buffers across
	// benchmark batches instead of freeing them. Off by default.
	Pool *MemoryPool
}

// deviceFunc is the orchestration shared by the CUDA and ROCm
// variants. The two differ only in compile options, cache instance,
// and whether the non-benchmark path needs an explicit sync after the
// launch loop.
type deviceFunc struct {
	fn  *callable.FunctionInfo
	drv device.Driver
	cfg DeviceConfig

	compileOpts []string
	// syncAfterRun forces a stream sync at the end of a non-benchmark
	// RunBatch. Backends whose result transfer already implies a sync
	// leave it off.
	syncAfterRun bool

	module device.Module
	kernel device.Kernel
	stream device.Stream
	start  device.Event
	stop   device.Event

	devMem   []device.Ptr
	argBlock *device.ArgBlock
}

func newDeviceFunc(fn *callable.FunctionInfo, drv device.Driver, cfg DeviceConfig, compileOpts []string, syncAfterRun bool) deviceFunc {
	if cfg.Cache == nil {
		cfg.Cache = NewModuleCache()
	}
	return deviceFunc{
		fn:           fn,
		drv:          drv,
		cfg:          cfg,
		compileOpts:  compileOpts,
		syncAfterRun: syncAfterRun,
	}
}

func (d *deviceFunc) InitRuntime(opts callable.RunOptions) error {
	if err := d.drv.Init(); err != nil {
		return errors.Wrap(err, "initializing driver")
	}
	if err := d.drv.SetDevice(opts.DeviceID); err != nil {
		return errors.Wrapf(err, "binding device %d", opts.DeviceID)
	}

	image, err := d.cfg.Cache.Load(d.cfg.SourcePath, func(source string) ([]byte, error) {
		return d.drv.Compile(source, d.fn.Name, d.compileOpts)
	})
	if err != nil {
		return err
	}

	d.module, err = d.drv.LoadModule(image)
	if err != nil {
		return errors.Wrapf(err, "loading module for %s", d.fn.Name)
	}
	d.kernel, err = d.drv.GetFunction(d.module, d.fn.Name)
	if err != nil {
		return errors.Wrapf(err, "resolving kernel %s", d.fn.Name)
	}
	return nil
}

func (d *deviceFunc) InitBatch(opts callable.RunOptions, warmupIters int, args []*callable.ArgValue) error {
	if err := d.fn.Verify(args); err != nil {
		return err
	}

	var err error
	if d.stream, err = d.drv.CreateStream(); err != nil {
		return errors.Wrap(err, "creating stream")
	}

	if err := d.allocateBuffers(opts, args); err != nil {
		return err
	}
	if err := d.transferToDevice(args); err != nil {
		return err
	}
	d.packArgBlock(args)

	if d.start, err = d.drv.CreateEvent(); err != nil {
		return errors.Wrap(err, "creating start event")
	}
	if d.stop, err = d.drv.CreateEvent(); err != nil {
		return errors.Wrap(err, "creating stop event")
	}

	for i := 0; i < warmupIters; i++ {
		if err := d.launch(); err != nil {
			return err
		}
	}
	if warmupIters > 0 {
		if err := d.drv.SynchronizeStream(d.stream); err != nil {
			return errors.Wrap(err, "draining warmup")
		}
	}
	return nil
}

// allocateBuffers sizes one device buffer per pointer parameter. Every
// symbolic dimension must have resolved by now, so the byte size is a
// concrete integer. A failure mid-loop releases the buffers already
// allocated before propagating.
func (d *deviceFunc) allocateBuffers(opts callable.RunOptions, args []*callable.ArgValue) error {
	d.devMem = make([]device.Ptr, len(args))
	for i, info := range d.fn.Arguments {
		if info.PointerLevel == 0 || info.Kind == callable.KindVoid {
			continue
		}
		if !info.Resolved() {
			d.releaseBuffers(opts)
			return errors.Errorf("parameter %s: device call requires a resolved size", info.Name)
		}

		ptr, pooled := d.pooledAlloc(opts, info.TotalByteSize)
		if !pooled {
			var err error
			if ptr, err = d.drv.Alloc(info.TotalByteSize); err != nil {
				d.releaseBuffers(opts)
				return &callable.AllocationError{Parameter: info.Name, Bytes: info.TotalByteSize, Err: err}
			}
		}
		d.devMem[i] = ptr
		if info.PointerLevel == 2 {
			// the handle observes the orchestrator-owned device address
			args[i].SetHandle(unsafe.Pointer(uintptr(ptr)))
		}
	}
	return nil
}

func (d *deviceFunc) pooledAlloc(opts callable.RunOptions, bytes int64) (device.Ptr, bool) {
	if !opts.Benchmark || d.cfg.Pool == nil {
		return 0, false
	}
	return d.cfg.Pool.Get(bytes)
}

func (d *deviceFunc) transferToDevice(args []*callable.ArgValue) error {
	for i, info := range d.fn.Arguments {
		if d.devMem[i] == 0 || !info.Usage.IsInput() {
			continue
		}
		buf := args[i].Bytes()
		if len(buf) == 0 {
			continue
		}
		if err := d.drv.CopyToDevice(d.devMem[i], unsafe.Pointer(&buf[0]), int64(len(buf))); err != nil {
			return errors.Wrapf(err, "copying %s to device", info.Name)
		}
	}
	return nil
}

// packArgBlock fills the pointer-sized slot per parameter, in signature
// order: device addresses for pointer parameters, raw bits for by-value
// scalars.
func (d *deviceFunc) packArgBlock(args []*callable.ArgValue) {
	if d.argBlock == nil || d.argBlock.Len() != len(args) {
		d.argBlock = device.NewArgBlock(len(args))
	}
	for i, info := range d.fn.Arguments {
		if info.PointerLevel == 0 {
			d.argBlock.SetScalar(i, args[i].AsNativeCall().Bits)
			continue
		}
		d.argBlock.SetPointer(i, d.devMem[i])
	}
}

func (d *deviceFunc) launch() error {
	err := d.drv.Launch(d.kernel, d.cfg.Grid, d.cfg.Block, d.cfg.SharedMemBytes, d.stream, d.argBlock)
	if err != nil {
		return &callable.LaunchError{Function: d.fn.Name, Err: err}
	}
	return nil
}

func (d *deviceFunc) RunBatch(opts callable.RunOptions, iters int, args []*callable.ArgValue) (float64, error) {
	if opts.Benchmark {
		return d.runTimed(iters)
	}

	started := time.Now()
	for i := 0; i < iters; i++ {
		if err := d.launch(); err != nil {
			return 0, err
		}
	}
	if d.syncAfterRun {
		if err := d.drv.SynchronizeStream(d.stream); err != nil {
			return 0, errors.Wrap(err, "synchronizing stream")
		}
	}
	return float64(time.Since(started)) / float64(time.Millisecond), nil
}

// runTimed brackets iters back-to-back launches with the event pair
// and returns the elapsed device milliseconds.
func (d *deviceFunc) runTimed(iters int) (float64, error) {
	if err := d.drv.RecordEvent(d.start, d.stream); err != nil {
		return 0, errors.Wrap(err, "recording start event")
	}
	for i := 0; i < iters; i++ {
		if err := d.launch(); err != nil {
			return 0, err
		}
	}
	if err := d.drv.RecordEvent(d.stop, d.stream); err != nil {
		return 0, errors.Wrap(err, "recording stop event")
	}
	if err := d.drv.SynchronizeStream(d.stream); err != nil {
		return 0, errors.Wrap(err, "synchronizing stream")
	}
	ms, err := d.drv.EventElapsed(d.start, d.stop)
	if err != nil {
		return 0, errors.Wrap(err, "reading event elapsed time")
	}
	return ms, nil
}

func (d *deviceFunc) CleanupBatch(opts callable.RunOptions, args []*callable.ArgValue) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(d.transferFromDevice(args))
	keep(d.resolveOutputShapes(args))
	d.releaseBuffers(opts)

	if d.start != 0 {
		keep(d.drv.DestroyEvent(d.start))
		d.start = 0
	}
	if d.stop != 0 {
		keep(d.drv.DestroyEvent(d.stop))
		d.stop = 0
	}
	if d.stream != 0 {
		keep(d.drv.DestroyStream(d.stream))
		d.stream = 0
	}
	return firstErr
}

func (d *deviceFunc) transferFromDevice(args []*callable.ArgValue) error {
	for i, info := range d.fn.Arguments {
		if i >= len(d.devMem) || d.devMem[i] == 0 || !info.Usage.IsOutput() {
			continue
		}
		buf := args[i].Bytes()
		if len(buf) == 0 {
			continue
		}
		if err := d.drv.CopyFromDevice(unsafe.Pointer(&buf[0]), d.devMem[i], int64(len(buf))); err != nil {
			return errors.Wrapf(err, "copying %s from device", info.Name)
		}
	}
	return nil
}

func (d *deviceFunc) resolveOutputShapes(args []*callable.ArgValue) error {
	for _, v := range args {
		if v == nil || len(v.DimValues) == 0 {
			continue
		}
		shape, err := v.ResolveOutputShape()
		if err != nil {
			return err
		}
		v.Shape = shape
		klog.V(2).Infof("%s: output %s resolved to shape %v", d.fn.Name, v.Info.Name, shape)
	}
	return nil
}

func (d *deviceFunc) releaseBuffers(opts callable.RunOptions) {
	for i, ptr := range d.devMem {
		if ptr == 0 {
			continue
		}
		if opts.Benchmark && d.cfg.Pool != nil {
			d.cfg.Pool.Put(d.fn.Arguments[i].TotalByteSize, ptr)
		} else if err := d.drv.Free(ptr); err != nil {
			klog.Errorf("freeing device buffer for %s: %v", d.fn.Arguments[i].Name, err)
		}
		d.devMem[i] = 0
	}
}

func (d *deviceFunc) CleanupRuntime(opts callable.RunOptions) error {
	if d.module == 0 {
		return nil
	}
	err := d.drv.UnloadModule(d.module)
	d.module = 0
	d.kernel = 0
	return errors.Wrap(err, "unloading module")
}
