package loader

import (
	"github.com/microsoft/hat/callable"
	"github.com/microsoft/hat/device"
)

// rocmCompileOpts are the hiprtc options device sources compile with.
var rocmCompileOpts = []string{
	"--offload-arch=gfx906",
}

// RocmFunc executes a ROCm/HIP kernel through the five-phase
// lifecycle. Orchestration is identical to the CUDA variant at the
// protocol level; only the compiler options, the HSACO module cache,
// and the final-sync policy differ.
type RocmFunc struct {
	deviceFunc
}

// NewRocmFunc builds a HIP-backed callable for one function signature.
func NewRocmFunc(fn *callable.FunctionInfo, drv device.Driver, cfg DeviceConfig) *RocmFunc {
	// In non-benchmark mode the device-to-host result copy performed
	// in batch cleanup already synchronizes, so the run phase skips
	// the extra stream sync.
	return &RocmFunc{deviceFunc: newDeviceFunc(fn, drv, cfg, rocmCompileOpts, false)}
}

var _ callable.CallableFunc = (*RocmFunc)(nil)
