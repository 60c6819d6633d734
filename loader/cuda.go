package loader

import (
	"github.com/microsoft/hat/callable"
	"github.com/microsoft/hat/device"
)

// cudaCompileOpts are the nvrtc options device sources compile with.
var cudaCompileOpts = []string{
	"-use_fast_math",
	"-default-device",
	"-std=c++11",
	"-arch=sm_52",
}

// CudaFunc executes a CUDA kernel through the five-phase lifecycle:
// nvrtc compilation (cached as PTX per source path), per-parameter
// device buffers, host-to-device transfer, event-timed launches on a
// single stream, and device-to-host result transfer.
type CudaFunc struct {
	deviceFunc
}

// NewCudaFunc builds a CUDA-backed callable for one function signature.
func NewCudaFunc(fn *callable.FunctionInfo, drv device.Driver, cfg DeviceConfig) *CudaFunc {
	// CUDA drains the stream itself at the end of every run; result
	// transfer alone is not assumed to synchronize.
	return &CudaFunc{deviceFunc: newDeviceFunc(fn, drv, cfg, cudaCompileOpts, true)}
}

var _ callable.CallableFunc = (*CudaFunc)(nil)
