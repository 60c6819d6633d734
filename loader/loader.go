// Package loader binds parsed HAT function records to execution
// backends: a plain shared-library call on the CPU, a CUDA kernel
// launch, or a ROCm/HIP kernel launch. All three run behind the same
// five-phase lifecycle; the loader only decides which variant a
// function gets and wires its launch geometry and module source.
package loader

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/microsoft/hat/callable"
	"github.com/microsoft/hat/device"
	"github.com/microsoft/hat/hatfile"
)

// Runtime names accepted in HAT function records.
const (
	RuntimeCUDA = "CUDA"
	RuntimeROCM = "ROCM"
)

// Providers supplies the external collaborators the loader needs: the
// vendor drivers for device runtimes and a symbol resolver for host
// functions. Locating and loading binaries is the caller's concern.
type Providers struct {
	// ResolveSymbol returns the callable symbol for a host function,
	// given its record and the package's link target.
	ResolveSymbol func(fn hatfile.Function, linkTarget string) (device.Symbol, error)

	CUDA device.Driver
	ROCM device.Driver

	// ModuleCache, when set, is shared across functions so a source
	// file compiles once per process.
	ModuleCache *ModuleCache
	// MemoryPool opts device backends into benchmark buffer reuse.
	MemoryPool *MemoryPool
}

// ForFunction builds the callable and signature for one function of a
// HAT package.
func ForFunction(hf *hatfile.HATFile, name string, p Providers) (callable.CallableFunc, *callable.FunctionInfo, error) {
	rec, ok := hf.Functions[name]
	if !ok {
		return nil, nil, errors.Errorf("loader: %s has no function %s", hf.Name, name)
	}

	if rec.Launches == "" {
		fn, err := callable.NewFunctionInfo(rec)
		if err != nil {
			return nil, nil, err
		}
		if p.ResolveSymbol == nil {
			return nil, nil, errors.Errorf("loader: %s is a host function but no symbol resolver was provided", name)
		}
		sym, err := p.ResolveSymbol(rec, hf.Dependencies.LinkTarget)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "loader: resolving symbol for %s", name)
		}
		return NewHostFunc(fn, sym), fn, nil
	}

	dev, err := hf.DeviceFunction(rec)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loader")
	}
	fn, err := callable.NewFunctionInfo(dev)
	if err != nil {
		return nil, nil, err
	}

	grid, block, err := launchDims(dev.LaunchParameters)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loader: function %s", name)
	}
	cfg := DeviceConfig{
		SourcePath:     filepath.Join(filepath.Dir(hf.Path), dev.Provider),
		Grid:           grid,
		Block:          block,
		SharedMemBytes: int(dev.DynamicSharedMemBytes),
		Cache:          p.ModuleCache,
		Pool:           p.MemoryPool,
	}

	switch rec.Runtime {
	case RuntimeCUDA:
		if p.CUDA == nil {
			return nil, nil, errors.Errorf("loader: %s requires a CUDA driver", name)
		}
		return NewCudaFunc(fn, p.CUDA, cfg), fn, nil
	case RuntimeROCM:
		if p.ROCM == nil {
			return nil, nil, errors.Errorf("loader: %s requires a ROCm driver", name)
		}
		return NewRocmFunc(fn, p.ROCM, cfg), fn, nil
	default:
		return nil, nil, errors.Errorf("loader: function %s has unsupported runtime %q", name, rec.Runtime)
	}
}

// launchDims splits the six launch parameters into grid and block
// extents.
func launchDims(params []int64) (grid, block device.Dim3, err error) {
	if len(params) != 6 {
		return grid, block, errors.Errorf("expected 6 launch parameters, got %d", len(params))
	}
	grid = device.Dim3{X: int(params[0]), Y: int(params[1]), Z: int(params[2])}
	block = device.Dim3{X: int(params[3]), Y: int(params[4]), Z: int(params[5])}
	return grid, block, nil
}
