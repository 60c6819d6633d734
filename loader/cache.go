package loader

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/microsoft/hat/device"
)

// ModuleCache memoizes compiled device binaries (PTX or HSACO) keyed by
// the device source file path, amortizing compilation across repeated
// calls to functions from the same source. Lifetime is the process
// unless explicitly cleared. Create semantics are at-most-once per
// writer; a lost check-then-create race costs a recompile, not
// correctness.
type ModuleCache struct {
	mu     sync.Mutex
	images map[string][]byte
}

// NewModuleCache creates an empty cache.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{images: make(map[string][]byte)}
}

// Load returns the compiled image for a source path, reading and
// compiling it on first use.
func (c *ModuleCache) Load(path string, compile func(source string) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	image, ok := c.images[path]
	c.mu.Unlock()
	if ok {
		return image, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading device source %s", path)
	}
	image, err = compile(string(src))
	if err != nil {
		return nil, errors.Wrapf(err, "compiling %s", path)
	}
	klog.V(1).Infof("compiled %s (%d bytes)", path, len(image))

	c.mu.Lock()
	c.images[path] = image
	c.mu.Unlock()
	return image, nil
}

// Clear drops all cached images.
func (c *ModuleCache) Clear() {
	c.mu.Lock()
	c.images = make(map[string][]byte)
	c.mu.Unlock()
}

// MemoryPool retains freed device buffers keyed by size so benchmark
// batches avoid repeated allocation. It is an explicit opt-in; the
// default lifecycle frees buffers at batch cleanup.
type MemoryPool struct {
	mu   sync.Mutex
	drv  device.Driver
	free map[int64][]device.Ptr
}

// NewMemoryPool creates a pool releasing through drv.
func NewMemoryPool(drv device.Driver) *MemoryPool {
	return &MemoryPool{drv: drv, free: make(map[int64][]device.Ptr)}
}

// Get returns a retained buffer of exactly the requested size, if any.
func (p *MemoryPool) Get(bytes int64) (device.Ptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.free[bytes]
	if len(list) == 0 {
		return 0, false
	}
	ptr := list[len(list)-1]
	p.free[bytes] = list[:len(list)-1]
	return ptr, true
}

// Put retains a buffer for reuse instead of freeing it.
func (p *MemoryPool) Put(bytes int64, ptr device.Ptr) {
	p.mu.Lock()
	p.free[bytes] = append(p.free[bytes], ptr)
	p.mu.Unlock()
}

// Drain frees every retained buffer.
func (p *MemoryPool) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for size, list := range p.free {
		for _, ptr := range list {
			if err := p.drv.Free(ptr); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.free, size)
	}
	return firstErr
}
