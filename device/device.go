// Package device declares the primitive operations the execution
// engine consumes from a vendor driver layer, plus the pointer-slot
// argument block used by kernel launches. Concrete drivers (CUDA
// driver API, HIP) live outside this module and are supplied by the
// embedding application.
package device

import (
	"unsafe"

	"github.com/microsoft/hat/callable"
)

// Ptr is an opaque device memory address.
type Ptr uintptr

// Module is an opaque loaded-module handle.
type Module uintptr

// Kernel is an opaque kernel-function handle.
type Kernel uintptr

// Stream is an opaque stream/queue handle.
type Stream uintptr

// Event is an opaque timing-event handle.
type Event uintptr

// Dim3 is a grid or block extent.
type Dim3 struct {
	X, Y, Z int
}

// Driver is the set of primitive operations a device backend needs.
// All calls are synchronous from the caller's perspective except
// Launch, which enqueues onto the given stream.
type Driver interface {
	Init() error
	SetDevice(id int) error

	Alloc(bytes int64) (Ptr, error)
	Free(p Ptr) error
	CopyToDevice(dst Ptr, src unsafe.Pointer, bytes int64) error
	CopyFromDevice(dst unsafe.Pointer, src Ptr, bytes int64) error

	Compile(source, name string, options []string) ([]byte, error)
	LoadModule(image []byte) (Module, error)
	GetFunction(m Module, name string) (Kernel, error)
	UnloadModule(m Module) error

	CreateStream() (Stream, error)
	SynchronizeStream(s Stream) error
	DestroyStream(s Stream) error

	CreateEvent() (Event, error)
	RecordEvent(e Event, s Stream) error
	// EventElapsed returns milliseconds between two recorded events.
	EventElapsed(start, end Event) (float64, error)
	DestroyEvent(e Event) error

	Launch(k Kernel, grid, block Dim3, sharedMemBytes int, s Stream, args *ArgBlock) error
}

// Symbol is a loaded host-side entry point: an opaque callable symbol
// from a shared library, invoked with the native argument list.
type Symbol interface {
	Invoke(args []callable.NativeArg) error
}

// SymbolFunc adapts a plain function to the Symbol interface.
type SymbolFunc func(args []callable.NativeArg) error

func (f SymbolFunc) Invoke(args []callable.NativeArg) error { return f(args) }
