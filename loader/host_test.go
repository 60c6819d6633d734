package loader

import (
	"math"
	"math/rand"
	"os"
	"testing"
	"unsafe"

	"github.com/microsoft/hat/callable"
	"github.com/microsoft/hat/device"
	"github.com/microsoft/hat/hatfile"
)

func TestHostFunc_SingleCall(t *testing.T) {
	fn := axpyInfo(t, 4)

	// B = alpha * A through the native calling convention
	sym := device.SymbolFunc(func(args []callable.NativeArg) error {
		alpha := math.Float32frombits(uint32(args[0].Bits))
		a := unsafe.Slice((*float32)(args[1].Ptr), 4)
		b := unsafe.Slice((*float32)(args[2].Ptr), 4)
		for i := range a {
			b[i] = alpha * a[i]
		}
		return nil
	})

	hf := NewHostFunc(fn, sym)
	args, err := fn.GenerateArgValues(rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("GenerateArgValues failed: %v", err)
	}
	args[0] = callable.NewScalar(fn.Arguments[0], uint64(math.Float32bits(2.5)))

	if _, err := callable.Call(hf, args, callable.RunOptions{}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	in := unsafe.Slice((*float32)(args[1].AsNativeCall().Ptr), 4)
	out := unsafe.Slice((*float32)(args[2].AsNativeCall().Ptr), 4)
	for i := range in {
		if out[i] != 2.5*in[i] {
			t.Errorf("Element %d: expected %v, got %v", i, 2.5*in[i], out[i])
		}
	}
}

func TestHostFunc_ResolvesOutputShapesAfterCall(t *testing.T) {
	fn, err := callable.NewFunctionInfo(hatfile.Function{
		Name: "compress",
		Arguments: []hatfile.Parameter{
			{Name: "out", LogicalType: hatfile.RuntimeArray, DeclaredType: "float*", Usage: hatfile.Output,
				Shape: []interface{}{"m"}, Size: "m"},
			{Name: "m", LogicalType: hatfile.Element, DeclaredType: "int64_t*", Usage: hatfile.Output},
		},
	})
	if err != nil {
		t.Fatalf("NewFunctionInfo failed: %v", err)
	}

	// the callee reports the output extent through m
	sym := device.SymbolFunc(func(args []callable.NativeArg) error {
		*(*int64)(args[1].Ptr) = 3
		return nil
	})

	args, err := fn.ExpandArgs(nil)
	if err != nil {
		t.Fatalf("ExpandArgs failed: %v", err)
	}
	if _, err := callable.Call(NewHostFunc(fn, sym), args, callable.RunOptions{}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if got := args[1].Int(); got != 3 {
		t.Errorf("Expected m written as 3, got %d", got)
	}
	if len(args[0].Shape) != 1 || args[0].Shape[0] != 3 {
		t.Errorf("Expected output shape [3] after cleanup, got %v", args[0].Shape)
	}
}

func TestHostFunc_BenchmarkScratchDirLifetime(t *testing.T) {
	fn := axpyInfo(t, 4)
	h := NewHostFunc(fn, device.SymbolFunc(func([]callable.NativeArg) error { return nil }))

	var seen string
	sym := device.SymbolFunc(func([]callable.NativeArg) error {
		if seen == "" {
			seen = h.ScratchDir()
		}
		return nil
	})
	h.sym = sym

	args, err := fn.GenerateArgValues(rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("GenerateArgValues failed: %v", err)
	}
	_, err = callable.Benchmark(h, args, callable.BenchmarkOptions{
		RunOptions: callable.RunOptions{WorkingDir: t.TempDir()},
		MinBatches: 1,
	})
	if err != nil {
		t.Fatalf("Benchmark failed: %v", err)
	}

	if seen == "" {
		t.Fatal("Expected a scratch directory during the benchmark")
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Errorf("Expected the scratch directory removed after cleanup, stat err %v", err)
	}
	if h.ScratchDir() != "" {
		t.Errorf("Expected the scratch dir cleared, got %q", h.ScratchDir())
	}
}

func TestHostFunc_NoScratchDirOutsideBenchmark(t *testing.T) {
	fn := axpyInfo(t, 4)
	h := NewHostFunc(fn, device.SymbolFunc(func([]callable.NativeArg) error { return nil }))
	args, err := fn.GenerateArgValues(rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("GenerateArgValues failed: %v", err)
	}
	if _, err := callable.Call(h, args, callable.RunOptions{WorkingDir: t.TempDir()}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if h.ScratchDir() != "" {
		t.Errorf("Expected no scratch dir for a plain call, got %q", h.ScratchDir())
	}
}

func TestHostFunc_RotatesInputSets(t *testing.T) {
	fn := axpyInfo(t, 4)

	var seen []unsafe.Pointer
	h := NewHostFunc(fn, device.SymbolFunc(func(args []callable.NativeArg) error {
		seen = append(seen, args[1].Ptr)
		return nil
	}))

	sets, err := fn.GenerateInputSets(rand.New(rand.NewSource(1)), 0, 2)
	if err != nil {
		t.Fatalf("GenerateInputSets failed: %v", err)
	}
	if len(sets) != 3 {
		t.Fatalf("Expected 3 input sets, got %d", len(sets))
	}
	h.SetInputSets(sets)

	_, err = callable.Benchmark(h, sets[0], callable.BenchmarkOptions{
		WarmupIters:   1,
		ItersPerBatch: 3,
		MinBatches:    1,
	})
	if err != nil {
		t.Fatalf("Benchmark failed: %v", err)
	}

	// 1 warmup + 3 timed iterations cycle through sets 0,1,2,0
	if len(seen) != 4 {
		t.Fatalf("Expected 4 invocations, got %d", len(seen))
	}
	if seen[0] != seen[3] {
		t.Error("Expected the rotation to wrap back to the first set")
	}
	if seen[0] == seen[1] || seen[1] == seen[2] {
		t.Error("Expected consecutive iterations to use different input sets")
	}
}
