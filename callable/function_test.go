package callable

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/microsoft/hat/hatfile"
)

func mustFunctionInfo(t *testing.T, name string, args ...hatfile.Parameter) *FunctionInfo {
	t.Helper()
	f, err := NewFunctionInfo(hatfile.Function{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("NewFunctionInfo(%s) failed: %v", name, err)
	}
	return f
}

func TestNewFunctionInfo_UnknownDimensionSymbol(t *testing.T) {
	_, err := NewFunctionInfo(hatfile.Function{
		Name: "scale",
		Arguments: []hatfile.Parameter{
			runtimeParam("A", "float*", hatfile.Input, []string{"k"}, "k"),
		},
	})
	if !errors.Is(err, ErrUnresolvedSymbol) {
		t.Errorf("Expected ErrUnresolvedSymbol for unknown shape symbol, got %v", err)
	}

	_, err = NewFunctionInfo(hatfile.Function{
		Name: "scale",
		Arguments: []hatfile.Parameter{
			runtimeParam("A", "float*", hatfile.Input, []string{"n"}, "n*blocks"),
			elementParam("n", "int64_t", hatfile.Input),
		},
	})
	if !errors.Is(err, ErrUnresolvedSymbol) {
		t.Errorf("Expected ErrUnresolvedSymbol for unknown size factor, got %v", err)
	}
}

func TestFunctionInfo_VerifyCountMismatch(t *testing.T) {
	f := mustFunctionInfo(t, "axpy",
		affineParam("A", "float*", hatfile.Input, []int64{4}, []int64{1}),
		elementParam("alpha", "float", hatfile.Input),
	)

	v, err := Materialize(f.Arguments[0], rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	verr := f.Verify([]*ArgValue{v})
	var cm *ArgumentCountMismatch
	if !errors.As(verr, &cm) {
		t.Fatalf("Expected ArgumentCountMismatch, got %v", verr)
	}
	if cm.Function != "axpy" || cm.Expected != 2 || cm.Actual != 1 {
		t.Errorf("Unexpected mismatch report: %+v", cm)
	}
}

func TestFunctionInfo_VerifyNamesFailingArgument(t *testing.T) {
	f := mustFunctionInfo(t, "copy",
		affineParam("src", "float*", hatfile.Input, []int64{4}, []int64{1}),
		affineParam("dst", "float*", hatfile.Output, []int64{4}, []int64{1}),
	)
	rng := rand.New(rand.NewSource(1))
	src, err := Materialize(f.Arguments[0], rng)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	wrong := WrapBuffer(f.Arguments[1], make([]byte, 8), []int{2}, nil)

	verr := f.Verify([]*ArgValue{src, wrong})
	var av *ArgumentVerificationError
	if !errors.As(verr, &av) {
		t.Fatalf("Expected ArgumentVerificationError, got %v", verr)
	}
	if av.Function != "copy" || av.Index != 1 || av.Property != "shape" {
		t.Errorf("Unexpected verification report: %+v", av)
	}
}

func TestGenerateArgValues_SharedDimension(t *testing.T) {
	f := mustFunctionInfo(t, "add",
		runtimeParam("A", "float*", hatfile.Input, []string{"n"}, "n"),
		runtimeParam("B", "float*", hatfile.Input, []string{"n"}, "n"),
		elementParam("n", "int64_t", hatfile.Input),
	)

	values, err := f.GenerateArgValues(rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("GenerateArgValues failed: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("Expected 3 values, got %d", len(values))
	}

	if i, ok := f.ParameterIndex("n"); !ok || i != 2 {
		t.Errorf("Expected parameter n at index 2, got %d (%v)", i, ok)
	}

	n := int(values[2].Int())
	if values[0].Shape[0] != n || values[1].Shape[0] != n {
		t.Errorf("Expected both arrays to share dimension %d, got %v and %v",
			n, values[0].Shape, values[1].Shape)
	}
	switch n {
	case 128, 256, 1234:
	default:
		t.Errorf("Drawn dimension %d is not one of the standard extents", n)
	}
	if len(values[0].Bytes()) != 4*n {
		t.Errorf("Expected %d bytes of float32 data, got %d", 4*n, len(values[0].Bytes()))
	}
}

func TestGenerateArgValues_OutputCrossRefs(t *testing.T) {
	f := mustFunctionInfo(t, "unique",
		elementParam("n", "int64_t", hatfile.Input),
		runtimeParam("out", "float**", hatfile.Output, []string{"m"}, "m"),
		elementParam("m", "int64_t*", hatfile.Output),
	)

	values, err := f.GenerateArgValues(rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("GenerateArgValues failed: %v", err)
	}

	out := values[1]
	if out.Kind != ValueHandle {
		t.Fatalf("Expected a handle for the depth-2 output, got %v", out.Kind)
	}
	if len(out.DimValues) != 1 || out.DimValues[0] != values[2] {
		t.Fatalf("Expected the output to cross-reference m, got %v", out.DimValues)
	}

	// callee writes the real extent through m
	values[2].SetInt(7)
	shape, err := out.ResolveOutputShape()
	if err != nil {
		t.Fatalf("ResolveOutputShape failed: %v", err)
	}
	if len(shape) != 1 || shape[0] != 7 {
		t.Errorf("Expected shape [7], got %v", shape)
	}
}

func TestExpandArgs_InfersDimsFromSuppliedArray(t *testing.T) {
	f := mustFunctionInfo(t, "scale",
		runtimeParam("A", "float*", hatfile.Input, []string{"n"}, "n"),
		elementParam("n", "int64_t", hatfile.Input),
	)

	a := WrapBuffer(f.Arguments[0], make([]byte, 40), []int{10}, nil)
	values, err := f.ExpandArgs([]*ArgValue{a})
	if err != nil {
		t.Fatalf("ExpandArgs failed: %v", err)
	}
	if values[0] != a {
		t.Error("Expected the supplied array to be consumed positionally")
	}
	if got := values[1].Int(); got != 10 {
		t.Errorf("Expected n inferred as 10, got %d", got)
	}
	if !f.Arguments[0].Resolved() || f.Arguments[0].TotalElementCount != 10 {
		t.Errorf("Expected the descriptor specialized to 10 elements, got %d",
			f.Arguments[0].TotalElementCount)
	}
}

func TestExpandArgs_LeftoverSupplied(t *testing.T) {
	f := mustFunctionInfo(t, "scale",
		affineParam("A", "float*", hatfile.Input, []int64{4}, []int64{1}),
	)

	rng := rand.New(rand.NewSource(1))
	a, err := Materialize(f.Arguments[0], rng)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	_, err = f.ExpandArgs([]*ArgValue{a, a})
	var cm *ArgumentCountMismatch
	if !errors.As(err, &cm) {
		t.Fatalf("Expected ArgumentCountMismatch for leftover values, got %v", err)
	}
	if cm.Expected != 1 || cm.Actual != 2 {
		t.Errorf("Unexpected mismatch report: %+v", cm)
	}
}

func TestExpandArgs_TwoPassAllocation(t *testing.T) {
	f := mustFunctionInfo(t, "compress",
		runtimeParam("out", "float*", hatfile.Output, []string{"m"}, "m"),
		elementParam("m", "int64_t*", hatfile.Output),
	)

	values, err := f.ExpandArgs(nil)
	if err != nil {
		t.Fatalf("ExpandArgs failed: %v", err)
	}

	// first pass: no backing buffer until the call reports sizes
	out := values[0]
	if out.Kind != ValueBuffer || out.Bytes() != nil {
		t.Fatalf("Expected an unallocated buffer for the first pass, got kind %v with %d bytes",
			out.Kind, len(out.Bytes()))
	}
	if len(out.DimValues) != 1 || out.DimValues[0] != values[1] {
		t.Errorf("Expected the output to cross-reference m, got %v", out.DimValues)
	}
}

func TestGenerateInputSets(t *testing.T) {
	f := mustFunctionInfo(t, "relu",
		affineParam("A", "float*", hatfile.Input, []int64{16, 16}, []int64{16, 1}),
	)

	// each set carries one 1 KiB buffer
	sets, err := f.GenerateInputSets(rand.New(rand.NewSource(1)), 4096, 1)
	if err != nil {
		t.Fatalf("GenerateInputSets failed: %v", err)
	}
	if len(sets) != 5 {
		t.Errorf("Expected 4 sets to cover 4 KiB plus 1 extra, got %d", len(sets))
	}

	scalarOnly := mustFunctionInfo(t, "seed", elementParam("s", "int64_t", hatfile.Input))
	sets, err = scalarOnly.GenerateInputSets(rand.New(rand.NewSource(1)), 4096, 0)
	if err != nil {
		t.Fatalf("GenerateInputSets failed: %v", err)
	}
	if len(sets) != 1 {
		t.Errorf("Expected a single set when no buffers exist, got %d", len(sets))
	}
}
