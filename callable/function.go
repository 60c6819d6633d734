package callable

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/microsoft/hat/hatfile"
)

// dimSizes are the extents drawn for unconstrained runtime dimensions
// when argument values are synthesized.
var dimSizes = []int{128, 256, 1234}

// FunctionInfo is an ordered, immutable function signature: one ArgInfo
// per declared parameter plus the cross-reference indices that tie
// runtime-array dimensions to the parameters carrying their values.
type FunctionInfo struct {
	Name      string
	Arguments []*ArgInfo

	index map[string]int
	// dimIndices[i][j] is the parameter index supplying dimension j of
	// argument i, or -1 when the dimension is a literal. Only populated
	// for runtime arrays. Built once here so call-time resolution never
	// repeats the name lookup.
	dimIndices [][]int
}

// NewFunctionInfo builds a signature from a declared function record.
// It fails on unsupported element types or pointer depths and on shape
// symbols that name no parameter of the function.
func NewFunctionInfo(fn hatfile.Function) (*FunctionInfo, error) {
	f := &FunctionInfo{
		Name:       fn.Name,
		Arguments:  make([]*ArgInfo, 0, len(fn.Arguments)),
		index:      make(map[string]int, len(fn.Arguments)),
		dimIndices: make([][]int, len(fn.Arguments)),
	}

	for i, rec := range fn.Arguments {
		info, err := NewArgInfo(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "function %s", fn.Name)
		}
		f.Arguments = append(f.Arguments, info)
		f.index[info.Name] = i
	}

	for i, info := range f.Arguments {
		if info.Kind != KindRuntimeArray {
			continue
		}
		refs := make([]int, len(info.ShapeDims))
		for j, d := range info.ShapeDims {
			if d.IsLiteral() {
				refs[j] = -1
				continue
			}
			k, ok := f.index[d.Symbol]
			if !ok {
				return nil, errors.Wrapf(ErrUnresolvedSymbol,
					"function %s: parameter %s dimension %d names %s", fn.Name, info.Name, j, d.Symbol)
			}
			refs[j] = k
		}
		for _, d := range info.SizeExpr {
			if !d.IsLiteral() {
				if _, ok := f.index[d.Symbol]; !ok {
					return nil, errors.Wrapf(ErrUnresolvedSymbol,
						"function %s: parameter %s size expression names %s", fn.Name, info.Name, d.Symbol)
				}
			}
		}
		f.dimIndices[i] = refs
	}
	return f, nil
}

// ParameterIndex returns the position of a named parameter.
func (f *FunctionInfo) ParameterIndex(name string) (int, bool) {
	i, ok := f.index[name]
	return i, ok
}

// Verify checks a full argument list against the signature. A failure
// aborts the call it belongs to but leaves the signature, and any
// lifecycle built on it, reusable.
func (f *FunctionInfo) Verify(values []*ArgValue) error {
	if len(values) != len(f.Arguments) {
		return &ArgumentCountMismatch{
			Function: f.Name,
			Expected: len(f.Arguments),
			Actual:   len(values),
		}
	}
	for i, v := range values {
		if err := v.Verify(f.Arguments[i]); err != nil {
			var verr *ArgumentVerificationError
			if errors.As(err, &verr) {
				verr.Function = f.Name
				verr.Index = i
				return verr
			}
			return errors.Wrapf(err, "calling %s(...): argument %d", f.Name, i)
		}
	}
	return nil
}

// NativeArgs converts a verified argument list to the ordered native
// calling-convention representation.
func (f *FunctionInfo) NativeArgs(values []*ArgValue) []NativeArg {
	args := make([]NativeArg, len(values))
	for i, v := range values {
		args[i] = v.AsNativeCall()
	}
	return args
}

// dimBinding is the transient name -> value map used while expanding
// one call. It is scoped to a single expansion and discarded afterward.
type dimBinding map[string]*ArgValue

func (b dimBinding) lookup(symbol string) (int, bool) {
	v, ok := b[symbol]
	if !ok {
		return 0, false
	}
	return int(v.Int()), true
}

// GenerateArgValues synthesizes a complete argument list: random data
// for inputs, drawn extents for unconstrained runtime dimensions, empty
// allocations and handles for outputs, with dimension cross-references
// attached to dynamically shaped outputs.
func (f *FunctionInfo) GenerateArgValues(rng *rand.Rand) ([]*ArgValue, error) {
	dims := make(dimBinding)
	values := make([]*ArgValue, len(f.Arguments))

	for i, info := range f.Arguments {
		switch {
		case info.Kind == KindRuntimeArray && info.Usage.IsInput() && !info.ConstantShape():
			shape := make([]int, len(info.ShapeDims))
			for j, d := range info.ShapeDims {
				if d.IsLiteral() {
					shape[j] = d.Literal
					continue
				}
				dimInfo := f.Arguments[f.dimIndices[i][j]]
				if bound, ok := dims[d.Symbol]; ok {
					shape[j] = int(bound.Int())
					continue
				}
				shape[j] = dimSizes[rng.Intn(len(dimSizes))]
				dims[d.Symbol] = dimValueFor(dimInfo, int64(shape[j]))
			}
			if err := f.specialize(i, shape, dims); err != nil {
				return nil, err
			}
			v, err := Materialize(info, rng)
			if err != nil {
				return nil, err
			}
			values[i] = v

		case info.Kind == KindElement && dims[info.Name] != nil:
			// already generated as another array's dimension
			values[i] = dims[info.Name]

		default:
			v, err := f.synthesize(info, rng)
			if err != nil {
				return nil, err
			}
			values[i] = v
			if info.Kind == KindElement {
				dims[info.Name] = v
			}
		}
	}

	if err := f.attachDimCrossRefs(values); err != nil {
		return nil, err
	}
	return values, nil
}

// ExpandArgs resolves a partially-specified argument list into a fully
// ordered, fully shaped one. Supplied values are consumed positionally
// by the parameters that require caller data; everything else is
// synthesized.
//
// Caller ordering constraint: an array with dynamic dimensions must
// appear before the elements carrying those dimensions in the supplied
// list. An element supplied ahead of its array may silently bind an
// unrelated dimension; callers own that ordering and no second
// resolution pass is attempted.
func (f *FunctionInfo) ExpandArgs(supplied []*ArgValue) ([]*ArgValue, error) {
	dims := make(dimBinding)
	values := make([]*ArgValue, len(f.Arguments))
	rng := rand.New(rand.NewSource(0))
	si := 0

	for i, info := range f.Arguments {
		if info.Kind == KindElement && dims[info.Name] != nil {
			// dimension already inferred from its array
			values[i] = dims[info.Name]
			continue
		}

		wantsData := info.Usage.IsInput() && info.Kind != KindVoid
		if wantsData && si < len(supplied) && supplied[si] != nil {
			v := supplied[si]
			si++
			values[i] = v
			if info.Kind == KindElement {
				dims[info.Name] = v
				continue
			}
			if info.Kind == KindRuntimeArray && !info.Resolved() {
				if err := f.inferDims(i, v, dims); err != nil {
					return nil, err
				}
			}
			continue
		}

		v, err := f.synthesize(info, rng)
		if err != nil {
			return nil, err
		}
		values[i] = v
		if info.Kind == KindElement {
			dims[info.Name] = v
		}
	}

	if si != len(supplied) {
		return nil, &ArgumentCountMismatch{
			Function: f.Name,
			Expected: si,
			Actual:   len(supplied),
		}
	}
	if err := f.attachDimCrossRefs(values); err != nil {
		return nil, err
	}
	return values, nil
}

// inferDims takes the actual runtime shape of a supplied array value as
// authoritative for the dimension elements it references, then
// specializes the array's descriptor.
func (f *FunctionInfo) inferDims(i int, v *ArgValue, dims dimBinding) error {
	info := f.Arguments[i]
	if len(v.Shape) != len(info.ShapeDims) {
		return errors.Errorf("calling %s(...): argument %s has rank %d, expected %d",
			f.Name, info.Name, len(v.Shape), len(info.ShapeDims))
	}
	for j, d := range info.ShapeDims {
		if d.IsLiteral() {
			continue
		}
		dimInfo := f.Arguments[f.dimIndices[i][j]]
		if _, ok := dims[d.Symbol]; !ok && dimInfo.Usage == UsageInput {
			dims[d.Symbol] = dimValueFor(dimInfo, int64(v.Shape[j]))
		}
	}
	return f.specialize(i, v.Shape, dims)
}

func (f *FunctionInfo) specialize(i int, shape []int, dims dimBinding) error {
	info := f.Arguments[i]
	err := info.Specialize(shape, func(symbol string) (int, bool) {
		if n, ok := dims.lookup(symbol); ok {
			return n, true
		}
		// fall back to the shape position the symbol occupies
		for j, d := range info.ShapeDims {
			if d.Symbol == symbol {
				return shape[j], true
			}
		}
		return 0, false
	})
	return errors.Wrapf(err, "function %s", f.Name)
}

// synthesize produces a value for a parameter the caller did not supply.
func (f *FunctionInfo) synthesize(info *ArgInfo, rng *rand.Rand) (*ArgValue, error) {
	if info.Kind == KindRuntimeArray && !info.Resolved() && info.PointerLevel == 1 {
		// Two-pass allocation: an input/output runtime array whose
		// dimensions are computed by the call itself starts out with no
		// backing buffer. The first call only fills in the sizes.
		return &ArgValue{Info: info, Kind: ValueBuffer, ElementType: info.ElementType}, nil
	}
	return Materialize(info, rng)
}

// attachDimCrossRefs records, on every dynamically shaped output array,
// the ordered dimension values that will hold its real shape after the
// call.
func (f *FunctionInfo) attachDimCrossRefs(values []*ArgValue) error {
	for i, info := range f.Arguments {
		if info.Kind != KindRuntimeArray || !info.Usage.IsOutput() || info.ConstantShape() {
			continue
		}
		refs := f.dimIndices[i]
		if len(refs) == 0 {
			return errors.Errorf("function %s: runtime array %s has no dimensions", f.Name, info.Name)
		}
		dimValues := make([]*ArgValue, len(refs))
		for j, k := range refs {
			if k < 0 {
				dimValues[j] = literalValue(int64(info.ShapeDims[j].Literal))
				continue
			}
			dimValues[j] = values[k]
		}
		values[i].DimValues = dimValues
	}
	return nil
}

// dimValueFor wraps a resolved dimension extent in the carrying
// parameter's representation: by-value for input elements, a writable
// one-element buffer otherwise.
func dimValueFor(dimInfo *ArgInfo, extent int64) *ArgValue {
	if dimInfo.PointerLevel == 0 {
		return NewIntScalar(dimInfo, extent)
	}
	v := &ArgValue{
		Info:        dimInfo,
		Kind:        ValueBuffer,
		ElementType: dimInfo.ElementType,
		Shape:       []int{1},
		ByteStrides: []int{dimInfo.ElementSize},
		data:        make([]byte, dimInfo.ElementSize),
	}
	v.SetInt(extent)
	return v
}

func literalValue(n int64) *ArgValue {
	return &ArgValue{Kind: ValueScalar, ElementType: Int64, bits: uint64(n)}
}

// TotalInputBytes sums the resolved buffer sizes of one argument set,
// used when sizing benchmark input rotations.
func TotalInputBytes(values []*ArgValue) int64 {
	var total int64
	for _, v := range values {
		if v != nil && v.Kind == ValueBuffer {
			total += int64(len(v.Bytes()))
		}
	}
	return total
}

// GenerateInputSets synthesizes argument sets until their combined
// buffer footprint reaches minTotalBytes, then adds extraSets more. At
// least one set is always produced. Rotating across sets between
// benchmark iterations defeats cache-resident reruns.
func (f *FunctionInfo) GenerateInputSets(rng *rand.Rand, minTotalBytes int64, extraSets int) ([][]*ArgValue, error) {
	var sets [][]*ArgValue
	var total int64
	for len(sets) == 0 || total < minTotalBytes {
		values, err := f.GenerateArgValues(rng)
		if err != nil {
			return nil, err
		}
		sets = append(sets, values)
		total += TotalInputBytes(values)
		if total == 0 {
			break
		}
	}
	for n := 0; n < extraSets; n++ {
		values, err := f.GenerateArgValues(rng)
		if err != nil {
			return nil, err
		}
		sets = append(sets, values)
	}
	return sets, nil
}
