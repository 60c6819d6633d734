package callable

import (
	"fmt"
	"math"
	"math/rand"
	"unsafe"

	"github.com/pkg/errors"
)

// ValueKind distinguishes the three storage forms an ArgValue can take.
type ValueKind int

const (
	// ValueScalar is a by-value scalar.
	ValueScalar ValueKind = iota
	// ValueBuffer is an owned strided host buffer.
	ValueBuffer
	// ValueHandle is a pointer-sized slot the callee overwrites with a
	// freshly allocated address (pointer depth 2).
	ValueHandle
)

func (k ValueKind) String() string {
	switch k {
	case ValueBuffer:
		return "buffer"
	case ValueHandle:
		return "handle"
	}
	return "scalar"
}

// NativeArgKind classifies an entry of the native calling convention.
type NativeArgKind int

const (
	NativeScalar NativeArgKind = iota
	NativePointer
)

// NativeArg is one entry of the native call: a scalar passed by value
// or an address.
type NativeArg struct {
	Kind NativeArgKind
	Type ElementType
	Bits uint64         // NativeScalar: raw value bits
	Ptr  unsafe.Pointer // NativePointer: buffer base or address-of-handle
}

// ArgValue holds one concrete value bound to a descriptor. It owns its
// backing buffer or handle exclusively; device-side backing memory for
// handles belongs to the orchestrator that allocated it, for the span
// of one call.
type ArgValue struct {
	Info *ArgInfo
	Kind ValueKind

	// Actual layout of the held value. May legitimately differ from
	// the descriptor until verification compares them.
	ElementType ElementType
	Shape       []int
	ByteStrides []int

	// DimValues are the dimension cross-references of an output
	// runtime array: the values that supply its real shape after the
	// call, in shape order.
	DimValues []*ArgValue

	data   []byte
	bits   uint64
	handle unsafe.Pointer
}

// Materialize creates a value for a descriptor with no caller-supplied
// data: pseudo-random contents for inputs, zeroed buffers for outputs,
// and an empty handle for pointer-depth-2 outputs whose backing memory
// the callee (or a device orchestrator) allocates during the call.
func Materialize(info *ArgInfo, rng *rand.Rand) (*ArgValue, error) {
	v := &ArgValue{Info: info, ElementType: info.ElementType}

	switch {
	case info.Kind == KindVoid:
		return nil, errors.Errorf("parameter %s: cannot materialize a void value", info.Name)

	case info.PointerLevel == 0:
		v.Kind = ValueScalar
		if info.Usage.IsInput() {
			v.bits = randomBits(info.ElementType, rng)
		}
		return v, nil

	case info.PointerLevel == 1:
		if !info.Resolved() {
			return nil, errors.Errorf("parameter %s: shape is unresolved", info.Name)
		}
		v.Kind = ValueBuffer
		v.data = make([]byte, info.TotalByteSize)
		v.Shape = append([]int(nil), info.Shape...)
		v.ByteStrides = append([]int(nil), info.ByteStrides...)
		if info.Usage.IsInput() {
			fillRandom(v.data, info.ElementType, rng)
		}
		return v, nil

	default: // pointer depth 2: handle only, no backing memory yet
		v.Kind = ValueHandle
		return v, nil
	}
}

// WrapBuffer creates a value around a caller-owned buffer with its
// actual shape; byte strides default to dense row-major when nil.
func WrapBuffer(info *ArgInfo, data []byte, shape []int, byteStrides []int) *ArgValue {
	if byteStrides == nil {
		byteStrides = make([]int, len(shape))
		for i, m := range rowMajorMap(shape) {
			byteStrides[i] = m * info.ElementSize
		}
	}
	return &ArgValue{
		Info:        info,
		Kind:        ValueBuffer,
		ElementType: info.ElementType,
		Shape:       append([]int(nil), shape...),
		ByteStrides: append([]int(nil), byteStrides...),
		data:        data,
	}
}

// NewScalar creates a by-value scalar from raw bits.
func NewScalar(info *ArgInfo, bits uint64) *ArgValue {
	return &ArgValue{Info: info, Kind: ValueScalar, ElementType: info.ElementType, bits: bits}
}

// NewIntScalar creates a by-value integer scalar.
func NewIntScalar(info *ArgInfo, v int64) *ArgValue {
	return NewScalar(info, uint64(v))
}

// Verify checks the value against a descriptor. It never mutates the
// value. Buffers are checked for kind and element type, plus exact
// shape and byte strides when the descriptor's shape is fully constant;
// a fully-dynamic resolved shape falls back to the total element count.
// By-value scalars and depth-2 handles are deliberately not deeply
// verified; their contents are caller-controlled or callee-written.
func (v *ArgValue) Verify(info *ArgInfo) error {
	if info.PointerLevel != 1 {
		return nil
	}

	if v.Kind != ValueBuffer {
		return &ArgumentVerificationError{
			Property: "kind", Expected: ValueBuffer.String(), Actual: v.Kind.String(),
		}
	}
	if v.ElementType != info.ElementType {
		return &ArgumentVerificationError{
			Property: "dtype", Expected: info.ElementType.String(), Actual: v.ElementType.String(),
		}
	}

	if info.ConstantShape() && len(info.Shape) > 0 {
		if !equalInts(v.Shape, info.Shape) {
			return &ArgumentVerificationError{
				Property: "shape", Expected: fmt.Sprint(info.Shape), Actual: fmt.Sprint(v.Shape),
			}
		}
		if !equalInts(v.ByteStrides, info.ByteStrides) {
			return &ArgumentVerificationError{
				Property: "strides", Expected: fmt.Sprint(info.ByteStrides), Actual: fmt.Sprint(v.ByteStrides),
			}
		}
		return nil
	}

	if info.Resolved() && v.data != nil {
		actual := len(v.data) / info.ElementSize
		if actual != info.TotalElementCount {
			return &ArgumentVerificationError{
				Property: "count",
				Expected: fmt.Sprint(info.TotalElementCount),
				Actual:   fmt.Sprint(actual),
			}
		}
	}
	return nil
}

// AsNativeCall returns the native calling-convention form of the value.
func (v *ArgValue) AsNativeCall() NativeArg {
	switch v.Kind {
	case ValueBuffer:
		var p unsafe.Pointer
		if len(v.data) > 0 {
			p = unsafe.Pointer(&v.data[0])
		}
		return NativeArg{Kind: NativePointer, Type: v.ElementType, Ptr: p}
	case ValueHandle:
		return NativeArg{Kind: NativePointer, Type: v.ElementType, Ptr: unsafe.Pointer(&v.handle)}
	default:
		return NativeArg{Kind: NativeScalar, Type: v.ElementType, Bits: v.bits}
	}
}

// ResolveOutputShape reads the dimension cross-references written by
// the callee and returns the concrete output shape.
func (v *ArgValue) ResolveOutputShape() ([]int, error) {
	if len(v.DimValues) == 0 {
		return nil, errors.Errorf("value for %s has no dimension cross-references", v.name())
	}
	shape := make([]int, len(v.DimValues))
	for i, d := range v.DimValues {
		shape[i] = int(d.Int())
	}
	return shape, nil
}

// Int returns the value's current contents as an integer. For buffers
// this reads the first element, which is how output dimension elements
// written by the callee are observed.
func (v *ArgValue) Int() int64 {
	switch v.Kind {
	case ValueBuffer:
		if len(v.data) == 0 {
			return 0
		}
		return bitsToInt(getElement(v.data, v.ElementType), v.ElementType)
	default:
		return bitsToInt(v.bits, v.ElementType)
	}
}

// SetInt stores an integer into the value.
func (v *ArgValue) SetInt(n int64) {
	switch v.Kind {
	case ValueBuffer:
		putElement(v.data, v.ElementType, uint64(n))
	default:
		v.bits = uint64(n)
	}
}

// Float64 returns a floating-point scalar's current contents.
func (v *ArgValue) Float64() float64 {
	bits := v.bits
	if v.Kind == ValueBuffer && len(v.data) > 0 {
		bits = getElement(v.data, v.ElementType)
	}
	switch v.ElementType {
	case Float32:
		return float64(math.Float32frombits(uint32(bits)))
	case Float64:
		return math.Float64frombits(bits)
	}
	return float64(bitsToInt(bits, v.ElementType))
}

// Bytes exposes the backing buffer of a ValueBuffer.
func (v *ArgValue) Bytes() []byte { return v.data }

// Handle returns the current handle contents of a ValueHandle.
func (v *ArgValue) Handle() unsafe.Pointer { return v.handle }

// SetHandle overwrites the handle slot, as a callee or orchestrator
// does when it allocates the real backing memory.
func (v *ArgValue) SetHandle(p unsafe.Pointer) { v.handle = p }

func (v *ArgValue) name() string {
	if v.Info != nil {
		return v.Info.Name
	}
	return "<unbound>"
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
