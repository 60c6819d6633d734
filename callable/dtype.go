package callable

import (
	"encoding/binary"
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ElementType is the native element type of a parameter.
type ElementType int

const (
	InvalidType ElementType = iota
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	BFloat16
	Float32
	Float64
)

var elementTypeNames = map[ElementType]string{
	Int8:     "int8",
	Int16:    "int16",
	Int32:    "int32",
	Int64:    "int64",
	Uint8:    "uint8",
	Uint16:   "uint16",
	Uint32:   "uint32",
	Uint64:   "uint64",
	Float16:  "float16",
	BFloat16: "bfloat16",
	Float32:  "float32",
	Float64:  "float64",
}

// declaredTypes maps HAT declared/element type spellings to native types.
var declaredTypes = map[string]ElementType{
	"int8_t":     Int8,
	"int16_t":    Int16,
	"int32_t":    Int32,
	"int64_t":    Int64,
	"uint8_t":    Uint8,
	"uint16_t":   Uint16,
	"uint32_t":   Uint32,
	"uint64_t":   Uint64,
	"float16_t":  Float16,
	"bfloat16_t": BFloat16,
	"float":      Float32,
	"double":     Float64,
}

func (t ElementType) String() string {
	if s, ok := elementTypeNames[t]; ok {
		return s
	}
	return "invalid"
}

// Size returns the element size in bytes.
func (t ElementType) Size() int {
	switch t {
	case Int8, Uint8:
		return 1
	case Int16, Uint16, Float16, BFloat16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// IsFloat reports whether t is a floating-point type.
func (t ElementType) IsFloat() bool {
	switch t {
	case Float16, BFloat16, Float32, Float64:
		return true
	}
	return false
}

// ParseElementType resolves a HAT declared type such as "float*" or
// "int64_t" to its native element type. Pointer qualifiers are ignored.
func ParseElementType(declared string) (ElementType, error) {
	base := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(declared), "*"))
	if t, ok := declaredTypes[base]; ok {
		return t, nil
	}
	return InvalidType, errors.Wrapf(ErrUnsupportedElementType, "declared type %q", declared)
}

// PointerLevel counts the levels of indirection in a declared type.
func PointerLevel(declared string) int {
	return strings.Count(declared, "*")
}

// fillRandom populates dst with pseudo-random elements of type t.
// Integers are drawn uniformly over the type's domain, floats uniformly
// in [0,1).
func fillRandom(dst []byte, t ElementType, rng *rand.Rand) {
	n := len(dst) / t.Size()
	for i := 0; i < n; i++ {
		putElement(dst[i*t.Size():], t, randomBits(t, rng))
	}
}

func randomBits(t ElementType, rng *rand.Rand) uint64 {
	switch t {
	case Float16:
		return uint64(float16.Fromfloat32(rng.Float32()).Bits())
	case BFloat16:
		// bfloat16 is the upper half of a float32
		return uint64(math.Float32bits(rng.Float32()) >> 16)
	case Float32:
		return uint64(math.Float32bits(rng.Float32()))
	case Float64:
		return math.Float64bits(rng.Float64())
	default:
		return rng.Uint64()
	}
}

// putElement stores the low bytes of bits into dst in native order.
func putElement(dst []byte, t ElementType, bits uint64) {
	switch t.Size() {
	case 1:
		dst[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(bits))
	case 8:
		binary.LittleEndian.PutUint64(dst, bits)
	}
}

// getElement loads one element from src as raw bits.
func getElement(src []byte, t ElementType) uint64 {
	switch t.Size() {
	case 1:
		return uint64(src[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(src))
	case 4:
		return uint64(binary.LittleEndian.Uint32(src))
	case 8:
		return binary.LittleEndian.Uint64(src)
	}
	return 0
}

// bitsToInt sign-extends raw element bits to an int64.
func bitsToInt(bits uint64, t ElementType) int64 {
	switch t {
	case Int8:
		return int64(int8(bits))
	case Int16:
		return int64(int16(bits))
	case Int32:
		return int64(int32(bits))
	default:
		return int64(bits)
	}
}
