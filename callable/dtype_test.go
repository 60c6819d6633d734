package callable

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/x448/float16"

	"github.com/pkg/errors"
)

func TestParseElementType(t *testing.T) {
	testCases := []struct {
		declared string
		want     ElementType
	}{
		{"float", Float32},
		{"float*", Float32},
		{"float**", Float32},
		{"double", Float64},
		{"double *", Float64},
		{"int8_t", Int8},
		{"int64_t*", Int64},
		{"uint32_t", Uint32},
		{"float16_t*", Float16},
		{"bfloat16_t", BFloat16},
	}
	for _, tc := range testCases {
		got, err := ParseElementType(tc.declared)
		if err != nil {
			t.Errorf("ParseElementType(%q) failed: %v", tc.declared, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseElementType(%q) = %v, want %v", tc.declared, got, tc.want)
		}
	}

	if _, err := ParseElementType("complex64"); !errors.Is(err, ErrUnsupportedElementType) {
		t.Errorf("Expected ErrUnsupportedElementType, got %v", err)
	}
}

func TestIsFloat(t *testing.T) {
	for _, et := range []ElementType{Float16, BFloat16, Float32, Float64} {
		if !et.IsFloat() {
			t.Errorf("Expected %s to be floating point", et)
		}
	}
	for _, et := range []ElementType{Int8, Uint64, InvalidType} {
		if et.IsFloat() {
			t.Errorf("Expected %s not to be floating point", et)
		}
	}
}

func TestPointerLevel(t *testing.T) {
	if got := PointerLevel("float"); got != 0 {
		t.Errorf("Expected depth 0, got %d", got)
	}
	if got := PointerLevel("float*"); got != 1 {
		t.Errorf("Expected depth 1, got %d", got)
	}
	if got := PointerLevel("float**"); got != 2 {
		t.Errorf("Expected depth 2, got %d", got)
	}
}

func TestFillRandom_FloatsInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, et := range []ElementType{Float16, BFloat16, Float32, Float64} {
		buf := make([]byte, 64*et.Size())
		fillRandom(buf, et, rng)
		for i := 0; i < 64; i++ {
			bits := getElement(buf[i*et.Size():], et)
			var v float64
			switch et {
			case Float16:
				v = float64(float16.Frombits(uint16(bits)).Float32())
			case BFloat16:
				v = float64(math.Float32frombits(uint32(bits) << 16))
			case Float32:
				v = float64(math.Float32frombits(uint32(bits)))
			case Float64:
				v = math.Float64frombits(bits)
			}
			if v < 0 || v >= 1 {
				t.Fatalf("%s element %d = %v outside [0,1)", et, i, v)
			}
		}
	}
}

func TestElementRoundTrip(t *testing.T) {
	for _, et := range []ElementType{Int8, Int16, Int32, Int64, Uint16, Float32, Float64} {
		buf := make([]byte, et.Size())
		putElement(buf, et, 0x0102030405060708)
		got := getElement(buf, et)
		mask := uint64(1)<<(uint(et.Size())*8) - 1
		if et.Size() == 8 {
			mask = ^uint64(0)
		}
		if got != 0x0102030405060708&mask {
			t.Errorf("%s round trip: got %#x", et, got)
		}
	}
}

func TestBitsToInt_SignExtension(t *testing.T) {
	if got := bitsToInt(0xff, Int8); got != -1 {
		t.Errorf("Expected int8 0xff = -1, got %d", got)
	}
	if got := bitsToInt(0xff, Uint8); got != 255 {
		t.Errorf("Expected uint8 0xff = 255, got %d", got)
	}
	if got := bitsToInt(0xffff_8000, Int32); got != -32768 {
		t.Errorf("Expected int32 sign extension, got %d", got)
	}
}

func TestFloat16Precision(t *testing.T) {
	// values in [0,1) narrowed to fp16 stay within half precision
	rng := rand.New(rand.NewSource(3))
	exact := make([]float64, 16)
	narrowed := make([]float64, 16)
	for i := range exact {
		v := rng.Float32()
		exact[i] = float64(v)
		narrowed[i] = float64(float16.Fromfloat32(v).Float32())
	}
	assert.InDeltaSlice(t, exact, narrowed, 1e-3)
}
