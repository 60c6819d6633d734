package callable

import (
	"strconv"
	"strings"

	"fortio.org/safecast"
	"github.com/pkg/errors"

	"github.com/microsoft/hat/hatfile"
)

// LogicalKind is the shape kind of a parameter.
type LogicalKind int

const (
	KindVoid LogicalKind = iota
	KindElement
	KindAffineArray
	KindRuntimeArray
)

func (k LogicalKind) String() string {
	switch k {
	case KindElement:
		return "element"
	case KindAffineArray:
		return "affine_array"
	case KindRuntimeArray:
		return "runtime_array"
	}
	return "void"
}

// Usage is the data-flow direction of a parameter.
type Usage int

const (
	UsageInput Usage = iota
	UsageOutput
	UsageInputOutput
)

func (u Usage) String() string {
	switch u {
	case UsageOutput:
		return "output"
	case UsageInputOutput:
		return "input_output"
	}
	return "input"
}

// IsInput reports whether the parameter carries data into the call.
func (u Usage) IsInput() bool { return u == UsageInput || u == UsageInputOutput }

// IsOutput reports whether the callee writes through the parameter.
func (u Usage) IsOutput() bool { return u == UsageOutput || u == UsageInputOutput }

// Dim is one entry of a runtime array's symbolic shape or size
// expression: either an integer literal or the name of the parameter
// that carries the dimension's value at call time.
type Dim struct {
	Literal int
	Symbol  string
}

// IsLiteral reports whether the dimension is a compile-time constant.
func (d Dim) IsLiteral() bool { return d.Symbol == "" }

// ArgInfo is the physical layout derived from one declared parameter.
//
// It is immutable after construction except that a runtime array's
// Shape and total element count are specialized in place once its
// symbolic dimensions resolve for a particular call. Specialization is
// single-writer and happens before any ArgValue touches the descriptor.
type ArgInfo struct {
	Name         string
	Kind         LogicalKind
	Usage        Usage
	ElementType  ElementType
	DeclaredType string
	PointerLevel int

	// Affine layout, valid for KindAffineArray and specialized
	// runtime arrays. Byte strides are always derived from the
	// element size and affine map, never set independently.
	Shape        []int
	AffineMap    []int
	AffineOffset int
	ByteStrides  []int

	ElementSize       int
	TotalElementCount int   // -1 until symbolic dimensions resolve
	TotalByteSize     int64 // -1 until symbolic dimensions resolve

	// Runtime-array symbolic layout.
	ShapeDims []Dim // declared shape, one entry per dimension
	SizeExpr  []Dim // factors of the total-size expression
}

// NewArgInfo derives the physical layout for one parameter record.
func NewArgInfo(p hatfile.Parameter) (*ArgInfo, error) {
	level := PointerLevel(p.DeclaredType)
	if level > 2 {
		return nil, errors.Wrapf(ErrUnsupportedPointerDepth, "parameter %s declared %q (depth %d)", p.Name, p.DeclaredType, level)
	}

	info := &ArgInfo{
		Name:         p.Name,
		Usage:        parseUsage(p.Usage),
		DeclaredType: p.DeclaredType,
		PointerLevel: level,
		AffineOffset: int(p.AffineOffset),
	}

	if p.LogicalType == hatfile.VoidType {
		info.Kind = KindVoid
		return info, nil
	}

	et, err := ParseElementType(elementTypeSpelling(p))
	if err != nil {
		return nil, errors.Wrapf(err, "parameter %s", p.Name)
	}
	info.ElementType = et
	info.ElementSize = et.Size()

	switch p.LogicalType {
	case hatfile.AffineArray:
		if err := info.initAffine(p); err != nil {
			return nil, errors.Wrapf(err, "parameter %s", p.Name)
		}
	case hatfile.RuntimeArray:
		if err := info.initRuntime(p); err != nil {
			return nil, errors.Wrapf(err, "parameter %s", p.Name)
		}
	case hatfile.Element:
		info.initElement()
	default:
		return nil, errors.Errorf("parameter %s: unknown logical type %q", p.Name, p.LogicalType)
	}
	return info, nil
}

func elementTypeSpelling(p hatfile.Parameter) string {
	if p.ElementType != "" {
		return p.ElementType
	}
	return p.DeclaredType
}

func parseUsage(u hatfile.UsageType) Usage {
	switch u {
	case hatfile.Output:
		return UsageOutput
	case hatfile.InputOutput:
		return UsageInputOutput
	}
	return UsageInput
}

func (info *ArgInfo) initAffine(p hatfile.Parameter) error {
	info.Kind = KindAffineArray
	shape := make([]int, 0, len(p.Shape))
	for _, entry := range p.Shape {
		n, ok := entry.(int64)
		if !ok {
			return errors.Errorf("affine array shape entry %v is not an integer", entry)
		}
		dim, err := safecast.Convert[int](n)
		if err != nil {
			return errors.Wrap(err, "shape entry")
		}
		shape = append(shape, dim)
	}
	affineMap := make([]int, 0, len(p.AffineMap))
	for _, m := range p.AffineMap {
		stride, err := safecast.Convert[int](m)
		if err != nil {
			return errors.Wrap(err, "affine map entry")
		}
		affineMap = append(affineMap, stride)
	}

	if len(shape) == 0 {
		// rank-0 arrays degrade to a single contiguous element
		shape = []int{1}
		affineMap = []int{1}
	}
	if len(shape) != len(affineMap) {
		return errors.Errorf("affine map rank %d does not match shape rank %d", len(affineMap), len(shape))
	}

	info.Shape = shape
	info.AffineMap = affineMap
	info.deriveLayout()
	return nil
}

func (info *ArgInfo) initRuntime(p hatfile.Parameter) error {
	info.Kind = KindRuntimeArray
	info.TotalElementCount = -1
	info.TotalByteSize = -1

	for _, entry := range p.Shape {
		switch v := entry.(type) {
		case int64:
			n, err := safecast.Convert[int](v)
			if err != nil {
				return errors.Wrap(err, "shape entry")
			}
			info.ShapeDims = append(info.ShapeDims, Dim{Literal: n})
		case string:
			info.ShapeDims = append(info.ShapeDims, parseDim(v))
		default:
			return errors.Errorf("runtime array shape entry %v is neither integer nor symbol", entry)
		}
	}

	expr, err := parseSizeExpr(p.Size)
	if err != nil {
		return err
	}
	info.SizeExpr = expr

	// A runtime array with purely literal dimensions needs no call-time
	// resolution; fix its layout now.
	if len(info.ShapeDims) > 0 && info.ConstantShape() && allLiteral(expr) {
		shape := make([]int, len(info.ShapeDims))
		for i, d := range info.ShapeDims {
			shape[i] = d.Literal
		}
		return info.Specialize(shape, func(string) (int, bool) { return 0, false })
	}
	return nil
}

func allLiteral(dims []Dim) bool {
	for _, d := range dims {
		if !d.IsLiteral() {
			return false
		}
	}
	return true
}

func (info *ArgInfo) initElement() {
	info.Kind = KindElement
	info.Shape = []int{1}
	info.AffineMap = []int{1}
	// Output elements are passed by pointer so the callee can write
	// them; input elements go by value.
	if info.Usage.IsOutput() && info.PointerLevel == 0 {
		info.PointerLevel = 1
	}
	info.deriveLayout()
}

// deriveLayout computes byte strides, major dimension extent, and total
// sizes from a concrete shape and affine map.
func (info *ArgInfo) deriveLayout() {
	info.ByteStrides = make([]int, len(info.AffineMap))
	for i, m := range info.AffineMap {
		info.ByteStrides[i] = info.ElementSize * m
	}
	major := info.MajorDimension()
	// The major-dimension extent times its element stride covers the
	// whole allocation even for padded or overlapping affine maps; a
	// plain product of extents would not.
	info.TotalElementCount = info.Shape[major] * info.AffineMap[major]
	info.TotalByteSize = int64(info.ElementSize) * int64(info.TotalElementCount)
}

// MajorDimension is the index of the dimension with the largest element
// stride.
func (info *ArgInfo) MajorDimension() int {
	major := 0
	for i, m := range info.AffineMap {
		if m > info.AffineMap[major] {
			major = i
		}
	}
	return major
}

// ConstantShape reports whether every dimension is a literal integer.
func (info *ArgInfo) ConstantShape() bool {
	switch info.Kind {
	case KindRuntimeArray:
		for _, d := range info.ShapeDims {
			if !d.IsLiteral() {
				return false
			}
		}
		return true
	case KindVoid:
		return false
	default:
		return true
	}
}

// Resolved reports whether the total byte size is a concrete integer.
func (info *ArgInfo) Resolved() bool { return info.TotalByteSize >= 0 }

// Rank returns the number of dimensions the parameter declares.
func (info *ArgInfo) Rank() int {
	if info.Kind == KindRuntimeArray {
		return len(info.ShapeDims)
	}
	return len(info.Shape)
}

// Specialize fixes a runtime array's shape for one call, deriving the
// total element count from the size expression with the supplied
// dimension values, or from the shape when no expression factors carry
// symbols beyond it.
func (info *ArgInfo) Specialize(shape []int, lookup func(symbol string) (int, bool)) error {
	if info.Kind != KindRuntimeArray {
		return errors.Errorf("parameter %s: cannot specialize a %s", info.Name, info.Kind)
	}
	if len(shape) != len(info.ShapeDims) {
		return errors.Errorf("parameter %s: specialized rank %d does not match declared rank %d",
			info.Name, len(shape), len(info.ShapeDims))
	}

	count := 1
	for _, d := range info.SizeExpr {
		if d.IsLiteral() {
			count *= d.Literal
			continue
		}
		v, ok := lookup(d.Symbol)
		if !ok {
			return errors.Wrapf(ErrUnresolvedSymbol, "parameter %s: size factor %s", info.Name, d.Symbol)
		}
		count *= v
	}
	if len(info.SizeExpr) == 0 {
		count = 1
		for _, d := range shape {
			count *= d
		}
	}

	info.Shape = append([]int(nil), shape...)
	info.AffineMap = rowMajorMap(shape)
	info.deriveLayout()
	info.TotalElementCount = count
	info.TotalByteSize = int64(info.ElementSize) * int64(count)
	return nil
}

// rowMajorMap is the dense row-major affine map for a shape.
func rowMajorMap(shape []int) []int {
	m := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		m[i] = stride
		stride *= shape[i]
	}
	return m
}

func parseDim(s string) Dim {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return Dim{Literal: n}
	}
	return Dim{Symbol: strings.TrimSpace(s)}
}

// parseSizeExpr splits a total-size expression such as "A_dim0*100*16"
// into its factors.
func parseSizeExpr(expr string) ([]Dim, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	var dims []Dim
	for _, factor := range strings.Split(expr, "*") {
		factor = strings.TrimSpace(factor)
		if factor == "" {
			return nil, errors.Errorf("malformed size expression %q", expr)
		}
		dims = append(dims, parseDim(factor))
	}
	return dims, nil
}
