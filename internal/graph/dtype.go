package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// DType is the element type of a graph value.
type DType int

const (
	Float32 DType = iota
	Float16
	Int64
)

// String returns the torch dialect spelling (f32, f16, si64).
func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case Int64:
		return "si64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Builtin returns the builtin tensor element spelling (f32, f16, i64).
func (d DType) Builtin() string {
	if d == Int64 {
		return "i64"
	}

	return d.String()
}

// Size is the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Int64:
		return 8
	default:
		return 4
	}
}

// SafetensorsName is the dtype tag used in safetensors headers.
func (d DType) SafetensorsName() string {
	switch d {
	case Float16:
		return "F16"
	case Int64:
		return "I64"
	default:
		return "F32"
	}
}

// TorchCode is the ScalarType enum value torch uses for dtype arguments.
func (d DType) TorchCode() int64 {
	switch d {
	case Float16:
		return 5
	case Int64:
		return 4
	default:
		return 6
	}
}

// Shape lists tensor dimensions, outermost first.
type Shape []int64

func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) Rank() int { return len(s) }

func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}

	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}

	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}

	return true
}

// String renders the shape as "[1,4,64,64]".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.FormatInt(d, 10)
	}

	return "[" + strings.Join(parts, ",") + "]"
}
