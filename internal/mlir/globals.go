package mlir

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Global is a util.global parameter declaration read back from module text.
type Global struct {
	Symbol string
	// Name is the parameter key for external globals and empty otherwise.
	Name     string
	Shape    []int64
	DType    string
	External bool
}

var globalPattern = regexp.MustCompile(
	`(?m)^\s*util\.global private @(\S+) = (?:#stream\.parameter\.named<(?:"[^"]*"::)?"([^"]*)">|dense_resource<[^>]*>) : tensor<([^>]*)>`)

// Globals lists every parameter global declared in text, in source order.
func Globals(text string) ([]Global, error) {
	matches := globalPattern.FindAllStringSubmatch(text, -1)
	out := make([]Global, 0, len(matches))

	for _, m := range matches {
		shape, dtype, err := parseTensorType(m[3])
		if err != nil {
			return nil, fmt.Errorf("mlir: global @%s: %w", m[1], err)
		}

		out = append(out, Global{
			Symbol:   m[1],
			Name:     m[2],
			Shape:    shape,
			DType:    dtype,
			External: strings.Contains(m[0], "#stream.parameter.named"),
		})
	}

	return out, nil
}

// ParameterNames returns the sorted external parameter names referenced by
// text.
func ParameterNames(text string) []string {
	globals, err := Globals(text)
	if err != nil {
		return nil
	}

	var names []string

	for _, g := range globals {
		if g.External {
			names = append(names, g.Name)
		}
	}

	sort.Strings(names)

	return names
}

// parseTensorType splits "320x4x3x3xf16" into its dims and element type.
func parseTensorType(s string) ([]int64, string, error) {
	parts := strings.Split(s, "x")
	dtype := parts[len(parts)-1]

	if dtype == "" {
		return nil, "", fmt.Errorf("tensor type %q has no element type", s)
	}

	shape := make([]int64, 0, len(parts)-1)

	for _, part := range parts[:len(parts)-1] {
		d, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("tensor type %q: %w", s, err)
		}

		shape = append(shape, d)
	}

	return shape, dtype, nil
}
