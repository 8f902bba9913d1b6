package testutil

import (
	"strings"
	"testing"
)

// AssertMLIRModule checks that text looks like an exported module: a named
// module header, a public entry function, a return and balanced braces
// outside string literals.
func AssertMLIRModule(tb testing.TB, text, module, entry string) {
	tb.Helper()

	if !strings.HasPrefix(text, "module @"+module+" {") {
		tb.Fatalf("MLIR: missing module @%s header (got %q)", module, firstLine(text))
	}

	if !strings.Contains(text, "func.func @"+entry+"(") {
		tb.Fatalf("MLIR: missing entry function @%s", entry)
	}

	if !strings.Contains(text, "\n    return ") {
		tb.Fatal("MLIR: entry function has no return")
	}

	depth := 0
	inString := false

	for _, r := range text {
		switch {
		case r == '"':
			inString = !inString
		case inString:
		case r == '{':
			depth++
		case r == '}':
			depth--
			if depth < 0 {
				tb.Fatal("MLIR: unbalanced closing brace")
			}
		}
	}

	if depth != 0 {
		tb.Fatalf("MLIR: %d unclosed braces", depth)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}
