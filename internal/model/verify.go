package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/example/go-sd-turbine/internal/mlir"
	"github.com/example/go-sd-turbine/internal/safetensors"
)

type VerifyOptions struct {
	MLIRPath    string
	WeightsPath string
	Stdout      io.Writer
}

// VerifyReport summarizes a successful verification.
type VerifyReport struct {
	Parameters int
	Embedded   int
}

var elementTypes = map[string]string{
	"f16":  safetensors.DTypeF16,
	"f32":  safetensors.DTypeF32,
	"bf16": safetensors.DTypeBF16,
}

// VerifyExternalWeights checks that every external parameter declared by the
// MLIR module exists in the weights archive with the declared shape and
// element type, and that the archive holds nothing the module does not use.
func VerifyExternalWeights(opts VerifyOptions) (VerifyReport, error) {
	if opts.MLIRPath == "" {
		return VerifyReport{}, errors.New("mlir path is required")
	}

	if opts.WeightsPath == "" {
		return VerifyReport{}, errors.New("weights path is required")
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	text, err := os.ReadFile(opts.MLIRPath)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("read mlir: %w", err)
	}

	globals, err := mlir.Globals(string(text))
	if err != nil {
		return VerifyReport{}, err
	}

	store, err := safetensors.OpenStore(opts.WeightsPath)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("open weights: %w", err)
	}
	defer store.Close()

	var (
		report   VerifyReport
		problems []string
		seen     = make(map[string]bool)
	)

	for _, g := range globals {
		if !g.External {
			report.Embedded++
			continue
		}

		report.Parameters++
		seen[g.Name] = true

		info, ok := store.Info(g.Name)
		if !ok {
			problems = append(problems, fmt.Sprintf("missing tensor %q", g.Name))
			continue
		}

		if !slices.Equal(info.Shape, g.Shape) {
			problems = append(problems, fmt.Sprintf("tensor %q shape %v, module declares %v", g.Name, info.Shape, g.Shape))
		}

		if want := elementTypes[g.DType]; want != info.DType {
			problems = append(problems, fmt.Sprintf("tensor %q dtype %s, module declares %s", g.Name, info.DType, g.DType))
		}
	}

	for _, name := range store.Names() {
		if !seen[name] {
			problems = append(problems, fmt.Sprintf("unreferenced tensor %q", name))
		}
	}

	if len(problems) > 0 {
		return report, fmt.Errorf("weights do not match module (%d problems):\n  %s", len(problems), strings.Join(problems, "\n  "))
	}

	fmt.Fprintf(opts.Stdout, "verified %d external parameters (%d embedded)\n", report.Parameters, report.Embedded)

	return report, nil
}
