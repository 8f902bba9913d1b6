package iree

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultBinary is looked up on PATH when no binary is configured.
const DefaultBinary = "iree-compile"

// runFunc executes name with args, feeding stdin and collecting stdout.
type runFunc func(ctx context.Context, name string, args []string, stdin io.Reader, stdout io.Writer) error

// Compiler wraps an iree-compile executable.
type Compiler struct {
	Binary string

	run runFunc
}

func NewCompiler(binary string) *Compiler {
	if binary == "" {
		binary = DefaultBinary
	}

	return &Compiler{Binary: binary, run: execRun}
}

// CompileVMFB compiles the module read from module for opts.Device and writes
// the executable to outPath.
func (c *Compiler) CompileVMFB(ctx context.Context, module io.Reader, outPath string, opts CompileOptions) error {
	flags, err := Flags(opts)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(outPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("iree: create output dir: %w", err)
		}
	}

	args := append(flags, "-", "-o", outPath)
	if err := c.exec(ctx, args, module, io.Discard); err != nil {
		return fmt.Errorf("iree: compile vmfb: %w", err)
	}

	return nil
}

// LowerToInput runs the input conversion pipeline only and returns the
// resulting module text.
func (c *Compiler) LowerToInput(ctx context.Context, module string) (string, error) {
	var out bytes.Buffer

	args := []string{"--iree-input-type=torch", "--compile-to=input", "-", "-o", "-"}
	if err := c.exec(ctx, args, strings.NewReader(module), &out); err != nil {
		return "", fmt.Errorf("iree: lower to input: %w", err)
	}

	return out.String(), nil
}

// Version returns the compiler version line of `iree-compile --version`.
func (c *Compiler) Version(ctx context.Context) (string, error) {
	var out bytes.Buffer
	if err := c.exec(ctx, []string{"--version"}, nil, &out); err != nil {
		return "", err
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	for _, line := range lines {
		if strings.Contains(line, "compiler version") {
			return strings.TrimSpace(line), nil
		}
	}

	return strings.TrimSpace(lines[0]), nil
}

func (c *Compiler) exec(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	run := c.run
	if run == nil {
		run = execRun
	}

	return run(ctx, c.Binary, args, stdin, stdout)
}

func execRun(ctx context.Context, name string, args []string, stdin io.Reader, stdout io.Writer) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found: %w", name, err)
	}

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}

		return fmt.Errorf("%s: %w", name, err)
	}

	return nil
}
