package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/example/go-sd-turbine/internal/graph"
	"github.com/example/go-sd-turbine/internal/iree"
	"github.com/example/go-sd-turbine/internal/mlir"
	"github.com/example/go-sd-turbine/internal/tank"
	"github.com/example/go-sd-turbine/internal/unet"
)

// Lowerer converts torch-dialect text to the compiler input dialects.
type Lowerer interface {
	LowerToInput(ctx context.Context, module string) (string, error)
}

// Compiler produces a device executable from streamed module text.
type Compiler interface {
	CompileVMFB(ctx context.Context, module io.Reader, outPath string, opts iree.CompileOptions) error
}

// Result lists what an export produced.
type Result struct {
	// Module holds the written text when Options.KeepModule is set.
	Module      string
	SafeName    string
	MLIRPath    string
	VMFBPath    string
	WeightsPath string
	// BlobName is set only when an upload was requested and succeeded.
	BlobName string
	Weights  WeightMap
	RunID    string
}

// Exporter runs exports. Lowerer, Compiler and Uploader are only required by
// the stages and options that use them.
type Exporter struct {
	Lowerer  Lowerer
	Compiler Compiler
	Uploader tank.Uploader
	Logger   *slog.Logger
	Now      func() time.Time
}

func (e *Exporter) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}

	return slog.Default()
}

func (e *Exporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}

	return time.Now()
}

// Capture traces w into the compiled_unet module for opts without writing
// anything.
func Capture(w *unet.Wrapper, opts Options) (*graph.Module, error) {
	dtype := DType(opts.Precision)
	inputs := unet.InputShapes(w.Model.Config, opts.BatchSize, opts.Height, opts.Width, opts.MaxLength, dtype)

	mod, err := graph.Trace(ModuleName, EntryPoint, DecompositionPolicy(opts.DecomposeAttention), dtype, inputs, w.Entry())
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	return mod, nil
}

// Export captures w, writes <out-dir>/<safe-name>.mlir and runs the steps
// opts asks for.
func (e *Exporter) Export(ctx context.Context, w *unet.Wrapper, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.CompileTo == StageLinalg && e.Lowerer == nil {
		return nil, fmt.Errorf("export: stage %s needs a lowerer", opts.CompileTo)
	}

	if opts.CompileTo == StageVMFB && e.Compiler == nil {
		return nil, fmt.Errorf("export: stage %s needs a compiler", opts.CompileTo)
	}

	if opts.Upload && e.Uploader == nil {
		return nil, fmt.Errorf("export: upload requested without an uploader")
	}

	res := &Result{
		SafeName: SafeName(opts.ModelName, "-unet"),
		RunID:    uuid.NewString(),
	}
	log := e.logger().With("run_id", res.RunID, "model", opts.ModelName)

	log.Info("capturing unet",
		"batch_size", opts.BatchSize,
		"height", opts.Height,
		"width", opts.Width,
		"precision", opts.Precision,
		"decompose_attention", opts.DecomposeAttention,
	)

	mod, err := Capture(w, opts)
	if err != nil {
		return nil, err
	}

	log.Debug("captured module", "params", len(mod.Params), "ops", len(mod.Func.Ops))

	res.Weights, err = ExternalizeWeights(mod.Params, opts.ExternalWeights, opts.ExternalWeightPath)
	if err != nil {
		return nil, err
	}

	if opts.ExternalWeights != "" && opts.ExternalWeightPath != "" {
		res.WeightsPath = opts.ExternalWeightPath
		log.Info("wrote external weights", "path", res.WeightsPath, "tensors", len(res.Weights))
	}

	outDir := opts.OutDir
	if outDir == "" {
		outDir = "."
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create out dir: %w", err)
	}

	res.MLIRPath = filepath.Join(outDir, res.SafeName+".mlir")

	dgst, size, err := e.writeModule(ctx, mod, opts, res)
	if err != nil {
		return nil, err
	}

	log.Info("wrote module", "path", res.MLIRPath, "bytes", size, "digest", dgst.String())

	if opts.Upload {
		blob := tank.BlobName(opts.ModelName, "unet", e.now(), tank.DigestRevision(dgst))

		res.BlobName, err = e.Uploader.Upload(ctx, res.MLIRPath, blob)
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
	}

	if opts.CompileTo == StageVMFB {
		res.VMFBPath = filepath.Join(outDir, res.SafeName+".vmfb")
		log.Info("compiling vmfb", "device", opts.Compile.Device, "path", res.VMFBPath)

		if err := e.compileFile(ctx, res.MLIRPath, res.VMFBPath, opts.Compile); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// writeModule prints mod to res.MLIRPath and returns the digest and size of
// what was written. The text is buffered in memory only for the linalg stage
// or when opts.KeepModule is set.
func (e *Exporter) writeModule(ctx context.Context, mod *graph.Module, opts Options, res *Result) (digest.Digest, int64, error) {
	printOpts := mlir.Options{ExternalParams: opts.ExternalWeights != ""}

	if opts.CompileTo == StageLinalg {
		text, err := mlir.String(mod, printOpts)
		if err != nil {
			return "", 0, fmt.Errorf("export: print module: %w", err)
		}

		text, err = e.Lowerer.LowerToInput(ctx, text)
		if err != nil {
			return "", 0, fmt.Errorf("export: %w", err)
		}

		if err := os.WriteFile(res.MLIRPath, []byte(text), 0o644); err != nil {
			return "", 0, fmt.Errorf("export: write module: %w", err)
		}

		if opts.KeepModule {
			res.Module = text
		}

		return digest.FromString(text), int64(len(text)), nil
	}

	f, err := os.Create(res.MLIRPath)
	if err != nil {
		return "", 0, fmt.Errorf("export: write module: %w", err)
	}

	bw := bufio.NewWriterSize(f, 1<<20)
	dg := digest.Canonical.Digester()
	cw := &countWriter{}
	writers := []io.Writer{bw, dg.Hash(), cw}

	var kept strings.Builder
	if opts.KeepModule {
		writers = append(writers, &kept)
	}

	printErr := mlir.Print(io.MultiWriter(writers...), mod, printOpts)
	if printErr == nil {
		printErr = bw.Flush()
	}

	if closeErr := f.Close(); printErr == nil && closeErr != nil {
		printErr = closeErr
	}

	if printErr != nil {
		_ = os.Remove(res.MLIRPath)
		return "", 0, fmt.Errorf("export: write module: %w", printErr)
	}

	res.Module = kept.String()

	return dg.Digest(), cw.n, nil
}

func (e *Exporter) compileFile(ctx context.Context, mlirPath, vmfbPath string, opts iree.CompileOptions) error {
	f, err := os.Open(mlirPath)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer f.Close()

	if err := e.Compiler.CompileVMFB(ctx, bufio.NewReaderSize(f, 1<<20), vmfbPath, opts); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	return nil
}

type countWriter struct{ n int64 }

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
