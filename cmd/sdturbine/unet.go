package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/example/go-sd-turbine/internal/config"
	"github.com/example/go-sd-turbine/internal/export"
	"github.com/example/go-sd-turbine/internal/iree"
	"github.com/example/go-sd-turbine/internal/tank"
	"github.com/example/go-sd-turbine/internal/unet"
	"github.com/spf13/cobra"
)

func newUNetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unet",
		Short: "UNet export commands",
	}

	cmd.AddCommand(newUNetExportCmd(), newUNetBenchCmd())
	return cmd
}

func newUNetExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Capture the guided UNet and write <safe-name>.mlir (and .vmfb)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			res, err := runExport(cmd, cfg)
			if err != nil {
				return err
			}

			printExportResult(cmd.OutOrStdout(), res)

			return nil
		},
	}
}

// printExportResult reports every artifact an export produced, the module
// first.
func printExportResult(w io.Writer, res *export.Result) {
	_, _ = fmt.Fprintf(w, "Saved to %s\n", res.MLIRPath)
	if res.VMFBPath != "" {
		_, _ = fmt.Fprintf(w, "Compiled to %s\n", res.VMFBPath)
	}
	if res.WeightsPath != "" {
		_, _ = fmt.Fprintf(w, "Weights saved to %s\n", res.WeightsPath)
	}
	if res.BlobName != "" {
		_, _ = fmt.Fprintf(w, "Uploaded as %s\n", res.BlobName)
	}
}

func runExport(cmd *cobra.Command, cfg config.Config) (*export.Result, error) {
	opts, err := exportOptions(cfg)
	if err != nil {
		return nil, err
	}

	m, err := unet.Load(cfg.Model.Dir, cfg.Model.Variant)
	if err != nil {
		return nil, fmt.Errorf("load unet from %s: %w (run `sdturbine model download` first)", cfg.Model.Dir, err)
	}
	defer m.Close()

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	return exporter.Export(cmd.Context(), unet.NewWrapper(m), opts)
}

// exportOptions maps the loaded configuration onto one export request. When
// weights are externalized without a path they land next to the module.
func exportOptions(cfg config.Config) (export.Options, error) {
	stage, err := config.NormalizeStage(cfg.Export.CompileTo)
	if err != nil {
		return export.Options{}, err
	}

	device, err := config.NormalizeDevice(cfg.Compile.Device)
	if err != nil {
		return export.Options{}, err
	}

	opts := export.Options{
		ModelName:          cfg.Model.Name,
		BatchSize:          int64(cfg.Export.BatchSize),
		Height:             int64(cfg.Export.Height),
		Width:              int64(cfg.Export.Width),
		Precision:          cfg.Export.Precision,
		MaxLength:          int64(cfg.Export.MaxLength),
		CompileTo:          export.Stage(stage),
		ExternalWeights:    cfg.Export.ExternalWeights,
		ExternalWeightPath: cfg.Export.ExternalWeightPath,
		DecomposeAttention: cfg.Export.DecomposeAttention,
		Upload:             cfg.Upload.Enabled,
		OutDir:             cfg.Export.OutDir,
		Compile: iree.CompileOptions{
			Device:        device,
			TargetTriple:  cfg.Compile.TargetTriple,
			MaxAllocation: cfg.Compile.MaxAllocation,
		},
	}

	if opts.ExternalWeights != "" && opts.ExternalWeightPath == "" {
		opts.ExternalWeightPath = filepath.Join(opts.OutDir, export.SafeName(opts.ModelName, "-unet")+"."+opts.ExternalWeights)
	}

	return opts, opts.Validate()
}

func newExporter(cfg config.Config) (*export.Exporter, error) {
	compiler := iree.NewCompiler(cfg.Compile.Binary)

	e := &export.Exporter{
		Lowerer:  compiler,
		Compiler: compiler,
		Logger:   slog.Default(),
	}

	if cfg.Upload.Enabled {
		up, err := tank.NewAzureUploader(cfg.Upload.ConnectionString, cfg.Upload.Container)
		if err != nil {
			return nil, err
		}
		up.Logger = slog.Default()
		e.Uploader = up
	}

	return e, nil
}
