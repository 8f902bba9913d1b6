package main

import (
	"fmt"
	"time"

	"github.com/example/go-sd-turbine/internal/bench"
	"github.com/example/go-sd-turbine/internal/export"
	"github.com/example/go-sd-turbine/internal/mlir"
	"github.com/example/go-sd-turbine/internal/unet"
	"github.com/spf13/cobra"
)

func newUNetBenchCmd() *cobra.Command {
	var (
		runs      int
		format    string
		warmOnly  bool
		threshold time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time repeated capture and printing of the guided UNet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			opts, err := exportOptions(cfg)
			if err != nil {
				return err
			}

			m, err := unet.Load(cfg.Model.Dir, cfg.Model.Variant)
			if err != nil {
				return fmt.Errorf("load unet from %s: %w (run `sdturbine model download` first)", cfg.Model.Dir, err)
			}
			defer m.Close()

			results, err := bench.Run(runs, nil, measureExport(unet.NewWrapper(m), opts))
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results, warmOnly))

			switch format {
			case "json":
				if err := bench.FormatJSON(results, stats, cmd.OutOrStdout()); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			return bench.CheckMeanThreshold(stats.Mean, threshold)
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 3, "Number of capture runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().BoolVar(&warmOnly, "warm-only", false, "Exclude the cold first run from the summary")
	cmd.Flags().DurationVar(&threshold, "max-mean", 0, "Exit non-zero if the mean run exceeds this duration (0 = disabled)")

	return cmd
}

// countingWriter discards output and counts bytes.
type countingWriter struct{ n int }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}

// measureExport returns one bench pass: capture, then print the module the
// way export would, without touching the filesystem.
func measureExport(w *unet.Wrapper, opts export.Options) func() (bench.Sample, error) {
	printOpts := mlir.Options{ExternalParams: opts.ExternalWeights != ""}

	return func() (bench.Sample, error) {
		start := time.Now()
		mod, err := export.Capture(w, opts)
		if err != nil {
			return bench.Sample{}, err
		}
		captured := time.Now()

		var cw countingWriter
		if err := mlir.Print(&cw, mod, printOpts); err != nil {
			return bench.Sample{}, err
		}

		return bench.Sample{
			Capture: captured.Sub(start),
			Print:   time.Since(captured),
			Ops:     len(mod.Func.Ops),
			Params:  len(mod.Params),
			Bytes:   cw.n,
		}, nil
	}
}
