package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/go-sd-turbine/internal/config"
	"github.com/example/go-sd-turbine/internal/doctor"
	"github.com/example/go-sd-turbine/internal/iree"
	"github.com/example/go-sd-turbine/internal/model"
	"github.com/example/go-sd-turbine/internal/safetensors"
	"github.com/example/go-sd-turbine/internal/unet"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local compiler, model and host checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			stage, err := config.NormalizeStage(cfg.Export.CompileTo)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "model: %s (dir %s)\n", cfg.Model.Name, cfg.Model.Dir)

			compiler := iree.NewCompiler(cfg.Compile.Binary)
			weights := unet.WeightsPath(cfg.Model.Dir, cfg.Model.Variant)

			dcfg := doctor.Config{
				IREEVersion: func() (string, error) {
					return compiler.Version(cmd.Context())
				},
				SkipIREE:    stage == config.StageTorch,
				ModelFiles:  []string{filepath.Join(cfg.Model.Dir, "unet", "config.json"), weights},
				WeightsPath: weights,
				ValidateWeights: func(path string) error {
					store, err := safetensors.OpenStore(path)
					if err != nil {
						return err
					}
					store.Close()
					return nil
				},
				HostMemory:    doctor.HostMemory,
				MaxAllocation: cfg.Compile.MaxAllocation,
			}

			result := doctor.Run(dcfg, out)

			// A previous export with external weights is checked too.
			if cfg.Export.ExternalWeights != "" {
				mlirPath, weightsPath := verifyPaths(cfg, "", "")
				if _, statErr := os.Stat(mlirPath); statErr == nil {
					_, verifyErr := model.VerifyExternalWeights(model.VerifyOptions{
						MLIRPath:    mlirPath,
						WeightsPath: weightsPath,
						Stdout:      out,
					})
					if verifyErr != nil {
						result.AddFailure(fmt.Sprintf("export verify: %v", verifyErr))
					}
				}
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					// #nosec G705 -- Writes plain diagnostic text to stderr for CLI output, not HTML rendering.
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}
