package main

import (
	"fmt"
	"path/filepath"

	"github.com/example/go-sd-turbine/internal/config"
	"github.com/example/go-sd-turbine/internal/export"
	"github.com/example/go-sd-turbine/internal/model"
	"github.com/spf13/cobra"
)

func newModelVerifyCmd() *cobra.Command {
	var mlirPath string
	var weightsPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check an exported module against its external weights file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			mlirPath, weightsPath = verifyPaths(cfg, mlirPath, weightsPath)

			_, err = model.VerifyExternalWeights(model.VerifyOptions{
				MLIRPath:    mlirPath,
				WeightsPath: weightsPath,
				Stdout:      cmd.OutOrStdout(),
			})
			if err != nil {
				return fmt.Errorf("model verify failed: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&mlirPath, "mlir", "", "Exported module (default: <out-dir>/<safe-name>.mlir)")
	cmd.Flags().StringVar(&weightsPath, "weights", "", "External weights file (default: --external-weight-path or <out-dir>/<safe-name>.safetensors)")

	return cmd
}

// verifyPaths fills unset paths with the names an export would have written.
func verifyPaths(cfg config.Config, mlirPath, weightsPath string) (string, string) {
	base := filepath.Join(cfg.Export.OutDir, export.SafeName(cfg.Model.Name, "-unet"))

	if mlirPath == "" {
		mlirPath = base + ".mlir"
	}

	if weightsPath == "" {
		weightsPath = cfg.Export.ExternalWeightPath
	}

	if weightsPath == "" {
		weightsPath = base + "." + export.FormatSafetensors
	}

	return mlirPath, weightsPath
}
