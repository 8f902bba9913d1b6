package main

import (
	"fmt"
	"os"

	"github.com/example/go-sd-turbine/internal/model"
	"github.com/spf13/cobra"
)

func newModelDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the UNet config and weights from Hugging Face",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			err = model.Download(cmd.Context(), model.DownloadOptions{
				Repo:     cfg.Model.Name,
				Revision: cfg.Model.Revision,
				Variant:  cfg.Model.Variant,
				OutDir:   cfg.Model.Dir,
				HFToken:  cfg.Model.AuthToken,
				Stdout:   cmd.OutOrStdout(),
				Stderr:   os.Stderr,
			})
			if err != nil {
				return fmt.Errorf("model download failed: %w", err)
			}

			return nil
		},
	}

	return cmd
}
