package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-pocket-stt/internal/model"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect and verify model artifacts",
	}

	cmd.AddCommand(newModelInfoCmd())
	cmd.AddCommand(newModelVerifyCmd())

	return cmd
}

func newModelInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the configured model's dimensions",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			layout, err := model.Resolve(cfg.Paths.ModelDir)
			if err != nil {
				return err
			}

			modelCfg, err := layout.Config()
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(map[string]any{
				"dir":    layout.Dir,
				"config": modelCfg,
			})
		},
	}
}

func newModelVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the model artifact directory",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			report, err := model.Verify(cfg.Paths.ModelDir)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(report)
		},
	}
}
