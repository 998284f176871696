package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-pocket-stt/internal/audio"
	"github.com/example/go-pocket-stt/internal/transcribe"
)

func newTranscribeCmd() *cobra.Command {
	var (
		outputPath   string
		outputFormat string
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe <audio.wav>",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			samples, err := audio.LoadWAV(args[0])
			if err != nil {
				return err
			}

			svc, closeSvc, err := buildService(cfg)
			if err != nil {
				return err
			}
			defer closeSvc()

			opts := cfg.STT.DecodingOptions()

			var onProgress transcribe.ProgressFunc
			if showProgress {
				onProgress = func(p transcribe.Progress) bool {
					fmt.Fprintf(os.Stderr, "\r%s", strings.TrimSpace(p.WindowText))
					return true
				}
			}

			result, err := svc.Transcribe(cmd.Context(), samples, opts, onProgress)
			if err != nil {
				return err
			}

			if showProgress {
				fmt.Fprintln(os.Stderr)
			}

			out := os.Stdout

			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()

				out = f
			}

			return result.WriteTo(out, transcribe.OutputFormat(outputFormat))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the result to a file instead of stdout")
	cmd.Flags().StringVar(&outputFormat, "output-format", "text", "Output format (text|json|verbose_json|vtt)")
	cmd.Flags().BoolVar(&showProgress, "progress", false, "Stream partial text to stderr while decoding")

	return cmd
}
