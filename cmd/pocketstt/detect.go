package main

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/go-pocket-stt/internal/audio"
)

func newDetectLanguageCmd() *cobra.Command {
	var topN int

	cmd := &cobra.Command{
		Use:   "detect-language <audio.wav>",
		Short: "Detect the spoken language of an audio file",
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

			language, probs, err := svc.DetectLanguage(cmd.Context(), samples)
			if err != nil {
				return err
			}

			type langProb struct {
				Language    string  `json:"language"`
				Probability float64 `json:"probability"`
			}

			ranked := make([]langProb, 0, len(probs))
			for code, p := range probs {
				ranked = append(ranked, langProb{Language: code, Probability: p})
			}

			sort.Slice(ranked, func(a, b int) bool { return ranked[a].Probability > ranked[b].Probability })

			if topN > 0 && len(ranked) > topN {
				ranked = ranked[:topN]
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(map[string]any{
				"language":   language,
				"candidates": ranked,
			})
		},
	}

	cmd.Flags().IntVar(&topN, "top", 5, "Number of candidate languages to print")

	return cmd
}
