// Package whisper implements the native encoder-decoder speech model on the
// in-repo tensor runtime. Weights load from safetensors checkpoints; the
// decoder runs incrementally against a per-window key/value cache.
package whisper

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the model dimensions read from the artifact's config.json.
type Config struct {
	NMels       int `json:"n_mels"`
	NAudioCtx   int `json:"n_audio_ctx"`
	NAudioState int `json:"n_audio_state"`
	NAudioHead  int `json:"n_audio_head"`
	NAudioLayer int `json:"n_audio_layer"`
	NVocab      int `json:"n_vocab"`
	NTextCtx    int `json:"n_text_ctx"`
	NTextState  int `json:"n_text_state"`
	NTextHead   int `json:"n_text_head"`
	NTextLayer  int `json:"n_text_layer"`
}

// LoadConfig reads and validates a config.json.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("whisper: read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("whisper: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the dimensions are usable.
func (c Config) Validate() error {
	switch {
	case c.NMels != 80 && c.NMels != 128:
		return fmt.Errorf("whisper: n_mels must be 80 or 128, got %d", c.NMels)
	case c.NAudioCtx <= 0 || c.NAudioState <= 0 || c.NAudioHead <= 0 || c.NAudioLayer <= 0:
		return fmt.Errorf("whisper: invalid audio dims %+v", c)
	case c.NVocab <= 0 || c.NTextCtx <= 0 || c.NTextState <= 0 || c.NTextHead <= 0 || c.NTextLayer <= 0:
		return fmt.Errorf("whisper: invalid text dims %+v", c)
	case c.NAudioState%c.NAudioHead != 0:
		return fmt.Errorf("whisper: n_audio_state %d not divisible by n_audio_head %d", c.NAudioState, c.NAudioHead)
	case c.NTextState%c.NTextHead != 0:
		return fmt.Errorf("whisper: n_text_state %d not divisible by n_text_head %d", c.NTextState, c.NTextHead)
	}

	return nil
}

// MaxDecoderCtx is the token budget of one decoding run: half the trained
// text context, leaving room for the carried previous-window prompt.
func (c Config) MaxDecoderCtx() int {
	return c.NTextCtx / 2
}
