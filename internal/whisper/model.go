package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrModelUnavailable tags missing or unreadable model artifacts.
var ErrModelUnavailable = errors.New("whisper: model unavailable")

// Artifact file names inside a model directory.
const (
	ConfigFile  = "config.json"
	EncoderFile = "encoder.safetensors"
	DecoderFile = "decoder.safetensors"
)

// Model bundles the encoder and decoder loaded from one artifact directory.
type Model struct {
	Encoder *Encoder
	Decoder *Decoder
	Config  Config
}

// LoadModel reads config.json plus the encoder and decoder checkpoints from
// dir. Weight names inside each checkpoint carry the "encoder." / "decoder."
// prefix.
func LoadModel(dir string) (*Model, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	encPath := filepath.Join(dir, EncoderFile)
	if _, err := os.Stat(encPath); err != nil {
		return nil, fmt.Errorf("%w: encoder checkpoint: %v", ErrModelUnavailable, err)
	}

	encVB, err := OpenVarBuilder(encPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	encoder, err := LoadEncoder(encVB.Path("encoder"), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	decPath := filepath.Join(dir, DecoderFile)
	if _, err := os.Stat(decPath); err != nil {
		return nil, fmt.Errorf("%w: decoder checkpoint: %v", ErrModelUnavailable, err)
	}

	decVB, err := OpenVarBuilder(decPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	decoder, err := LoadDecoder(decVB.Path("decoder"), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	return &Model{Encoder: encoder, Decoder: decoder, Config: cfg}, nil
}
