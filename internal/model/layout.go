// Package model resolves and verifies the on-disk model artifact layout:
// config.json, the encoder and decoder checkpoints, and the tokenizer
// artifacts.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/example/go-pocket-stt/internal/whisper"
)

// Layout is a resolved artifact directory.
type Layout struct {
	Dir string

	ConfigPath  string
	EncoderPath string
	DecoderPath string

	VocabPath  string
	MergesPath string
	AddedPath  string
}

// requiredFiles in an artifact directory, relative to its root.
var requiredFiles = []string{
	whisper.ConfigFile,
	whisper.EncoderFile,
	whisper.DecoderFile,
	"vocab.json",
	"merges.txt",
	"added_tokens.json",
}

// Resolve checks dir contains every required artifact and returns the layout.
func Resolve(dir string) (Layout, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %v", whisper.ErrModelUnavailable, err)
	}

	if !info.IsDir() {
		return Layout{}, fmt.Errorf("%w: %s is not a directory", whisper.ErrModelUnavailable, dir)
	}

	for _, name := range requiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return Layout{}, fmt.Errorf("%w: missing artifact %s: %v", whisper.ErrModelUnavailable, name, err)
		}
	}

	return Layout{
		Dir:         dir,
		ConfigPath:  filepath.Join(dir, whisper.ConfigFile),
		EncoderPath: filepath.Join(dir, whisper.EncoderFile),
		DecoderPath: filepath.Join(dir, whisper.DecoderFile),
		VocabPath:   filepath.Join(dir, "vocab.json"),
		MergesPath:  filepath.Join(dir, "merges.txt"),
		AddedPath:   filepath.Join(dir, "added_tokens.json"),
	}, nil
}

// Config loads the model dimensions from the layout.
func (l Layout) Config() (whisper.Config, error) {
	return whisper.LoadConfig(l.ConfigPath)
}

// VerifyReport is the outcome of a layout verification.
type VerifyReport struct {
	Dir      string            `json:"dir"`
	Config   whisper.Config    `json:"config"`
	Checked  []string          `json:"checked"`
	Checksum map[string]string `json:"checksums,omitempty"`
}

// Verify validates the artifact directory: every file present, dimensions
// parse, and, when a checksums.json is present, sha256 sums match.
func Verify(dir string) (VerifyReport, error) {
	layout, err := Resolve(dir)
	if err != nil {
		return VerifyReport{}, err
	}

	cfg, err := layout.Config()
	if err != nil {
		return VerifyReport{}, fmt.Errorf("%w: %v", whisper.ErrModelUnavailable, err)
	}

	report := VerifyReport{
		Dir:     dir,
		Config:  cfg,
		Checked: append([]string(nil), requiredFiles...),
	}

	sumsPath := filepath.Join(dir, "checksums.json")

	sumsRaw, err := os.ReadFile(sumsPath)
	if err != nil {
		// Checksums are optional.
		return report, nil
	}

	var want map[string]string
	if err := json.Unmarshal(sumsRaw, &want); err != nil {
		return VerifyReport{}, fmt.Errorf("%w: parse checksums.json: %v", whisper.ErrModelUnavailable, err)
	}

	report.Checksum = make(map[string]string, len(want))

	for name, expected := range want {
		got, err := fileSHA256(filepath.Join(dir, name))
		if err != nil {
			return VerifyReport{}, fmt.Errorf("%w: checksum %s: %v", whisper.ErrModelUnavailable, name, err)
		}

		if got != expected {
			return VerifyReport{}, fmt.Errorf("%w: checksum mismatch for %s: got %s want %s", whisper.ErrModelUnavailable, name, got, expected)
		}

		report.Checksum[name] = got
	}

	return report, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
