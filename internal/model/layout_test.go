package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/go-pocket-stt/internal/whisper"
)

func writeArtifactDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	cfg := whisper.Config{
		NMels: 80, NAudioCtx: 1500, NAudioState: 384, NAudioHead: 6, NAudioLayer: 4,
		NVocab: 51865, NTextCtx: 448, NTextState: 384, NTextHead: 6, NTextLayer: 4,
	}

	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), cfgJSON, 0o644))

	for _, name := range []string{"encoder.safetensors", "decoder.safetensors", "vocab.json", "merges.txt", "added_tokens.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	return dir
}

func TestResolve(t *testing.T) {
	dir := writeArtifactDir(t)

	layout, err := Resolve(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "config.json"), layout.ConfigPath)
	require.Equal(t, filepath.Join(dir, "encoder.safetensors"), layout.EncoderPath)

	cfg, err := layout.Config()
	require.NoError(t, err)
	require.Equal(t, 80, cfg.NMels)
	require.Equal(t, 224, cfg.MaxDecoderCtx())
}

func TestResolveMissingArtifact(t *testing.T) {
	dir := writeArtifactDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "merges.txt")))

	_, err := Resolve(dir)
	require.ErrorIs(t, err, whisper.ErrModelUnavailable)
}

func TestResolveNotADirectory(t *testing.T) {
	dir := writeArtifactDir(t)

	_, err := Resolve(filepath.Join(dir, "config.json"))
	require.ErrorIs(t, err, whisper.ErrModelUnavailable)

	_, err = Resolve(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, whisper.ErrModelUnavailable)
}

func TestVerifyWithoutChecksums(t *testing.T) {
	dir := writeArtifactDir(t)

	report, err := Verify(dir)
	require.NoError(t, err)
	require.Equal(t, dir, report.Dir)
	require.Len(t, report.Checked, 6)
	require.Empty(t, report.Checksum)
}

func TestVerifyChecksums(t *testing.T) {
	dir := writeArtifactDir(t)

	sum := sha256.Sum256([]byte("merges.txt"))
	sums := map[string]string{"merges.txt": hex.EncodeToString(sum[:])}

	sumsJSON, err := json.Marshal(sums)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checksums.json"), sumsJSON, 0o644))

	report, err := Verify(dir)
	require.NoError(t, err)
	require.Len(t, report.Checksum, 1)
}

func TestVerifyChecksumMismatch(t *testing.T) {
	dir := writeArtifactDir(t)

	sums := map[string]string{"merges.txt": "deadbeef"}

	sumsJSON, err := json.Marshal(sums)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checksums.json"), sumsJSON, 0o644))

	_, err = Verify(dir)
	require.ErrorIs(t, err, whisper.ErrModelUnavailable)
}

func TestVerifyBadConfig(t *testing.T) {
	dir := writeArtifactDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))

	_, err := Verify(dir)
	require.ErrorIs(t, err, whisper.ErrModelUnavailable)
}
