package onnx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, graphs []manifestGraph) string {
	t.Helper()

	dir := t.TempDir()

	for _, g := range graphs {
		if g.Filename != "" {
			require.NoError(t, os.WriteFile(filepath.Join(dir, g.Filename), []byte("onnx"), 0o644))
		}
	}

	data, err := json.Marshal(graphManifest{Graphs: graphs})
	require.NoError(t, err)

	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, []manifestGraph{
		{
			Name:     "encoder",
			Filename: "encoder.onnx",
			Inputs:   []NodeInfo{{Name: "mel"}},
			Outputs:  []NodeInfo{{Name: "audio_embedding"}},
		},
		{
			Name:     "decoder_step",
			Filename: "decoder.onnx",
			Inputs:   []NodeInfo{{Name: "tokens"}, {Name: "audio_embedding"}, {Name: "kv_cache"}, {Name: "offset"}},
			Outputs:  []NodeInfo{{Name: "logits"}, {Name: "kv_cache_out"}},
		},
	})

	paths, err := loadManifest(path)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Equal(t, filepath.Join(filepath.Dir(path), "encoder.onnx"), paths["encoder"])
}

func TestLoadManifestIgnoresUnknownGraphs(t *testing.T) {
	path := writeManifest(t, []manifestGraph{
		{Name: "encoder", Filename: "encoder.onnx"},
		{Name: "decoder_step", Filename: "decoder.onnx"},
		{Name: "voice_cloner", Filename: "extra.onnx"},
	})

	paths, err := loadManifest(path)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.NotContains(t, paths, "voice_cloner")
}

func TestLoadManifestMissingRequiredGraph(t *testing.T) {
	path := writeManifest(t, []manifestGraph{
		{Name: "encoder", Filename: "encoder.onnx"},
	})

	_, err := loadManifest(path)
	require.ErrorContains(t, err, "decoder_step")
}

func TestLoadManifestRejectsUndeclaredNodes(t *testing.T) {
	// The encoder declares inputs but not the one the engine feeds.
	path := writeManifest(t, []manifestGraph{
		{
			Name:     "encoder",
			Filename: "encoder.onnx",
			Inputs:   []NodeInfo{{Name: "spectrogram"}},
		},
		{Name: "decoder_step", Filename: "decoder.onnx"},
	})

	_, err := loadManifest(path)
	require.ErrorContains(t, err, `input "mel"`)
}

func TestLoadManifestDuplicateGraph(t *testing.T) {
	path := writeManifest(t, []manifestGraph{
		{Name: "encoder", Filename: "a.onnx"},
		{Name: "encoder", Filename: "b.onnx"},
		{Name: "decoder_step", Filename: "decoder.onnx"},
	})

	_, err := loadManifest(path)
	require.Error(t, err)
}

func TestLoadManifestErrors(t *testing.T) {
	_, err := loadManifest("")
	require.Error(t, err)

	_, err = loadManifest("/nonexistent/manifest.json")
	require.Error(t, err)
}

func TestLoadManifestMissingGraphFile(t *testing.T) {
	dir := t.TempDir()

	data, err := json.Marshal(graphManifest{Graphs: []manifestGraph{
		{Name: "encoder", Filename: "missing.onnx"},
		{Name: "decoder_step", Filename: "also-missing.onnx"},
	}})
	require.NoError(t, err)

	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = loadManifest(path)
	require.Error(t, err)
}

func TestNewTensor(t *testing.T) {
	tt, err := NewTensor([]float32{1, 2, 3, 4}, []int64{2, 2})
	require.NoError(t, err)
	require.Equal(t, DTypeFloat32, tt.DType())
	require.Equal(t, []int64{2, 2}, tt.Shape())

	data, err := tt.Float32Data()
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, data)

	ints, err := NewTensor([]int64{1, 2}, []int64{2})
	require.NoError(t, err)
	require.Equal(t, DTypeInt64, ints.DType())

	_, err = ints.Float32Data()
	require.Error(t, err)

	_, err = NewTensor([]float32{1}, []int64{2})
	require.Error(t, err)
}
