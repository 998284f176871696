// Package testutil provides shared skip helpers and synthetic audio fixtures
// for tests.
//
// Each skip helper calls t.Skip with a clear human-readable reason when the
// named prerequisite is absent, so integration tests remain runnable in
// partial environments without failing noisily.
package testutil

import (
	"math"
	"os"
	"testing"
)

// RequireModelDir skips the test unless POCKETSTT_MODEL_DIR points at an
// existing model artifact directory.
func RequireModelDir(t *testing.T) string {
	t.Helper()

	dir := os.Getenv("POCKETSTT_MODEL_DIR")
	if dir == "" {
		t.Skip("model artifacts not available; set POCKETSTT_MODEL_DIR to run")
	}

	if _, err := os.Stat(dir); err != nil {
		t.Skipf("model directory %q not accessible: %v", dir, err)
	}

	return dir
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located via ORT_LIBRARY_PATH or POCKETSTT_ORT_LIB or common system paths.
func RequireONNXRuntime(t *testing.T) {
	t.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "POCKETSTT_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return
			}

			t.Skipf("ONNX Runtime library not found at %s=%q", env, p)
		}
	}

	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return
		}
	}

	t.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or POCKETSTT_ORT_LIB")
}

// Silence returns n zero samples.
func Silence(n int) []float32 {
	return make([]float32, n)
}

// Sine returns n samples of a freq Hz sine at the given rate and amplitude.
func Sine(n int, freq float64, sampleRate int, amplitude float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}

	return out
}
