package decode

import (
	"bytes"
	"compress/zlib"
)

// Result is one window's accepted decoder output.
type Result struct {
	Tokens        []int
	TokenLogprobs []float32
	Text          string

	AvgLogprob       float64
	NoSpeechProb     float64
	CompressionRatio float64
	Temperature      float64

	Language      string
	LanguageProbs map[string]float64

	// FallbackReason records why the previous attempt was rejected; empty on
	// a first-try accept.
	FallbackReason string
}

// CompressionRatio returns uncompressed/compressed byte length of data under
// zlib; repetitive hallucinations compress far better than real speech.
func CompressionRatio(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return 0
	}

	if err := w.Close(); err != nil {
		return 0
	}

	if buf.Len() == 0 {
		return 0
	}

	return float64(len(data)) / float64(buf.Len())
}
