// Package transcribe orchestrates the transcription pipeline: windowing,
// language detection, prompt construction, the decode loop with temperature
// fallback, segment construction, and streaming progress callbacks.
//
// The tensor components are consumed through small capability interfaces so
// the same orchestration drives either the native runtime or the ONNX
// runtime backend.
package transcribe

import (
	"context"
	"errors"

	"github.com/example/go-pocket-stt/internal/decode"
	"github.com/example/go-pocket-stt/internal/runtime/tensor"
)

// Error kinds surfaced by the pipeline. Backend adapters wrap their native
// errors with these so callers can classify with errors.Is.
var (
	ErrEncoderFailed              = errors.New("transcribe: encoder failed")
	ErrDecodingLogitsFailed       = errors.New("transcribe: decoding logits failed")
	ErrPrepareDecoderInputsFailed = errors.New("transcribe: prepare decoder inputs failed")
	ErrTranscriptionFailed        = errors.New("transcribe: transcription failed")
)

// FeatureExtractor converts one zero-padded 30-second window of PCM into a
// log-mel spectrogram.
type FeatureExtractor interface {
	LogMelSpectrogram(samples []float32) (*tensor.Tensor, error)
	NMels() int
}

// Encoder converts a mel spectrogram into the encoder embedding the decoder
// cross-attends to. Implementations must be safe for concurrent use across
// windows.
type Encoder interface {
	Encode(ctx context.Context, mel *tensor.Tensor) (*tensor.Tensor, error)
}

// Decoder creates per-window decoding runs. Implementations must be safe for
// concurrent use; the returned runs are not.
type Decoder interface {
	// NewRun binds a window's encoder embedding; cross-attention state is
	// computed once here and survives fallback resets.
	NewRun(encoderEmb *tensor.Tensor, collectAlignment bool) (DecoderRun, error)
	// MaxContext is the token capacity of one run.
	MaxContext() int
	VocabSize() int
}

// DecoderRun is one window's mutable decoding state. Exclusively owned by a
// single decoding attempt.
type DecoderRun interface {
	// Prefill feeds the prompt in one pass, returning the last position's
	// logits and, when sotIndex >= 0, the logits at the transcript-start
	// position (for the no-speech probability).
	Prefill(tokens []int, sotIndex int) (last []float32, sot []float32, err error)
	// Step feeds one token and returns the next-token logits; the cache
	// grows by one position.
	Step(token int) ([]float32, error)
	// Len is the number of cached positions.
	Len() int
	// Reset empties the cache for a fallback retry, keeping cross-attention
	// state.
	Reset()
	// Alignment returns captured cross-attention rows, one per sampled step.
	Alignment() [][]float32
	// Close releases any backend resources held by the run.
	Close()
}

// Chunker provides voiced spans for the vad chunking strategy.
type Chunker interface {
	VoicedRanges(samples []float32) ([]decode.ClipRange, error)
	Close() error
}
