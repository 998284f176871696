// Package decode holds the per-transcription decoding configuration, the
// logits filter stack, and the token samplers.
package decode

import (
	"fmt"
)

// Task selects transcription or translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// ChunkingStrategy selects how silence between windows is skipped.
type ChunkingStrategy string

const (
	ChunkingNone ChunkingStrategy = "none"
	ChunkingVAD  ChunkingStrategy = "vad"
)

// LanguageAuto requests language detection on the first window.
const LanguageAuto = "auto"

// ClipRange is a half-open [Start, End) span in seconds. End <= 0 means
// "until the end of the audio".
type ClipRange struct {
	Start float64
	End   float64
}

// Options configures one transcription.
type Options struct {
	Task        Task
	Language    string
	Temperature float64

	TemperatureFallbackCount int
	TemperatureFallbackStep  float64

	// SampleLength caps tokens per window; 0 means the decoder context limit.
	SampleLength int
	TopK         int

	WithoutTimestamps bool
	WordTimestamps    bool

	SuppressBlank  bool
	SuppressTokens []int

	// MaxInitialTimestamp bounds the first timestamp of a window, in seconds.
	// 0 disables the bound.
	MaxInitialTimestamp float64

	NoSpeechThreshold          *float64
	LogprobThreshold           *float64
	FirstTokenLogprobThreshold *float64
	CompressionRatioThreshold  *float64

	ClipTimestamps []ClipRange

	SkipSpecialTokens bool

	PromptTokens []int
	PrefixTokens []int

	ChunkingStrategy      ChunkingStrategy
	ConcurrentWorkerCount int

	// DetectLanguageOnly stops after the language-detection step.
	DetectLanguageOnly bool
}

// Float is a convenience for the optional threshold fields.
func Float(v float64) *float64 { return &v }

// DefaultOptions returns the standard decoding configuration.
func DefaultOptions() Options {
	return Options{
		Task:                     TaskTranscribe,
		Language:                 LanguageAuto,
		Temperature:              0,
		TemperatureFallbackCount: 5,
		TemperatureFallbackStep:  0.2,
		TopK:                     5,
		SuppressBlank:            true,
		NoSpeechThreshold:        Float(0.6),
		LogprobThreshold:         Float(-1.0),
		CompressionRatioThreshold: Float(2.4),
		SkipSpecialTokens:         true,
		ChunkingStrategy:          ChunkingNone,
		ConcurrentWorkerCount:     1,
	}
}

// Validate rejects configurations the pipeline cannot honor.
func (o Options) Validate() error {
	switch o.Task {
	case TaskTranscribe, TaskTranslate:
	default:
		return fmt.Errorf("decode: unknown task %q", o.Task)
	}

	if o.Temperature < 0 {
		return fmt.Errorf("decode: temperature must be >= 0, got %f", o.Temperature)
	}

	if o.TemperatureFallbackCount < 0 {
		return fmt.Errorf("decode: fallback count must be >= 0, got %d", o.TemperatureFallbackCount)
	}

	if o.TemperatureFallbackStep < 0 {
		return fmt.Errorf("decode: fallback step must be >= 0, got %f", o.TemperatureFallbackStep)
	}

	if o.SampleLength < 0 {
		return fmt.Errorf("decode: sample length must be >= 0, got %d", o.SampleLength)
	}

	if o.TopK < 0 {
		return fmt.Errorf("decode: top-k must be >= 0, got %d", o.TopK)
	}

	if o.ConcurrentWorkerCount < 0 {
		return fmt.Errorf("decode: worker count must be >= 0, got %d", o.ConcurrentWorkerCount)
	}

	switch o.ChunkingStrategy {
	case ChunkingNone, ChunkingVAD, "":
	default:
		return fmt.Errorf("decode: unknown chunking strategy %q", o.ChunkingStrategy)
	}

	for i, clip := range o.ClipTimestamps {
		if clip.Start < 0 || (clip.End > 0 && clip.End <= clip.Start) {
			return fmt.Errorf("decode: invalid clip range %d: [%f, %f)", i, clip.Start, clip.End)
		}
	}

	return nil
}
