package transcribe

import (
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/example/go-pocket-stt/internal/decode"
	"github.com/example/go-pocket-stt/internal/mel"
)

// SileroChunker implements Chunker over the Silero voice-activity detector.
// The underlying detector keeps internal state, so calls are serialized.
type SileroChunker struct {
	mu       sync.Mutex
	detector *speech.Detector
}

// SileroConfig configures the detector; zero values take the defaults below.
type SileroConfig struct {
	ModelPath            string
	Threshold            float32
	WindowSize           int
	MinSilenceDurationMs int
	SpeechPadMs          int
}

// NewSileroChunker loads the Silero ONNX model at cfg.ModelPath.
func NewSileroChunker(cfg SileroConfig) (*SileroChunker, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}

	if cfg.WindowSize == 0 {
		cfg.WindowSize = 1536
	}

	if cfg.MinSilenceDurationMs == 0 {
		cfg.MinSilenceDurationMs = 2000
	}

	if cfg.SpeechPadMs == 0 {
		cfg.SpeechPadMs = 100
	}

	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           mel.SampleRate,
		WindowSize:           cfg.WindowSize,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe: create speech detector: %w", err)
	}

	return &SileroChunker{detector: sd}, nil
}

// VoicedRanges returns the voiced spans of samples as clip ranges.
func (c *SileroChunker) VoicedRanges(samples []float32) ([]decode.ClipRange, error) {
	if c == nil || c.detector == nil {
		return nil, fmt.Errorf("transcribe: speech detector unavailable")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.detector.Reset(); err != nil {
		return nil, fmt.Errorf("transcribe: reset speech detector: %w", err)
	}

	detected, err := c.detector.Detect(samples)
	if err != nil {
		return nil, fmt.Errorf("transcribe: speech detection: %w", err)
	}

	out := make([]decode.ClipRange, 0, len(detected))

	for _, s := range detected {
		end := s.SpeechEndAt
		if end <= 0 {
			// An open-ended final segment runs to the end of the audio.
			end = float64(len(samples)) / float64(mel.SampleRate)
		}

		out = append(out, decode.ClipRange{Start: s.SpeechStartAt, End: end})
	}

	return out, nil
}

// Close releases the detector.
func (c *SileroChunker) Close() error {
	if c == nil || c.detector == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.detector.Destroy()
	c.detector = nil

	return err
}
