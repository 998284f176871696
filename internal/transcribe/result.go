package transcribe

import (
	"strings"
	"time"

	"github.com/example/go-pocket-stt/internal/segment"
)

// Timings records wall-clock spent in each pipeline stage.
type Timings struct {
	FeatureExtraction time.Duration
	Encode            time.Duration
	Decode            time.Duration
	WordAlignment     time.Duration
	Total             time.Duration

	Windows       int
	FallbackRuns  int
	DecodedTokens int

	// RealTimeFactor is processing time divided by audio duration.
	RealTimeFactor float64
}

// Result is a completed transcription.
type Result struct {
	Text     string
	Segments []segment.Segment

	Language      string
	LanguageProbs map[string]float64

	Timings Timings

	// SeekTime is the final seek position in seconds.
	SeekTime float64
}

// joinSegmentText concatenates segment texts in order.
func joinSegmentText(segments []segment.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Text)
	}

	return b.String()
}

// Progress is delivered to the streaming callback after every sampled token.
type Progress struct {
	TranscriptionID string

	// WindowText is the cumulative text of the window being decoded; within
	// one window successive values are monotonic prefixes.
	WindowText string
	Tokens     []int

	AvgLogprob       float64
	CompressionRatio float64

	Timings Timings
}

// ProgressFunc receives streaming progress. Returning false requests an
// early stop of the current window; prompt tokens never trigger callbacks.
// Implementations must not block.
type ProgressFunc func(Progress) bool
