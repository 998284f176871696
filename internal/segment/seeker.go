// Package segment turns a window's decoded token stream into time-aligned
// transcription segments and computes the seek position of the next window.
// Word-level timing via dynamic time warping lives in dtw.go and words.go.
package segment

import (
	"errors"
	"fmt"

	"github.com/example/go-pocket-stt/internal/decode"
	"github.com/example/go-pocket-stt/internal/tokenizer"
)

// ErrSegmentingFailed tags malformed token streams and alignment shape
// errors.
var ErrSegmentingFailed = errors.New("segment: segmenting failed")

// Segment is one time-aligned span of transcribed text.
type Segment struct {
	ID          int
	SeekSamples int
	Start       float64
	End         float64
	Text        string

	Tokens        []int
	TokenLogprobs []float32

	Temperature      float64
	AvgLogprob       float64
	CompressionRatio float64
	NoSpeechProb     float64

	Words []WordTiming

	// tokenStart/tokenEnd delimit this segment's slice of the window's
	// sampled tokens; word alignment uses them to select alignment rows.
	tokenStart int
	tokenEnd   int
}

// WordTiming is one word's span within a segment.
type WordTiming struct {
	Word        string
	Tokens      []int
	Start       float64
	End         float64
	Probability float64
}

// SeekResult is the outcome of segmenting one window.
type SeekResult struct {
	// SeekSamples is where the next window starts.
	SeekSamples int
	// Segments is nil for a skipped (silent) window.
	Segments []Segment
}

// FindSeekAndSegments builds segments from one window's decoding result and
// decides how far to advance the seek position.
//
// result.Tokens must be the sampled tokens of the window (prompt excluded,
// trailing end-of-text included).
func FindSeekAndSegments(
	result decode.Result,
	opts decode.Options,
	currentSeek, windowSamples, sampleRate, segmentIDBase int,
	spec tokenizer.Specials,
	tok tokenizer.Tokenizer,
) (SeekResult, error) {
	if windowSamples <= 0 || sampleRate <= 0 {
		return SeekResult{}, fmt.Errorf("%w: invalid window=%d rate=%d", ErrSegmentingFailed, windowSamples, sampleRate)
	}

	if currentSeek < 0 {
		return SeekResult{}, fmt.Errorf("%w: negative seek %d", ErrSegmentingFailed, currentSeek)
	}

	// Silent window: skip it entirely unless the decoder was confident in
	// actual speech.
	if opts.NoSpeechThreshold != nil && result.NoSpeechProb > *opts.NoSpeechThreshold {
		confident := opts.LogprobThreshold != nil && result.AvgLogprob > *opts.LogprobThreshold
		if !confident {
			return SeekResult{SeekSamples: currentSeek + windowSamples}, nil
		}
	}

	seekTime := float64(currentSeek) / float64(sampleRate)
	windowSeconds := float64(windowSamples) / float64(sampleRate)

	tokens := result.Tokens
	isTS := make([]bool, len(tokens))

	for i, t := range tokens {
		isTS[i] = spec.IsTimestamp(t)
	}

	// Indices of the second element of each adjacent timestamp pair.
	var consecutive []int

	for i := 1; i < len(tokens); i++ {
		if isTS[i] && isTS[i-1] {
			consecutive = append(consecutive, i)
		}
	}

	n := len(tokens)
	singleTimestampEnding := n >= 2 && isTS[n-1] && !isTS[n-2]
	noTimestampEnding := n >= 2 && !isTS[n-1] && !isTS[n-2]

	newSegment := func(start, end float64, sliceTokens []int, sliceLogprobs []float32, tokStart, tokEnd int) Segment {
		text := tok.Decode(sliceTokens, opts.SkipSpecialTokens)

		return Segment{
			ID:               segmentIDBase,
			SeekSamples:      currentSeek,
			Start:            start,
			End:              end,
			Text:             text,
			Tokens:           textTokens(sliceTokens, spec),
			TokenLogprobs:    sliceLogprobs,
			Temperature:      result.Temperature,
			AvgLogprob:       result.AvgLogprob,
			CompressionRatio: result.CompressionRatio,
			NoSpeechProb:     result.NoSpeechProb,
			tokenStart:       tokStart,
			tokenEnd:         tokEnd,
		}
	}

	var segments []Segment

	if len(consecutive) > 0 {
		ends := append([]int(nil), consecutive...)

		switch {
		case singleTimestampEnding:
			// The lone trailing timestamp implicitly closes the last slice.
			ends = append(ends, n)
		case noTimestampEnding:
			ends = append(ends, n)
		}

		prevEnd := 0
		var lastEndToken = -1

		for _, cur := range ends {
			if cur <= prevEnd {
				continue
			}

			slice := tokens[prevEnd:cur]

			firstTS, lastTS := -1, -1

			for _, t := range slice {
				if spec.IsTimestamp(t) {
					if firstTS < 0 {
						firstTS = t
					}

					lastTS = t
				}
			}

			if firstTS < 0 {
				prevEnd = cur
				continue
			}

			start := seekTime + spec.TimestampSeconds(firstTS)

			end := seekTime + spec.TimestampSeconds(lastTS)
			if end <= start {
				prevEnd = cur
				continue
			}

			var lps []float32
			if len(result.TokenLogprobs) >= cur {
				lps = result.TokenLogprobs[prevEnd:cur]
			}

			seg := newSegment(start, end, slice, lps, prevEnd, cur)
			seg.ID = segmentIDBase + len(segments)
			segments = append(segments, seg)

			lastEndToken = lastTS
			prevEnd = cur
		}

		if lastEndToken < 0 {
			return SeekResult{SeekSamples: currentSeek + windowSamples, Segments: segments}, nil
		}

		advance := spec.TimestampSeconds(lastEndToken)
		if singleTimestampEnding {
			// The implicit close consumed the lone timestamp; resume one
			// token earlier so its span is not skipped.
			advance -= tokenizer.SecondsPerTimestampToken
		}

		advanceSamples := int(advance * float64(sampleRate))
		if advanceSamples < 1 {
			advanceSamples = 1
		}

		if advanceSamples > windowSamples {
			advanceSamples = windowSamples
		}

		return SeekResult{SeekSamples: currentSeek + advanceSamples, Segments: segments}, nil
	}

	// No adjacent pairs: one segment covering the whole window.
	end := seekTime + windowSeconds

	maxTS := -1
	for _, t := range tokens {
		if spec.IsTimestamp(t) && t > maxTS {
			maxTS = t
		}
	}

	if maxTS >= 0 && spec.TimestampSeconds(maxTS) > 0 {
		end = seekTime + spec.TimestampSeconds(maxTS)
	}

	var lps []float32
	if len(result.TokenLogprobs) >= len(tokens) {
		lps = result.TokenLogprobs
	}

	seg := newSegment(seekTime, end, tokens, lps, 0, len(tokens))
	segments = append(segments, seg)

	return SeekResult{SeekSamples: currentSeek + windowSamples, Segments: segments}, nil
}

// textTokens filters out special and timestamp tokens.
func textTokens(tokens []int, spec tokenizer.Specials) []int {
	out := make([]int, 0, len(tokens))

	for _, t := range tokens {
		if t < spec.SpecialBegin {
			out = append(out, t)
		}
	}

	return out
}
