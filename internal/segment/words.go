package segment

import (
	"math"
	"strings"

	"github.com/example/go-pocket-stt/internal/tokenizer"
)

// Default punctuation sets for word merging.
const (
	DefaultPrependPunctuation = "\"'“¿([{-"
	DefaultAppendPunctuation  = "\"'.。,，!！?？:：”)]}、"
)

// secondsPerAlignmentFrame is the time span of one encoder frame.
const secondsPerAlignmentFrame = 0.02

// maxWordDurationCap bounds the median word duration used for outlier
// truncation.
const maxWordDurationCap = 0.7

// segmentBoundaryDisagreement is the anti-drift clamp: word-derived segment
// edges further than this from the timestamp-token edges are discarded.
const segmentBoundaryDisagreement = 0.5

var sentenceEndMarks = []string{".", "。", "!", "！", "?", "？"}

// AddWordTimestamps aligns each segment's text tokens to audio frames via
// dynamic time warping over the window's cross-attention weights and fills
// the segments' Words.
//
// alignment holds one row of n_audio_ctx weights per sampled window token;
// windowTokens/windowLogprobs are the window's sampled tokens (the same ones
// FindSeekAndSegments consumed).
func AddWordTimestamps(
	segments []Segment,
	alignment [][]float32,
	windowTokens []int,
	windowLogprobs []float32,
	spec tokenizer.Specials,
	tok tokenizer.Tokenizer,
	language string,
	prependPunct, appendPunct string,
	seekTime float64,
) error {
	if len(segments) == 0 {
		return nil
	}

	if prependPunct == "" {
		prependPunct = DefaultPrependPunctuation
	}

	if appendPunct == "" {
		appendPunct = DefaultAppendPunctuation
	}

	// Select the alignment rows of every segment's text tokens.
	type tokenRef struct {
		segIdx int
		token  int
		lp     float32
	}

	var refs []tokenRef
	var matrix [][]float64

	for si := range segments {
		seg := &segments[si]

		for r := seg.tokenStart; r < seg.tokenEnd && r < len(windowTokens); r++ {
			t := windowTokens[r]
			if t >= spec.SpecialBegin {
				continue
			}

			if r >= len(alignment) {
				continue
			}

			row := make([]float64, len(alignment[r]))
			for j, v := range alignment[r] {
				row[j] = float64(v)
			}

			var lp float32
			if r < len(windowLogprobs) {
				lp = windowLogprobs[r]
			}

			refs = append(refs, tokenRef{segIdx: si, token: t, lp: lp})
			matrix = append(matrix, row)
		}
	}

	if len(matrix) == 0 {
		return nil
	}

	textIndices, timeIndices, err := dtw(matrix)
	if err != nil {
		return err
	}

	// Per-token begin times from the first trace visit of each text index,
	// plus a closing bound at the end of the window.
	n := len(matrix)
	cols := len(matrix[0])

	beginTimes := make([]float64, n+1)
	for i := range beginTimes {
		beginTimes[i] = float64(cols) * secondsPerAlignmentFrame
	}

	seen := -1

	for k, ti := range textIndices {
		if ti > seen {
			seen = ti
			beginTimes[ti] = float64(timeIndices[k]) * secondsPerAlignmentFrame
		}
	}

	// Group words per segment so word boundaries never straddle segments.
	offset := 0

	for si := range segments {
		seg := &segments[si]

		var segTokens []int
		var segLps []float32

		for _, ref := range refs[offset:] {
			if ref.segIdx != si {
				break
			}

			segTokens = append(segTokens, ref.token)
			segLps = append(segLps, ref.lp)
		}

		if len(segTokens) == 0 {
			continue
		}

		words := buildWords(segTokens, segLps, beginTimes[offset:offset+len(segTokens)+1], tok, language)
		words = mergePunctuation(words, prependPunct, appendPunct)
		constrainDurations(words)

		for i := range words {
			words[i].Start += seekTime
			words[i].End += seekTime
		}

		applyWordsToSegment(seg, words)

		offset += len(segTokens)
	}

	return nil
}

// buildWords groups tokens into words with begin/end times and probability.
func buildWords(tokens []int, logprobs []float32, beginTimes []float64, tok tokenizer.Tokenizer, language string) []WordTiming {
	wordStrings, wordTokens := tok.SplitToWordTokens(tokens, language)

	var out []WordTiming

	tokenPos := 0
	for i, word := range wordStrings {
		count := len(wordTokens[i])
		if count == 0 || tokenPos+count > len(tokens) {
			break
		}

		start := beginTimes[tokenPos]
		end := beginTimes[min(tokenPos+count, len(beginTimes)-1)]

		var lpSum float64
		for _, lp := range logprobs[tokenPos : tokenPos+count] {
			lpSum += float64(lp)
		}

		prob := math.Pow(10, lpSum/float64(count))
		if prob > 1 {
			prob = 1
		}

		if prob <= 0 {
			prob = math.SmallestNonzeroFloat64
		}

		out = append(out, WordTiming{
			Word:        word,
			Tokens:      append([]int(nil), wordTokens[i]...),
			Start:       start,
			End:         math.Max(end, start),
			Probability: prob,
		})

		tokenPos += count
	}

	return out
}

// mergePunctuation attaches prepended punctuation to the following word and
// appended punctuation to the previous one.
func mergePunctuation(words []WordTiming, prependPunct, appendPunct string) []WordTiming {
	var out []WordTiming

	for _, w := range words {
		trimmed := strings.TrimSpace(w.Word)

		if len(out) > 0 && trimmed != "" && strings.ContainsAny(trimmed, appendPunct) && isOnly(trimmed, appendPunct) {
			prev := &out[len(out)-1]
			prev.Word += w.Word
			prev.Tokens = append(prev.Tokens, w.Tokens...)
			prev.End = math.Max(prev.End, w.End)

			continue
		}

		out = append(out, w)
	}

	// Prepended punctuation merges forward into the following word.
	var merged []WordTiming

	for i := 0; i < len(out); i++ {
		w := out[i]
		trimmed := strings.TrimSpace(w.Word)

		if i+1 < len(out) && trimmed != "" && isOnly(trimmed, prependPunct) {
			next := out[i+1]
			next.Word = w.Word + next.Word
			next.Tokens = append(append([]int(nil), w.Tokens...), next.Tokens...)
			next.Start = math.Min(w.Start, next.Start)
			out[i+1] = next

			continue
		}

		merged = append(merged, w)
	}

	return merged
}

func isOnly(s, set string) bool {
	for _, r := range s {
		if !strings.ContainsRune(set, r) {
			return false
		}
	}

	return s != ""
}

// constrainDurations caps outlier word durations using the capped median and
// truncates unusually long words at sentence boundaries.
func constrainDurations(words []WordTiming) {
	if len(words) == 0 {
		return
	}

	var durations []float64

	for _, w := range words {
		if d := w.End - w.Start; d > 0 {
			durations = append(durations, math.Min(d, maxWordDurationCap))
		}
	}

	median := maxWordDurationCap
	if len(durations) > 0 {
		median = medianOf(durations)
	}

	maxDuration := 2 * median

	for i := range words {
		w := &words[i]
		if w.End-w.Start <= maxDuration {
			continue
		}

		switch {
		case endsSentence(w.Word):
			w.End = w.Start + maxDuration
		case i > 0 && endsSentence(words[i-1].Word):
			w.Start = w.End - maxDuration
		}
	}
}

func endsSentence(word string) bool {
	trimmed := strings.TrimSpace(word)
	for _, mark := range sentenceEndMarks {
		if strings.HasSuffix(trimmed, mark) {
			return true
		}
	}

	return false
}

// applyWordsToSegment stores the words and re-derives the segment edges from
// them, unless the word-derived edge drifts too far from the timestamp edge.
func applyWordsToSegment(seg *Segment, words []WordTiming) {
	if len(words) == 0 {
		return
	}

	first := words[0].Start
	last := words[len(words)-1].End

	if math.Abs(first-seg.Start) <= segmentBoundaryDisagreement {
		seg.Start = first
	}

	if math.Abs(last-seg.End) <= segmentBoundaryDisagreement {
		seg.End = last
	}

	// Clamp word spans into the (possibly preserved) segment bounds.
	for i := range words {
		if words[i].Start < seg.Start {
			words[i].Start = seg.Start
		}

		if words[i].End > seg.End {
			words[i].End = seg.End
		}

		if words[i].End < words[i].Start {
			words[i].End = words[i].Start
		}
	}

	seg.Words = words
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)

	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}

	return (sorted[mid-1] + sorted[mid]) / 2
}
