package decode

import (
	"math"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
	"github.com/example/go-pocket-stt/internal/tokenizer"
)

// LogitsFilter mutates a logits vector in place given the tokens sampled so
// far (prompt included). Filters run in a fixed order; each one sees the
// previous filter's output.
type LogitsFilter interface {
	Filter(logits []float32, tokens []int)
}

// FilterStack applies filters in order.
type FilterStack []LogitsFilter

func (s FilterStack) Filter(logits []float32, tokens []int) {
	for _, f := range s {
		f.Filter(logits, tokens)
	}
}

var negInf = float32(math.Inf(-1))

// SuppressBlank forbids a transcript that opens with whitespace or ends
// immediately: at the first sampling position only, the whitespace token and
// the end-of-text token are masked.
type SuppressBlank struct {
	WhitespaceToken int
	EndOfText       int
	SampleBegin     int
}

func (f SuppressBlank) Filter(logits []float32, tokens []int) {
	if len(tokens) != f.SampleBegin {
		return
	}

	if f.WhitespaceToken >= 0 && f.WhitespaceToken < len(logits) {
		logits[f.WhitespaceToken] = negInf
	}

	if f.EndOfText >= 0 && f.EndOfText < len(logits) {
		logits[f.EndOfText] = negInf
	}
}

// SuppressTokens masks a fixed token list at every step.
type SuppressTokens struct {
	Tokens []int
}

func (f SuppressTokens) Filter(logits []float32, _ []int) {
	for _, tok := range f.Tokens {
		if tok >= 0 && tok < len(logits) {
			logits[tok] = negInf
		}
	}
}

// TimestampRules enforces the timestamp grammar: timestamps open and close in
// pairs, never decrease, and take over whenever their total probability mass
// beats every text token.
type TimestampRules struct {
	Specials    tokenizer.Specials
	SampleBegin int

	// MaxInitialTimestampIndex bounds the first sampled timestamp token;
	// <= 0 leaves the initial timestamp unconstrained.
	MaxInitialTimestampIndex int

	scratch []float32
}

func (f *TimestampRules) Filter(logits []float32, tokens []int) {
	s := f.Specials

	if s.NoTimestamps >= 0 && s.NoTimestamps < len(logits) {
		logits[s.NoTimestamps] = negInf
	}

	sampled := tokens
	if f.SampleBegin <= len(tokens) {
		sampled = tokens[f.SampleBegin:]
	}

	lastWasTimestamp := len(sampled) >= 1 && s.IsTimestamp(sampled[len(sampled)-1])
	// A window opens with a timestamp, so a single sampled token counts as a
	// closed pair: text has to follow it.
	penultimateWasTimestamp := len(sampled) < 2 || s.IsTimestamp(sampled[len(sampled)-2])

	if lastWasTimestamp {
		if penultimateWasTimestamp {
			// Pair closed: text must follow.
			maskRange(logits, s.TimestampBegin, len(logits))
		} else {
			// Pair open: only a closing timestamp or end-of-text may follow.
			eot := logits[s.EndOfText]
			maskRange(logits, 0, s.TimestampBegin)
			logits[s.EndOfText] = eot
		}
	}

	// Timestamps never decrease, and a closed pair must advance.
	lastTimestamp := -1

	for _, tok := range sampled {
		if s.IsTimestamp(tok) {
			lastTimestamp = tok
		}
	}

	if lastTimestamp >= 0 {
		floor := lastTimestamp
		if !(lastWasTimestamp && !penultimateWasTimestamp) {
			floor++
		}

		maskRange(logits, s.TimestampBegin, floor)
	}

	if len(sampled) == 0 {
		// A window always opens with a timestamp.
		maskRange(logits, 0, s.TimestampBegin)

		if f.MaxInitialTimestampIndex > 0 {
			maskRange(logits, s.TimestampBegin+f.MaxInitialTimestampIndex+1, len(logits))
		}
	}

	// When the joint timestamp probability beats every text token, force a
	// timestamp.
	if len(f.scratch) != len(logits) {
		f.scratch = make([]float32, len(logits))
	}

	tensor.LogSoftmaxRow(logits, f.scratch)

	timestampLogprob := tensor.LogSumExpRow(f.scratch[s.TimestampBegin:])

	maxTextLogprob := negInf
	for _, lp := range f.scratch[:s.TimestampBegin] {
		if lp > maxTextLogprob {
			maxTextLogprob = lp
		}
	}

	if timestampLogprob > maxTextLogprob {
		maskRange(logits, 0, s.TimestampBegin)
	}
}

// LanguageOnly restricts sampling to language tokens; used for the single
// detection step.
type LanguageOnly struct {
	Allowed []int
}

func (f LanguageOnly) Filter(logits []float32, _ []int) {
	allowed := make(map[int]bool, len(f.Allowed))
	for _, tok := range f.Allowed {
		allowed[tok] = true
	}

	for i := range logits {
		if !allowed[i] {
			logits[i] = negInf
		}
	}
}

func maskRange(logits []float32, lo, hi int) {
	lo = max(lo, 0)

	hi = min(hi, len(logits))
	for i := lo; i < hi; i++ {
		logits[i] = negInf
	}
}
