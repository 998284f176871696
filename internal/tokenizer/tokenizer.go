// Package tokenizer provides the byte-level BPE text tokenizer used by the
// decoder, including the special-token table (transcript controls, language
// tags, timestamp tokens) resolved from the model's tokenizer artifacts.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrTokenizerUnavailable tags artifact loading failures.
var ErrTokenizerUnavailable = errors.New("tokenizer: unavailable")

// SecondsPerTimestampToken is the time increment each timestamp token encodes.
const SecondsPerTimestampToken = 0.02

// TimestampTokenCount covers <|0.00|> .. <|30.00|>.
const TimestampTokenCount = 1501

// Specials is the resolved special-token table.
type Specials struct {
	EndOfText         int
	StartOfTranscript int
	StartOfPrev       int
	NoSpeech          int
	NoTimestamps      int
	Transcribe        int
	Translate         int

	// SpecialBegin is the smallest special token id; ids below it are plain
	// text tokens.
	SpecialBegin int
	// TimestampBegin is the id of <|0.00|>; ids in
	// [TimestampBegin, VocabSize) are timestamp tokens.
	TimestampBegin int
	VocabSize      int

	// WhitespaceToken is the id of the single-space token, suppressed at the
	// first sampling position together with EndOfText.
	WhitespaceToken int
}

// IsTimestamp reports whether tok encodes a timestamp.
func (s Specials) IsTimestamp(tok int) bool {
	return tok >= s.TimestampBegin
}

// TimestampSeconds converts a timestamp token to seconds.
func (s Specials) TimestampSeconds(tok int) float64 {
	return float64(tok-s.TimestampBegin) * SecondsPerTimestampToken
}

// TimestampToken converts seconds to the nearest timestamp token.
func (s Specials) TimestampToken(seconds float64) int {
	idx := int(seconds/SecondsPerTimestampToken + 0.5)
	if idx < 0 {
		idx = 0
	}

	if idx >= TimestampTokenCount {
		idx = TimestampTokenCount - 1
	}

	return s.TimestampBegin + idx
}

// Tokenizer is the contract the decoding pipeline needs from a tokenizer.
type Tokenizer interface {
	// Encode tokenizes text into BPE token ids (no special tokens added).
	Encode(text string) ([]int, error)
	// Decode renders token ids back to text. Special and timestamp tokens
	// are skipped when skipSpecial is true, otherwise rendered literally.
	Decode(tokens []int, skipSpecial bool) string
	// SplitToWordTokens groups a segment's tokens into word strings and the
	// token runs that produced them. Space-delimited languages split on
	// spaces and leading punctuation; others split per unicode grapheme run.
	SplitToWordTokens(tokens []int, language string) ([]string, [][]int)
	// Specials returns the resolved special-token table.
	Specials() Specials
	// LanguageToken returns the control token for an ISO language code.
	LanguageToken(code string) (int, error)
	// LanguageCode is the inverse of LanguageToken.
	LanguageCode(token int) (string, error)
}

// artifact file names inside the model directory.
const (
	vocabFile  = "vocab.json"
	mergesFile = "merges.txt"
	addedFile  = "added_tokens.json"
)

// Load reads tokenizer artifacts from dir and builds a BPE tokenizer.
func Load(dir string) (*BPETokenizer, error) {
	vocabPath := filepath.Join(dir, vocabFile)

	vocabRaw, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTokenizerUnavailable, vocabPath, err)
	}

	var vocab map[string]int
	if err := json.Unmarshal(vocabRaw, &vocab); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrTokenizerUnavailable, vocabPath, err)
	}

	mergesPath := filepath.Join(dir, mergesFile)

	mergesRaw, err := os.ReadFile(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTokenizerUnavailable, mergesPath, err)
	}

	addedPath := filepath.Join(dir, addedFile)

	addedRaw, err := os.ReadFile(addedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTokenizerUnavailable, addedPath, err)
	}

	var added map[string]int
	if err := json.Unmarshal(addedRaw, &added); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrTokenizerUnavailable, addedPath, err)
	}

	return newBPETokenizer(vocab, string(mergesRaw), added)
}

func resolveSpecials(vocab map[string]int, added map[string]int) (Specials, error) {
	lookup := func(names ...string) (int, error) {
		for _, name := range names {
			if id, ok := added[name]; ok {
				return id, nil
			}

			if id, ok := vocab[name]; ok {
				return id, nil
			}
		}

		return 0, fmt.Errorf("%w: missing special token %q", ErrTokenizerUnavailable, names[0])
	}

	var s Specials
	var err error

	if s.EndOfText, err = lookup("<|endoftext|>"); err != nil {
		return Specials{}, err
	}

	if s.StartOfTranscript, err = lookup("<|startoftranscript|>"); err != nil {
		return Specials{}, err
	}

	if s.StartOfPrev, err = lookup("<|startofprev|>"); err != nil {
		return Specials{}, err
	}

	// Older artifact sets name the no-speech token <|nocaptions|>.
	if s.NoSpeech, err = lookup("<|nospeech|>", "<|nocaptions|>"); err != nil {
		return Specials{}, err
	}

	if s.NoTimestamps, err = lookup("<|notimestamps|>"); err != nil {
		return Specials{}, err
	}

	if s.Transcribe, err = lookup("<|transcribe|>"); err != nil {
		return Specials{}, err
	}

	if s.Translate, err = lookup("<|translate|>"); err != nil {
		return Specials{}, err
	}

	if id, ok := added["<|0.00|>"]; ok {
		s.TimestampBegin = id
	} else {
		s.TimestampBegin = s.NoTimestamps + 1
	}

	s.VocabSize = s.TimestampBegin + TimestampTokenCount
	s.SpecialBegin = min(s.EndOfText, s.StartOfTranscript)

	if id, ok := vocab[" "]; ok {
		s.WhitespaceToken = id
	} else if id, ok := vocab["Ġ"]; ok {
		// Byte-level vocabularies store the space as its mapped form.
		s.WhitespaceToken = id
	} else {
		s.WhitespaceToken = -1
	}

	return s, nil
}
