package tokenizer

import (
	"strings"
	"unicode"
)

// SplitToWordTokens groups a segment's tokens into word strings and the token
// runs that produced them.
func (t *BPETokenizer) SplitToWordTokens(tokens []int, language string) ([]string, [][]int) {
	if perTokenSplitLanguages[strings.ToLower(language)] {
		return t.splitTokensOnUnicode(tokens)
	}

	return t.splitTokensOnSpaces(tokens)
}

// splitTokensOnUnicode emits one unit per decodable rune run: tokens are
// accumulated until their decoding contains no UTF-8 replacement character,
// so multi-token code points stay in one unit.
func (t *BPETokenizer) splitTokensOnUnicode(tokens []int) ([]string, [][]int) {
	const replacement = "�"

	decodedFull := t.Decode(tokens, true)

	var words []string
	var wordTokens [][]int

	var current []int
	unicodeOffset := 0

	for _, tok := range tokens {
		current = append(current, tok)
		decoded := t.Decode(current, true)

		hasReplacement := strings.Contains(decoded, replacement)
		if hasReplacement {
			// The run may legitimately contain U+FFFD; only treat it as
			// incomplete when the full decoding has no replacement there.
			pos := unicodeOffset + strings.Index(decoded, replacement)
			if pos < len(decodedFull) && strings.HasPrefix(decodedFull[pos:], replacement) {
				hasReplacement = false
			}
		}

		if hasReplacement || decoded == "" {
			continue
		}

		words = append(words, decoded)
		wordTokens = append(wordTokens, current)
		unicodeOffset += len(decoded)
		current = nil
	}

	if len(current) > 0 {
		if decoded := t.Decode(current, true); decoded != "" {
			words = append(words, decoded)
			wordTokens = append(wordTokens, current)
		}
	}

	return words, wordTokens
}

// splitTokensOnSpaces merges unicode units into space-delimited words:
// a unit starts a new word when it begins with a space or is punctuation.
func (t *BPETokenizer) splitTokensOnSpaces(tokens []int) ([]string, [][]int) {
	units, unitTokens := t.splitTokensOnUnicode(tokens)

	var words []string
	var wordTokens [][]int

	for i, unit := range units {
		startsWithSpace := strings.HasPrefix(unit, " ")
		isPunct := isPunctuationUnit(unit)

		if len(words) == 0 || startsWithSpace || isPunct {
			words = append(words, unit)
			wordTokens = append(wordTokens, unitTokens[i])

			continue
		}

		words[len(words)-1] += unit
		wordTokens[len(wordTokens)-1] = append(wordTokens[len(wordTokens)-1], unitTokens[i]...)
	}

	return words, wordTokens
}

func isPunctuationUnit(unit string) bool {
	trimmed := strings.TrimSpace(unit)
	if trimmed == "" {
		return false
	}

	for _, r := range trimmed {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			return false
		}
	}

	return true
}
