package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitPattern approximates the GPT-2 pre-tokenization regex. RE2 has no
// lookahead, so trailing-whitespace handling happens in splitPretokens.
var splitPattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

// BPETokenizer is a byte-level BPE tokenizer over vocab.json + merges.txt
// with the transcript control tokens resolved from added_tokens.json.
// It is read-only after construction and safe for concurrent use.
type BPETokenizer struct {
	tokenToID map[string]int
	idToToken map[int]string
	addedToID map[string]int
	idToAdded map[int]string
	ranks     map[[2]string]int

	byteToRune [256]rune
	runeToByte map[rune]byte

	specials  Specials
	langToTok map[string]int
	tokToLang map[int]string
}

func newBPETokenizer(vocab map[string]int, merges string, added map[string]int) (*BPETokenizer, error) {
	t := &BPETokenizer{
		tokenToID:  make(map[string]int, len(vocab)),
		idToToken:  make(map[int]string, len(vocab)),
		addedToID:  make(map[string]int, len(added)),
		idToAdded:  make(map[int]string, len(added)),
		ranks:      make(map[[2]string]int),
		runeToByte: make(map[rune]byte, 256),
		langToTok:  make(map[string]int, len(languageCodes)),
		tokToLang:  make(map[int]string, len(languageCodes)),
	}

	for tok, id := range vocab {
		t.tokenToID[tok] = id
		t.idToToken[id] = tok
	}

	for tok, id := range added {
		t.addedToID[tok] = id
		t.idToAdded[id] = tok
	}

	rank := 0

	for line := range strings.Lines(merges) {
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}

		left, right, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("%w: malformed merge line %q", ErrTokenizerUnavailable, line)
		}

		t.ranks[[2]string{left, right}] = rank
		rank++
	}

	if len(t.ranks) == 0 {
		return nil, fmt.Errorf("%w: no merges loaded", ErrTokenizerUnavailable)
	}

	buildByteMaps(&t.byteToRune, t.runeToByte)

	specials, err := resolveSpecials(vocab, added)
	if err != nil {
		return nil, err
	}

	t.specials = specials

	for i, code := range languageCodes {
		tok, ok := added["<|"+code+"|>"]
		if !ok {
			// Artifacts without explicit language entries lay them out
			// immediately after the transcript start token.
			tok = specials.StartOfTranscript + 1 + i
		}

		t.langToTok[code] = tok
		t.tokToLang[tok] = code
	}

	return t, nil
}

// buildByteMaps fills the reversible byte <-> printable-rune mapping used by
// byte-level BPE vocabularies.
func buildByteMaps(byteToRune *[256]rune, runeToByte map[rune]byte) {
	isPrintable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}

	n := 0

	for b := range 256 {
		var r rune
		if isPrintable(b) {
			r = rune(b)
		} else {
			r = rune(256 + n)
			n++
		}

		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

func (t *BPETokenizer) Specials() Specials {
	return t.specials
}

// LanguageToken returns the control token for an ISO language code.
func (t *BPETokenizer) LanguageToken(code string) (int, error) {
	tok, ok := t.langToTok[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return 0, fmt.Errorf("tokenizer: unsupported language %q", code)
	}

	return tok, nil
}

// LanguageCode returns the ISO code for a language control token.
func (t *BPETokenizer) LanguageCode(token int) (string, error) {
	code, ok := t.tokToLang[token]
	if !ok {
		return "", fmt.Errorf("tokenizer: token %d is not a language token", token)
	}

	return code, nil
}

// Encode tokenizes text into BPE token ids.
func (t *BPETokenizer) Encode(text string) ([]int, error) {
	var out []int

	for _, piece := range splitPretokens(text) {
		mapped := make([]byte, 0, len(piece)*2)
		for _, b := range []byte(piece) {
			mapped = utf8.AppendRune(mapped, t.byteToRune[b])
		}

		for _, part := range t.applyBPE(string(mapped)) {
			id, ok := t.tokenToID[part]
			if !ok {
				return nil, fmt.Errorf("tokenizer: subword %q not in vocabulary", part)
			}

			out = append(out, id)
		}
	}

	return out, nil
}

// splitPretokens runs the GPT-2 pattern and then re-attaches the final
// whitespace character of an all-whitespace run to the following token,
// compensating for the missing negative lookahead in RE2.
func splitPretokens(text string) []string {
	raw := splitPattern.FindAllString(text, -1)

	out := make([]string, 0, len(raw))
	for i, piece := range raw {
		if i+1 < len(raw) && len(piece) > 1 && isAllSpace(piece) && !strings.HasPrefix(raw[i+1], " ") {
			// " ?..." alternatives never match after we hand the last space
			// over, so move it explicitly.
			last := piece[len(piece)-1:]
			if head := piece[:len(piece)-1]; head != "" {
				out = append(out, head)
			}

			raw[i+1] = last + raw[i+1]

			continue
		}

		out = append(out, piece)
	}

	return out
}

func isAllSpace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}

	return len(s) > 0
}

// applyBPE merges the rune sequence of one pre-token by repeatedly joining
// the lowest-ranked adjacent pair.
func (t *BPETokenizer) applyBPE(piece string) []string {
	if _, ok := t.tokenToID[piece]; ok {
		return []string{piece}
	}

	parts := make([]string, 0, utf8.RuneCountInString(piece))
	for _, r := range piece {
		parts = append(parts, string(r))
	}

	for len(parts) > 1 {
		bestRank := -1
		bestIdx := -1

		for i := 0; i+1 < len(parts); i++ {
			rank, ok := t.ranks[[2]string{parts[i], parts[i+1]}]
			if !ok {
				continue
			}

			if bestRank < 0 || rank < bestRank {
				bestRank = rank
				bestIdx = i
			}
		}

		if bestIdx < 0 {
			break
		}

		merged := parts[bestIdx] + parts[bestIdx+1]
		parts = append(parts[:bestIdx], append([]string{merged}, parts[bestIdx+2:]...)...)
	}

	return parts
}

// Decode renders token ids back to text.
func (t *BPETokenizer) Decode(tokens []int, skipSpecial bool) string {
	var buf []byte

	for _, tok := range tokens {
		if tok >= t.specials.SpecialBegin {
			if skipSpecial {
				continue
			}

			buf = append(buf, t.specialText(tok)...)

			continue
		}

		text, ok := t.idToToken[tok]
		if !ok {
			continue
		}

		for _, r := range text {
			if b, ok := t.runeToByte[r]; ok {
				buf = append(buf, b)
			}
		}
	}

	return string(buf)
}

func (t *BPETokenizer) specialText(tok int) string {
	if text, ok := t.idToAdded[tok]; ok {
		return text
	}

	if t.specials.IsTimestamp(tok) && tok < t.specials.VocabSize {
		return fmt.Sprintf("<|%.2f|>", t.specials.TimestampSeconds(tok))
	}

	return ""
}
