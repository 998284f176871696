package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testVocabulary builds a small byte-level vocabulary: single printable
// characters, the mapped space, and a few merged subwords.
func testVocabulary() (map[string]int, string, map[string]int) {
	vocab := map[string]int{}

	id := 0
	add := func(tok string) int {
		if existing, ok := vocab[tok]; ok {
			return existing
		}

		vocab[tok] = id
		id++

		return vocab[tok]
	}

	for c := 'a'; c <= 'z'; c++ {
		add(string(c))
	}

	for c := '!'; c <= '@'; c++ {
		add(string(c))
	}

	add("Ġ") // mapped space
	add("he")
	add("ll")
	add("llo")
	add("hello")
	add("Ġw")
	add("Ġworld")
	add("or")
	add("ld")
	add("orld")

	merges := "#version: 0.2\n" +
		"h e\n" +
		"l l\n" +
		"ll o\n" +
		"he llo\n" +
		"Ġ w\n" +
		"o r\n" +
		"l d\n" +
		"or ld\n" +
		"Ġw orld\n"

	added := map[string]int{
		"<|endoftext|>":         100,
		"<|startoftranscript|>": 101,
	}

	// Language tokens follow the transcript start in control-token order.
	for i, code := range languageCodes {
		added["<|"+code+"|>"] = 102 + i
	}

	base := 102 + len(languageCodes)
	added["<|translate|>"] = base
	added["<|transcribe|>"] = base + 1
	added["<|startofprev|>"] = base + 2
	added["<|nospeech|>"] = base + 3
	added["<|notimestamps|>"] = base + 4
	added["<|0.00|>"] = base + 5

	return vocab, merges, added
}

func newTestTokenizer(t *testing.T) *BPETokenizer {
	t.Helper()

	vocab, merges, added := testVocabulary()

	tok, err := newBPETokenizer(vocab, merges, added)
	require.NoError(t, err)

	return tok
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := newTestTokenizer(t)

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	require.Equal(t, "hello world", tok.Decode(ids, true))
}

func TestEncodeAppliesMerges(t *testing.T) {
	tok := newTestTokenizer(t)

	ids, err := tok.Encode("hello")
	require.NoError(t, err)
	require.Equal(t, []int{tok.tokenToID["hello"]}, ids)

	ids, err = tok.Encode(" world")
	require.NoError(t, err)
	require.Equal(t, []int{tok.tokenToID["Ġworld"]}, ids)
}

func TestEncodeUnknownRune(t *testing.T) {
	tok := newTestTokenizer(t)

	_, err := tok.Encode("héllo")
	require.Error(t, err)
}

func TestDecodeSkipsSpecials(t *testing.T) {
	tok := newTestTokenizer(t)
	spec := tok.Specials()

	ids, err := tok.Encode("hello")
	require.NoError(t, err)

	withSpecials := append([]int{spec.StartOfTranscript}, ids...)
	withSpecials = append(withSpecials, spec.EndOfText)

	require.Equal(t, "hello", tok.Decode(withSpecials, true))
	require.Contains(t, tok.Decode(withSpecials, false), "<|startoftranscript|>")
}

func TestDecodeRendersTimestamps(t *testing.T) {
	tok := newTestTokenizer(t)
	spec := tok.Specials()

	text := tok.Decode([]int{spec.TimestampBegin + 50}, false)
	require.Equal(t, "<|1.00|>", text)
}

func TestSpecialsResolution(t *testing.T) {
	tok := newTestTokenizer(t)
	spec := tok.Specials()

	require.Equal(t, 100, spec.EndOfText)
	require.Equal(t, 101, spec.StartOfTranscript)
	require.Equal(t, 100, spec.SpecialBegin)
	require.Equal(t, spec.TimestampBegin+TimestampTokenCount, spec.VocabSize)
	require.True(t, spec.IsTimestamp(spec.TimestampBegin))
	require.False(t, spec.IsTimestamp(spec.TimestampBegin-1))
}

func TestTimestampConversions(t *testing.T) {
	tok := newTestTokenizer(t)
	spec := tok.Specials()

	require.InDelta(t, 0, spec.TimestampSeconds(spec.TimestampBegin), 1e-9)
	require.InDelta(t, 1.0, spec.TimestampSeconds(spec.TimestampBegin+50), 1e-9)
	require.Equal(t, spec.TimestampBegin+50, spec.TimestampToken(1.0))
	require.Equal(t, spec.TimestampBegin, spec.TimestampToken(-1))
	require.Equal(t, spec.TimestampBegin+TimestampTokenCount-1, spec.TimestampToken(1e6))
}

func TestLanguageTokens(t *testing.T) {
	tok := newTestTokenizer(t)

	en, err := tok.LanguageToken("en")
	require.NoError(t, err)
	require.Equal(t, 102, en)

	ja, err := tok.LanguageToken("ja")
	require.NoError(t, err)

	code, err := tok.LanguageCode(ja)
	require.NoError(t, err)
	require.Equal(t, "ja", code)

	_, err = tok.LanguageToken("xx")
	require.Error(t, err)

	_, err = tok.LanguageCode(0)
	require.Error(t, err)
}

func TestLanguageHelpers(t *testing.T) {
	require.True(t, IsSupportedLanguage("en"))
	require.False(t, IsSupportedLanguage("klingon"))
	require.Len(t, LanguageCodes(), len(languageCodes))
}

func TestSplitToWordTokensSpaces(t *testing.T) {
	tok := newTestTokenizer(t)

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)

	words, wordTokens := tok.SplitToWordTokens(ids, "en")
	require.Equal(t, []string{"hello", " world"}, words)
	require.Len(t, wordTokens, 2)

	total := 0
	for _, wt := range wordTokens {
		total += len(wt)
	}

	require.Equal(t, len(ids), total)
}

func TestSplitPretokens(t *testing.T) {
	pieces := splitPretokens("hello world")
	require.Equal(t, []string{"hello", " world"}, pieces)

	// A double space keeps the last space attached to the following word.
	pieces = splitPretokens("a  b")
	require.Equal(t, []string{"a", " ", " b"}, pieces)
}

func TestMergesRequireContent(t *testing.T) {
	vocab, _, added := testVocabulary()

	_, err := newBPETokenizer(vocab, "#version: 0.2\n", added)
	require.Error(t, err)
}
