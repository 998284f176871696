package transcribe

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/go-pocket-stt/internal/segment"
)

func sampleResult() *Result {
	return &Result{
		Text:     " Hello world.",
		Language: "en",
		SeekTime: 2.5,
		Segments: []segment.Segment{
			{
				ID:    0,
				Start: 0.0,
				End:   1.25,
				Text:  " Hello",
				Words: []segment.WordTiming{
					{Word: " Hello", Start: 0.1, End: 1.2, Probability: 0.98},
				},
			},
			{
				ID:    1,
				Start: 1.25,
				End:   2.5,
				Text:  " world.",
			},
		},
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, sampleResult().WriteTo(&buf, FormatText))
	require.Equal(t, "Hello world.\n", buf.String())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, sampleResult().WriteTo(&buf, FormatJSON))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "Hello world.", decoded["text"])
	require.NotContains(t, decoded, "segments")
}

func TestWriteVerboseJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, sampleResult().WriteTo(&buf, FormatVerboseJSON))

	var decoded struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
		Segments []struct {
			ID    int     `json:"id"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
		Words []struct {
			Word        string  `json:"word"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	}

	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "en", decoded.Language)
	require.InDelta(t, 2.5, decoded.Duration, 1e-9)
	require.Len(t, decoded.Segments, 2)
	require.InDelta(t, 1.25, decoded.Segments[0].End, 1e-9)
	require.Len(t, decoded.Words, 1)
	require.Equal(t, " Hello", decoded.Words[0].Word)
}

func TestWriteVTT(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, sampleResult().WriteTo(&buf, FormatVTT))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "WEBVTT\n"))
	require.Contains(t, out, "00:00:00.000 --> 00:00:01.250")
	require.Contains(t, out, "Hello")
	require.Contains(t, out, "00:00:01.250 --> 00:00:02.500")
}

func TestWriteUnknownFormat(t *testing.T) {
	var buf bytes.Buffer

	require.Error(t, sampleResult().WriteTo(&buf, "yaml"))
}

func TestVTTTimestampFormatting(t *testing.T) {
	require.Equal(t, "00:00:00.000", vttTimestamp(0))
	require.Equal(t, "00:01:01.500", vttTimestamp(61.5))
	require.Equal(t, "01:00:00.000", vttTimestamp(3600))
}
