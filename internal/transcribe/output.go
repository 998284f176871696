package transcribe

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
)

// OutputFormat names the CLI/server result renderings.
type OutputFormat string

const (
	FormatText        OutputFormat = "text"
	FormatJSON        OutputFormat = "json"
	FormatVerboseJSON OutputFormat = "verbose_json"
	FormatVTT         OutputFormat = "vtt"
)

// RoundTimestamp rounds a boundary timestamp to two decimals.
func RoundTimestamp(seconds float64) float64 {
	return math.Round(seconds*100) / 100
}

// jsonWord mirrors the wire shape of one word timing.
type jsonWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// jsonSegment mirrors the verbose_json segment shape.
type jsonSegment struct {
	ID               int        `json:"id"`
	Seek             int        `json:"seek"`
	Start            float64    `json:"start"`
	End              float64    `json:"end"`
	Text             string     `json:"text"`
	Tokens           []int      `json:"tokens"`
	Temperature      float64    `json:"temperature"`
	AvgLogprob       float64    `json:"avg_logprob"`
	CompressionRatio float64    `json:"compression_ratio"`
	NoSpeechProb     float64    `json:"no_speech_prob"`
	Words            []jsonWord `json:"words,omitempty"`
}

type jsonResult struct {
	Text     string        `json:"text"`
	Language string        `json:"language,omitempty"`
	Duration float64       `json:"duration,omitempty"`
	Segments []jsonSegment `json:"segments,omitempty"`
	Words    []jsonWord    `json:"words,omitempty"`
}

// WriteTo renders the result in the requested format.
func (r *Result) WriteTo(w io.Writer, format OutputFormat) error {
	switch format {
	case FormatText, "":
		_, err := fmt.Fprintln(w, strings.TrimSpace(r.Text))
		return err
	case FormatJSON:
		return writeJSONResult(w, jsonResult{Text: strings.TrimSpace(r.Text)})
	case FormatVerboseJSON:
		return writeJSONResult(w, r.verboseJSON())
	case FormatVTT:
		return r.writeVTT(w)
	default:
		return fmt.Errorf("transcribe: unknown output format %q", format)
	}
}

func writeJSONResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func (r *Result) verboseJSON() jsonResult {
	out := jsonResult{
		Text:     strings.TrimSpace(r.Text),
		Language: r.Language,
		Duration: RoundTimestamp(r.SeekTime),
	}

	for _, seg := range r.Segments {
		js := jsonSegment{
			ID:               seg.ID,
			Seek:             seg.SeekSamples,
			Start:            RoundTimestamp(seg.Start),
			End:              RoundTimestamp(seg.End),
			Text:             seg.Text,
			Tokens:           seg.Tokens,
			Temperature:      seg.Temperature,
			AvgLogprob:       seg.AvgLogprob,
			CompressionRatio: seg.CompressionRatio,
			NoSpeechProb:     seg.NoSpeechProb,
		}

		for _, word := range seg.Words {
			jw := jsonWord{
				Word:        word.Word,
				Start:       RoundTimestamp(word.Start),
				End:         RoundTimestamp(word.End),
				Probability: word.Probability,
			}
			js.Words = append(js.Words, jw)
			out.Words = append(out.Words, jw)
		}

		out.Segments = append(out.Segments, js)
	}

	return out
}

// writeVTT renders segments as WebVTT cues.
func (r *Result) writeVTT(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "WEBVTT\n"); err != nil {
		return fmt.Errorf("transcribe: write vtt: %w", err)
	}

	for _, seg := range r.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}

		_, err := fmt.Fprintf(w, "\n%s --> %s\n%s\n", vttTimestamp(seg.Start), vttTimestamp(seg.End), text)
		if err != nil {
			return fmt.Errorf("transcribe: write vtt: %w", err)
		}
	}

	return nil
}

// vttTimestamp renders seconds in the 00:00:00.000 format.
func vttTimestamp(seconds float64) string {
	ms := int64(math.Round(seconds * 1000))

	sMs := int64(1000)
	mMs := 60 * sMs
	hMs := 60 * mMs

	h := ms / hMs
	m := (ms - h*hMs) / mMs
	s := (ms - h*hMs - m*mMs) / sMs
	rem := ms - h*hMs - m*mMs - s*sMs

	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, rem)
}
