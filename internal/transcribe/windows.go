package transcribe

import (
	"fmt"

	"github.com/example/go-pocket-stt/internal/decode"
	"github.com/example/go-pocket-stt/internal/mel"
)

// clip is a resolved half-open sample range.
type clip struct {
	startSample int
	endSample   int
}

// resolveClips turns the configured clip timestamps (or the VAD chunker's
// voiced ranges) into ordered, clamped sample ranges. With neither, the whole
// input is one clip.
func resolveClips(samples []float32, opts decode.Options, chunker Chunker) ([]clip, error) {
	total := len(samples)

	if len(opts.ClipTimestamps) > 0 {
		out := make([]clip, 0, len(opts.ClipTimestamps))

		for i, r := range opts.ClipTimestamps {
			c, ok := clampClip(r, total)
			if !ok {
				continue
			}

			if len(out) > 0 && c.startSample < out[len(out)-1].endSample {
				return nil, fmt.Errorf("%w: clip %d overlaps the previous clip", ErrTranscriptionFailed, i)
			}

			out = append(out, c)
		}

		if len(out) == 0 {
			return nil, fmt.Errorf("%w: no usable clip ranges", ErrTranscriptionFailed)
		}

		return out, nil
	}

	if opts.ChunkingStrategy == decode.ChunkingVAD && chunker != nil {
		ranges, err := chunker.VoicedRanges(samples)
		if err != nil {
			return nil, err
		}

		out := make([]clip, 0, len(ranges))

		for _, r := range ranges {
			if c, ok := clampClip(r, total); ok {
				out = append(out, c)
			}
		}

		// Fully silent audio still gets one pass so the no-speech path can
		// report it.
		if len(out) == 0 {
			out = append(out, clip{startSample: 0, endSample: total})
		}

		return out, nil
	}

	return []clip{{startSample: 0, endSample: total}}, nil
}

func clampClip(r decode.ClipRange, totalSamples int) (clip, bool) {
	start := int(r.Start * mel.SampleRate)

	end := totalSamples
	if r.End > 0 {
		end = int(r.End * mel.SampleRate)
	}

	if start < 0 {
		start = 0
	}

	if end > totalSamples {
		end = totalSamples
	}

	if start >= end {
		return clip{}, false
	}

	return clip{startSample: start, endSample: end}, true
}

// windowAt extracts [seek, seek+WindowSamples) from the clip, zero-padding a
// short tail to the full window length.
func windowAt(samples []float32, c clip, seek int) []float32 {
	out := make([]float32, mel.WindowSamples)

	end := min(seek+mel.WindowSamples, c.endSample)
	if seek < end {
		copy(out, samples[seek:end])
	}

	return out
}
