package transcribe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/go-pocket-stt/internal/decode"
	"github.com/example/go-pocket-stt/internal/mel"
)

func TestResolveClipsWholeInput(t *testing.T) {
	samples := make([]float32, 1000)

	clips, err := resolveClips(samples, decode.DefaultOptions(), nil)
	require.NoError(t, err)
	require.Equal(t, []clip{{startSample: 0, endSample: 1000}}, clips)
}

func TestResolveClipsExplicitRanges(t *testing.T) {
	samples := make([]float32, 10*mel.SampleRate)

	opts := decode.DefaultOptions()
	opts.ClipTimestamps = []decode.ClipRange{
		{Start: 0, End: 2},
		{Start: 5, End: 0}, // open-ended
	}

	clips, err := resolveClips(samples, opts, nil)
	require.NoError(t, err)
	require.Len(t, clips, 2)
	require.Equal(t, clip{startSample: 0, endSample: 2 * mel.SampleRate}, clips[0])
	require.Equal(t, clip{startSample: 5 * mel.SampleRate, endSample: 10 * mel.SampleRate}, clips[1])
}

func TestResolveClipsRejectsOverlap(t *testing.T) {
	samples := make([]float32, 10*mel.SampleRate)

	opts := decode.DefaultOptions()
	opts.ClipTimestamps = []decode.ClipRange{
		{Start: 0, End: 5},
		{Start: 3, End: 8},
	}

	_, err := resolveClips(samples, opts, nil)
	require.Error(t, err)
}

func TestResolveClipsDropsOutOfRange(t *testing.T) {
	samples := make([]float32, mel.SampleRate)

	opts := decode.DefaultOptions()
	opts.ClipTimestamps = []decode.ClipRange{{Start: 100, End: 200}}

	_, err := resolveClips(samples, opts, nil)
	require.Error(t, err)
}

type fakeChunker struct {
	ranges []decode.ClipRange
	closed bool
}

func (c *fakeChunker) VoicedRanges([]float32) ([]decode.ClipRange, error) {
	return c.ranges, nil
}

func (c *fakeChunker) Close() error {
	c.closed = true
	return nil
}

func TestResolveClipsVAD(t *testing.T) {
	samples := make([]float32, 10*mel.SampleRate)

	opts := decode.DefaultOptions()
	opts.ChunkingStrategy = decode.ChunkingVAD

	chunker := &fakeChunker{ranges: []decode.ClipRange{{Start: 1, End: 3}, {Start: 6, End: 7}}}

	clips, err := resolveClips(samples, opts, chunker)
	require.NoError(t, err)
	require.Len(t, clips, 2)
	require.Equal(t, mel.SampleRate, clips[0].startSample)
}

func TestResolveClipsVADSilence(t *testing.T) {
	samples := make([]float32, mel.SampleRate)

	opts := decode.DefaultOptions()
	opts.ChunkingStrategy = decode.ChunkingVAD

	// Fully silent audio still gets one pass.
	clips, err := resolveClips(samples, opts, &fakeChunker{})
	require.NoError(t, err)
	require.Len(t, clips, 1)
}

func TestWindowAtPadsTail(t *testing.T) {
	samples := make([]float32, mel.SampleRate)
	for i := range samples {
		samples[i] = 1
	}

	c := clip{startSample: 0, endSample: len(samples)}
	window := windowAt(samples, c, 0)

	require.Len(t, window, mel.WindowSamples)
	require.Equal(t, float32(1), window[mel.SampleRate-1])
	require.Equal(t, float32(0), window[mel.SampleRate])
}

func TestEarlyStopRegistry(t *testing.T) {
	r := NewEarlyStopRegistry()

	require.False(t, r.Stopped("a"))

	r.RequestStop("a")
	require.True(t, r.Stopped("a"))
	require.False(t, r.Stopped("b"))

	r.Clear("a")
	require.False(t, r.Stopped("a"))
}

func TestBuildPrompt(t *testing.T) {
	spec := fakeSpecials()

	opts := decode.DefaultOptions()

	prompt, sotIndex, err := buildPrompt(spec, 1000, opts, nil, 64)
	require.NoError(t, err)
	require.Equal(t, []int{spec.StartOfTranscript, 1000, spec.Transcribe}, prompt)
	require.Equal(t, 0, sotIndex)
}

func TestBuildPromptWithPreviousContext(t *testing.T) {
	spec := fakeSpecials()

	opts := decode.DefaultOptions()
	prev := []int{1, 2, 3}

	prompt, sotIndex, err := buildPrompt(spec, 1000, opts, prev, 64)
	require.NoError(t, err)
	require.Equal(t, spec.StartOfPrev, prompt[0])
	require.Equal(t, []int{1, 2, 3}, prompt[1:4])
	require.Equal(t, 4, sotIndex)
}

func TestBuildPromptTrimsLongContext(t *testing.T) {
	spec := fakeSpecials()

	opts := decode.DefaultOptions()

	prev := make([]int, 100)
	for i := range prev {
		prev[i] = i
	}

	maxCtx := 16

	prompt, _, err := buildPrompt(spec, 1000, opts, prev, maxCtx)
	require.NoError(t, err)
	require.Less(t, len(prompt), maxCtx)

	// Only the tail of the context is carried.
	require.Equal(t, 99, prompt[len(prompt)-4])
}

func TestBuildPromptTaskAndTimestampFlags(t *testing.T) {
	spec := fakeSpecials()

	opts := decode.DefaultOptions()
	opts.Task = decode.TaskTranslate
	opts.WithoutTimestamps = true

	prompt, _, err := buildPrompt(spec, 1000, opts, nil, 64)
	require.NoError(t, err)
	require.Equal(t, []int{spec.StartOfTranscript, 1000, spec.Translate, spec.NoTimestamps}, prompt)
}

func TestFallbackTrigger(t *testing.T) {
	opts := decode.DefaultOptions()

	ok := decode.Result{AvgLogprob: -0.2, CompressionRatio: 1.5, TokenLogprobs: []float32{-0.1}}
	require.Equal(t, "", fallbackTrigger(ok, opts))

	repetitive := ok
	repetitive.CompressionRatio = 5
	require.Equal(t, "compression_ratio", fallbackTrigger(repetitive, opts))

	unconfident := ok
	unconfident.AvgLogprob = -3
	require.Equal(t, "avg_logprob", fallbackTrigger(unconfident, opts))

	badStart := ok
	optsFT := opts
	optsFT.FirstTokenLogprobThreshold = decode.Float(-0.05)
	require.Equal(t, "first_token_logprob", fallbackTrigger(badStart, optsFT))
}

func TestRoundTimestamp(t *testing.T) {
	require.InDelta(t, 1.23, RoundTimestamp(1.2345), 1e-9)
	require.InDelta(t, 1.24, RoundTimestamp(1.2351), 1e-9)
}
