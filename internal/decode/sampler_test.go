package decode

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGreedySamplerPicksArgmax(t *testing.T) {
	s := &GreedySampler{EndOfText: 9, MaxTokens: 100}

	logits := []float32{0, 1, 5, 2, 0, 0, 0, 0, 0, 0}

	sr, err := s.Update([]int{1}, logits, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, sr.Tokens)
	require.Len(t, sr.Logprobs, 1)
	require.Less(t, float64(sr.Logprobs[0]), 0.0)
	require.False(t, sr.Completed)
}

func TestGreedySamplerCompletesOnEndOfText(t *testing.T) {
	s := &GreedySampler{EndOfText: 2, MaxTokens: 100}

	logits := []float32{0, 1, 5}

	sr, err := s.Update(nil, logits, nil)
	require.NoError(t, err)
	require.True(t, sr.Completed)
	require.Equal(t, []int{2}, sr.Tokens)
}

func TestGreedySamplerCompletesOnBudget(t *testing.T) {
	s := &GreedySampler{EndOfText: 0, MaxTokens: 4}

	logits := []float32{0, 5}
	tokens := []int{7, 7}

	sr, err := s.Update(tokens, logits, []float32{-1, -1})
	require.NoError(t, err)
	require.True(t, sr.Completed)
}

func TestFinalizeAppendsEndOfText(t *testing.T) {
	s := &GreedySampler{EndOfText: 9, MaxTokens: 10}

	sr := s.Finalize([]int{1, 2}, []float32{-1, -2})
	require.Equal(t, []int{1, 2, 9}, sr.Tokens)
	require.Equal(t, float32(0), sr.Logprobs[2])
	require.True(t, sr.Completed)

	// Already terminated: unchanged.
	sr = s.Finalize([]int{1, 9}, []float32{-1, 0})
	require.Equal(t, []int{1, 9}, sr.Tokens)
}

func TestTopKSamplerDeterministicWithK1(t *testing.T) {
	s := &TopKSampler{Temperature: 0.5, K: 1, EndOfText: 9, MaxTokens: 100, rng: rand.New(rand.NewSource(1))}

	logits := []float32{0, 1, 5, 2, 0, 0, 0, 0, 0, 0}

	sr, err := s.Update(nil, logits, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2}, sr.Tokens)
}

func TestTopKSamplerStaysWithinTopK(t *testing.T) {
	s := &TopKSampler{Temperature: 1.0, K: 2, EndOfText: 9, MaxTokens: 100, rng: rand.New(rand.NewSource(42))}

	logits := []float32{0, 10, 9, 0, 0, 0, 0, 0, 0, 0}

	for range 50 {
		sr, err := s.Update(nil, logits, nil)
		require.NoError(t, err)
		require.Contains(t, []int{1, 2}, sr.Tokens[0])
	}
}

func TestTopKSamplerLogprobIsNegative(t *testing.T) {
	s := &TopKSampler{Temperature: 1.0, K: 3, EndOfText: 9, MaxTokens: 100, rng: rand.New(rand.NewSource(7))}

	logits := []float32{0, 1, 2, 3, 0, 0, 0, 0, 0, 0}

	sr, err := s.Update(nil, logits, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, float64(sr.Logprobs[0]), 0.0)
}

func TestNewSamplerSelection(t *testing.T) {
	g, err := NewSampler(0, 5, 9, 100, nil)
	require.NoError(t, err)
	require.IsType(t, &GreedySampler{}, g)

	k, err := NewSampler(0.7, 5, 9, 100, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.IsType(t, &TopKSampler{}, k)

	_, err = NewSampler(0.7, 0, 9, 100, nil)
	require.Error(t, err)

	_, err = NewSampler(0, 5, 9, 0, nil)
	require.Error(t, err)
}

func TestTopKIndices(t *testing.T) {
	idx := topKIndices([]float32{1, 5, 3, 2}, 2)
	require.Equal(t, []int{1, 2}, idx)
}

func TestCompressionRatio(t *testing.T) {
	repetitive := strings.Repeat("okay okay okay ", 50)
	varied := "The quick brown fox jumps over the lazy dog near the river bank at dawn."

	rRep := CompressionRatio([]byte(repetitive))
	rVar := CompressionRatio([]byte(varied))

	require.Greater(t, rRep, rVar)
	require.Greater(t, rRep, 2.4)
	require.Equal(t, 0.0, CompressionRatio(nil))
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())

	bad := opts
	bad.Temperature = -1
	require.Error(t, bad.Validate())

	bad = opts
	bad.Task = "summarize"
	require.Error(t, bad.Validate())

	bad = opts
	bad.ClipTimestamps = []ClipRange{{Start: 5, End: 2}}
	require.Error(t, bad.Validate())

	bad = opts
	bad.ChunkingStrategy = "magic"
	require.Error(t, bad.Validate())
}

func TestDefaultOptionsThresholds(t *testing.T) {
	opts := DefaultOptions()

	require.NotNil(t, opts.NoSpeechThreshold)
	require.InDelta(t, 0.6, *opts.NoSpeechThreshold, 1e-9)
	require.NotNil(t, opts.CompressionRatioThreshold)
	require.InDelta(t, 2.4, *opts.CompressionRatioThreshold, 1e-9)
	require.Nil(t, opts.FirstTokenLogprobThreshold)
	require.InDelta(t, -1.0, *opts.LogprobThreshold, 1e-9)
}

func TestGreedyLogprobMatchesSoftmax(t *testing.T) {
	s := &GreedySampler{EndOfText: 9, MaxTokens: 100}

	logits := []float32{1, 1}
	sr, err := s.Update(nil, logits, nil)
	require.NoError(t, err)
	require.InDelta(t, math.Log(0.5), float64(sr.Logprobs[0]), 1e-5)
}
