package decode

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
)

// SamplingResult carries the token lists after one sampling update.
type SamplingResult struct {
	Tokens   []int
	Logprobs []float32
	// Completed is set once end-of-text was sampled or the token budget is
	// exhausted.
	Completed bool
}

// Sampler turns a logits vector into the next token. Implementations are
// stateless between windows; the token history is passed in.
type Sampler interface {
	// Update appends the next token and its logprob to the running lists.
	Update(tokens []int, logits []float32, logprobs []float32) (SamplingResult, error)
	// Finalize closes the sequence, appending end-of-text when missing.
	Finalize(tokens []int, logprobs []float32) SamplingResult
}

// NewSampler picks the sampling policy for a temperature: greedy at zero,
// top-k multinomial above.
func NewSampler(temperature float64, topK, endOfText, maxTokens int, rng *rand.Rand) (Sampler, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("decode: sampler max tokens must be > 0, got %d", maxTokens)
	}

	if temperature == 0 {
		return &GreedySampler{EndOfText: endOfText, MaxTokens: maxTokens}, nil
	}

	if topK <= 0 {
		return nil, fmt.Errorf("decode: top-k must be > 0 for temperature sampling, got %d", topK)
	}

	return &TopKSampler{
		Temperature: temperature,
		K:           topK,
		EndOfText:   endOfText,
		MaxTokens:   maxTokens,
		rng:         rng,
	}, nil
}

// GreedySampler picks the argmax token.
type GreedySampler struct {
	EndOfText int
	MaxTokens int
}

func (s *GreedySampler) Update(tokens []int, logits []float32, logprobs []float32) (SamplingResult, error) {
	if len(logits) == 0 {
		return SamplingResult{}, errors.New("decode: empty logits")
	}

	next := tensor.ArgmaxRow(logits)
	lp := logits[next] - tensor.LogSumExpRow(logits)

	tokens = append(tokens, next)
	logprobs = append(logprobs, lp)

	return SamplingResult{
		Tokens:    tokens,
		Logprobs:  logprobs,
		Completed: next == s.EndOfText || len(tokens) >= s.MaxTokens-1,
	}, nil
}

func (s *GreedySampler) Finalize(tokens []int, logprobs []float32) SamplingResult {
	return finalize(tokens, logprobs, s.EndOfText)
}

// TopKSampler divides logits by the temperature and draws from the top-k
// renormalized distribution.
type TopKSampler struct {
	Temperature float64
	K           int
	EndOfText   int
	MaxTokens   int

	rng *rand.Rand
}

func (s *TopKSampler) Update(tokens []int, logits []float32, logprobs []float32) (SamplingResult, error) {
	if len(logits) == 0 {
		return SamplingResult{}, errors.New("decode: empty logits")
	}

	if s.Temperature <= 0 {
		return SamplingResult{}, fmt.Errorf("decode: top-k sampler requires temperature > 0, got %f", s.Temperature)
	}

	scaled := make([]float32, len(logits))

	invT := float32(1.0 / s.Temperature)
	for i, v := range logits {
		scaled[i] = v * invT
	}

	lse := tensor.LogSumExpRow(scaled)

	k := min(s.K, len(scaled))
	top := topKIndices(scaled, k)

	var total float64

	probs := make([]float64, len(top))
	for i, idx := range top {
		p := expf(scaled[idx] - lse)
		probs[i] = p
		total += p
	}

	draw := total
	if s.rng != nil {
		draw = s.rng.Float64() * total
	} else {
		draw = rand.Float64() * total
	}

	next := top[len(top)-1]

	var cum float64
	for i, idx := range top {
		cum += probs[i]
		if draw < cum {
			next = idx
			break
		}
	}

	tokens = append(tokens, next)
	logprobs = append(logprobs, scaled[next]-lse)

	return SamplingResult{
		Tokens:    tokens,
		Logprobs:  logprobs,
		Completed: next == s.EndOfText || len(tokens) >= s.MaxTokens-1,
	}, nil
}

func (s *TopKSampler) Finalize(tokens []int, logprobs []float32) SamplingResult {
	return finalize(tokens, logprobs, s.EndOfText)
}

func finalize(tokens []int, logprobs []float32, endOfText int) SamplingResult {
	if len(tokens) == 0 || tokens[len(tokens)-1] != endOfText {
		tokens = append(tokens, endOfText)
		logprobs = append(logprobs, 0)
	}

	return SamplingResult{Tokens: tokens, Logprobs: logprobs, Completed: true}
}

// topKIndices returns the indices of the k largest values, best first.
func topKIndices(values []float32, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}

	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] > values[idx[b]] })

	return idx[:k]
}

func expf(v float32) float64 {
	return math.Exp(float64(v))
}
