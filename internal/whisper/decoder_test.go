package whisper

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
)

// tinyConfig is the smallest model shape the validator accepts for unit
// tests of the decoding machinery.
func tinyConfig() Config {
	return Config{
		NMels:       80,
		NAudioCtx:   4,
		NAudioState: 8,
		NAudioHead:  2,
		NAudioLayer: 1,
		NVocab:      16,
		NTextCtx:    16,
		NTextState:  8,
		NTextHead:   2,
		NTextLayer:  2,
	}
}

func randTensor(t *testing.T, rng *rand.Rand, scale float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}

	tt, err := tensor.New(data, shape)
	require.NoError(t, err)

	return tt
}

func testLinear(t *testing.T, rng *rand.Rand, out, in int64, withBias bool) *Linear {
	t.Helper()

	l := &Linear{Weight: randTensor(t, rng, 0.2, out, in), inDim: in, outDim: out}
	if withBias {
		l.Bias = randTensor(t, rng, 0.1, out)
	}

	return l
}

func testLayerNorm(t *testing.T, dim int64) *LayerNorm {
	t.Helper()

	w, err := tensor.Full([]int64{dim}, 1)
	require.NoError(t, err)

	b, err := tensor.Zeros([]int64{dim})
	require.NoError(t, err)

	return &LayerNorm{Weight: w, Bias: b, Eps: 1e-5}
}

func testAttention(t *testing.T, rng *rand.Rand, dim int64) *attentionLayer {
	t.Helper()

	return &attentionLayer{
		query: testLinear(t, rng, dim, dim, true),
		key:   testLinear(t, rng, dim, dim, false),
		value: testLinear(t, rng, dim, dim, true),
		out:   testLinear(t, rng, dim, dim, true),
	}
}

func testBlock(t *testing.T, rng *rand.Rand, cfg Config, withCross bool) *attentionBlock {
	t.Helper()

	dim := int64(cfg.NTextState)

	b := &attentionBlock{
		attnLN:   testLayerNorm(t, dim),
		attn:     testAttention(t, rng, dim),
		mlpLN:    testLayerNorm(t, dim),
		mlpUp:    testLinear(t, rng, 4*dim, dim, true),
		mlpDown:  testLinear(t, rng, dim, 4*dim, true),
		numHeads: cfg.NTextHead,
	}

	if withCross {
		b.crossLN = testLayerNorm(t, dim)
		b.cross = testAttention(t, rng, dim)
	}

	return b
}

func testDecoder(t *testing.T) *Decoder {
	t.Helper()

	cfg := tinyConfig()
	rng := rand.New(rand.NewSource(11))

	blocks := make([]*attentionBlock, cfg.NTextLayer)
	for i := range blocks {
		blocks[i] = testBlock(t, rng, cfg, true)
	}

	return &Decoder{
		tokenEmb: randTensor(t, rng, 0.5, int64(cfg.NVocab), int64(cfg.NTextState)),
		posEmb:   randTensor(t, rng, 0.1, int64(cfg.NTextCtx), int64(cfg.NTextState)),
		blocks:   blocks,
		lnOut:    testLayerNorm(t, int64(cfg.NTextState)),
		cfg:      cfg,
	}
}

func testEmbedding(t *testing.T) *tensor.Tensor {
	t.Helper()

	cfg := tinyConfig()
	rng := rand.New(rand.NewSource(21))

	return randTensor(t, rng, 0.5, int64(cfg.NAudioCtx), int64(cfg.NTextState))
}

func TestRunCacheGrowth(t *testing.T) {
	dec := testDecoder(t)

	run, err := dec.NewRun(testEmbedding(t), false)
	require.NoError(t, err)
	require.Equal(t, 0, run.Len())

	_, _, err = run.Prefill([]int{1, 2, 3}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, run.Len())

	_, err = run.Step(4)
	require.NoError(t, err)
	require.Equal(t, 4, run.Len())
}

func TestRunLogitsShape(t *testing.T) {
	dec := testDecoder(t)

	run, err := dec.NewRun(testEmbedding(t), false)
	require.NoError(t, err)

	last, sot, err := run.Prefill([]int{0, 1}, 0)
	require.NoError(t, err)
	require.Len(t, last, dec.cfg.NVocab)
	require.Len(t, sot, dec.cfg.NVocab)
}

func TestRunDeterminism(t *testing.T) {
	dec := testDecoder(t)
	emb := testEmbedding(t)

	decode := func() []float32 {
		run, err := dec.NewRun(emb, false)
		require.NoError(t, err)

		_, _, err = run.Prefill([]int{1, 2}, -1)
		require.NoError(t, err)

		logits, err := run.Step(3)
		require.NoError(t, err)

		return logits
	}

	a := decode()
	b := decode()
	require.Equal(t, a, b)
}

func TestRunStepwiseMatchesPrefill(t *testing.T) {
	dec := testDecoder(t)
	emb := testEmbedding(t)

	// Feeding [1, 2, 3] in one prefill must match stepping token by token.
	runA, err := dec.NewRun(emb, false)
	require.NoError(t, err)

	lastA, _, err := runA.Prefill([]int{1, 2, 3}, -1)
	require.NoError(t, err)

	runB, err := dec.NewRun(emb, false)
	require.NoError(t, err)

	_, _, err = runB.Prefill([]int{1}, -1)
	require.NoError(t, err)

	_, err = runB.Step(2)
	require.NoError(t, err)

	lastB, err := runB.Step(3)
	require.NoError(t, err)

	require.InDeltaSlice(t, lastA, lastB, 1e-4)
}

func TestRunResetAllowsRetry(t *testing.T) {
	dec := testDecoder(t)

	run, err := dec.NewRun(testEmbedding(t), false)
	require.NoError(t, err)

	first, _, err := run.Prefill([]int{1, 2}, -1)
	require.NoError(t, err)

	run.Reset()
	require.Equal(t, 0, run.Len())

	second, _, err := run.Prefill([]int{1, 2}, -1)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRunContextOverflow(t *testing.T) {
	dec := testDecoder(t)

	run, err := dec.NewRun(testEmbedding(t), false)
	require.NoError(t, err)

	tokens := make([]int, dec.cfg.MaxDecoderCtx()+1)

	_, _, err = run.Prefill(tokens, -1)
	require.Error(t, err)
}

func TestRunRejectsOutOfVocabToken(t *testing.T) {
	dec := testDecoder(t)

	run, err := dec.NewRun(testEmbedding(t), false)
	require.NoError(t, err)

	_, _, err = run.Prefill([]int{dec.cfg.NVocab}, -1)
	require.Error(t, err)

	_, _, err = run.Prefill([]int{-1}, -1)
	require.Error(t, err)
}

func TestRunAlignmentCapture(t *testing.T) {
	dec := testDecoder(t)

	run, err := dec.NewRun(testEmbedding(t), true)
	require.NoError(t, err)

	_, _, err = run.Prefill([]int{1, 2}, -1)
	require.NoError(t, err)
	require.Empty(t, run.Alignment(), "prefill must not record alignment")

	_, err = run.Step(3)
	require.NoError(t, err)

	_, err = run.Step(4)
	require.NoError(t, err)

	rows := run.Alignment()
	require.Len(t, rows, 2)

	for _, row := range rows {
		require.Len(t, row, dec.cfg.NAudioCtx)

		var sum float64
		for _, v := range row {
			require.GreaterOrEqual(t, float64(v), 0.0)
			sum += float64(v)
		}

		// Head-averaged attention rows sum to one.
		require.InDelta(t, 1, sum, 1e-4)
	}

	run.Reset()
	require.Empty(t, run.Alignment())
}

func TestRunRejectsWrongEmbedding(t *testing.T) {
	dec := testDecoder(t)

	bad, err := tensor.Zeros([]int64{2, 2})
	require.NoError(t, err)

	_, err = dec.NewRun(bad, false)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := tinyConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 8, cfg.MaxDecoderCtx())

	bad := cfg
	bad.NMels = 81
	require.Error(t, bad.Validate())

	bad = cfg
	bad.NTextState = 9 // not divisible by heads
	require.Error(t, bad.Validate())

	bad = cfg
	bad.NVocab = 0
	require.Error(t, bad.Validate())
}
