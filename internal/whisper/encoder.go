package whisper

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/example/go-pocket-stt/internal/runtime/ops"
	"github.com/example/go-pocket-stt/internal/runtime/tensor"
)

// Encoder is the fixed audio encoder: two convolutions with GELU, sinusoidal
// positions, a stack of residual self-attention blocks, and a closing layer
// norm. Read-only after load; safe to share across windows.
type Encoder struct {
	conv1  *conv1dLayer
	conv2  *conv1dLayer
	posEmb *tensor.Tensor // [n_audio_ctx, state]
	blocks []*attentionBlock
	lnPost *LayerNorm

	cfg Config
}

// attentionBlock is one pre-norm residual transformer block. Cross-attention
// modules are present only in decoder blocks.
type attentionBlock struct {
	attnLN   *LayerNorm
	attn     *attentionLayer
	crossLN  *LayerNorm
	cross    *attentionLayer
	mlpLN    *LayerNorm
	mlpUp    *Linear
	mlpDown  *Linear
	numHeads int
}

// attentionLayer holds the four projections of a multi-head attention module.
// The key projection carries no bias.
type attentionLayer struct {
	query *Linear
	key   *Linear
	value *Linear
	out   *Linear
}

func loadAttentionLayer(vb *VarBuilder, name string) (*attentionLayer, error) {
	query, err := loadLinear(vb, name+".query", true)
	if err != nil {
		return nil, err
	}

	key, err := loadLinear(vb, name+".key", false)
	if err != nil {
		return nil, err
	}

	value, err := loadLinear(vb, name+".value", true)
	if err != nil {
		return nil, err
	}

	out, err := loadLinear(vb, name+".out", true)
	if err != nil {
		return nil, err
	}

	return &attentionLayer{query: query, key: key, value: value, out: out}, nil
}

func loadAttentionBlock(vb *VarBuilder, numHeads int, withCross bool) (*attentionBlock, error) {
	attnLN, err := loadLayerNorm(vb, "attn_ln", 1e-5)
	if err != nil {
		return nil, err
	}

	attn, err := loadAttentionLayer(vb, "attn")
	if err != nil {
		return nil, err
	}

	b := &attentionBlock{attnLN: attnLN, attn: attn, numHeads: numHeads}

	if withCross {
		b.crossLN, err = loadLayerNorm(vb, "cross_attn_ln", 1e-5)
		if err != nil {
			return nil, err
		}

		b.cross, err = loadAttentionLayer(vb, "cross_attn")
		if err != nil {
			return nil, err
		}
	}

	b.mlpLN, err = loadLayerNorm(vb, "mlp_ln", 1e-5)
	if err != nil {
		return nil, err
	}

	b.mlpUp, err = loadLinear(vb, "mlp.0", true)
	if err != nil {
		return nil, err
	}

	b.mlpDown, err = loadLinear(vb, "mlp.2", true)
	if err != nil {
		return nil, err
	}

	return b, nil
}

// LoadEncoder builds the encoder from a VarBuilder rooted at "encoder".
func LoadEncoder(vb *VarBuilder, cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conv1, err := loadConv1D(vb, "conv1", 1)
	if err != nil {
		return nil, fmt.Errorf("whisper: load conv1: %w", err)
	}

	conv2, err := loadConv1D(vb, "conv2", 2)
	if err != nil {
		return nil, fmt.Errorf("whisper: load conv2: %w", err)
	}

	posEmb, ok, err := vb.TensorMaybe("positional_embedding", int64(cfg.NAudioCtx), int64(cfg.NAudioState))
	if err != nil {
		return nil, fmt.Errorf("whisper: load encoder positions: %w", err)
	}

	if !ok {
		posEmb, err = sinusoids(cfg.NAudioCtx, cfg.NAudioState)
		if err != nil {
			return nil, err
		}
	}

	blocks := make([]*attentionBlock, 0, cfg.NAudioLayer)
	for i := range cfg.NAudioLayer {
		block, err := loadAttentionBlock(vb.Path("blocks", strconv.Itoa(i)), cfg.NAudioHead, false)
		if err != nil {
			return nil, fmt.Errorf("whisper: load encoder block %d: %w", i, err)
		}

		blocks = append(blocks, block)
	}

	lnPost, err := loadLayerNorm(vb, "ln_post", 1e-5)
	if err != nil {
		return nil, fmt.Errorf("whisper: load ln_post: %w", err)
	}

	return &Encoder{
		conv1:  conv1,
		conv2:  conv2,
		posEmb: posEmb,
		blocks: blocks,
		lnPost: lnPost,
		cfg:    cfg,
	}, nil
}

// Encode converts a [n_mels, frames] spectrogram into the [n_audio_ctx, state]
// embedding the decoder cross-attends to.
func (e *Encoder) Encode(mel *tensor.Tensor) (*tensor.Tensor, error) {
	if e == nil {
		return nil, errors.New("whisper: encoder is nil")
	}

	shape := mel.Shape()
	if len(shape) != 2 || shape[0] != int64(e.cfg.NMels) {
		return nil, fmt.Errorf("whisper: encoder expects [%d, frames] mel, got %v", e.cfg.NMels, shape)
	}

	x, err := mel.Reshape([]int64{1, shape[0], shape[1]})
	if err != nil {
		return nil, err
	}

	x, err = ops.Conv1D(x, e.conv1.weight, e.conv1.bias, e.conv1.stride, 1)
	if err != nil {
		return nil, fmt.Errorf("whisper: conv1: %w", err)
	}

	tensor.GELU(x)

	x, err = ops.Conv1D(x, e.conv2.weight, e.conv2.bias, e.conv2.stride, 1)
	if err != nil {
		return nil, fmt.Errorf("whisper: conv2: %w", err)
	}

	tensor.GELU(x)

	// [1, state, ctx] -> [ctx, state]
	x, err = x.Reshape([]int64{int64(e.cfg.NAudioState), x.Dim(-1)})
	if err != nil {
		return nil, err
	}

	x, err = x.Transpose(0, 1)
	if err != nil {
		return nil, err
	}

	if x.Dim(0) != int64(e.cfg.NAudioCtx) {
		return nil, fmt.Errorf("whisper: encoder context %d, want %d", x.Dim(0), e.cfg.NAudioCtx)
	}

	xData := x.RawData()
	posData := e.posEmb.RawData()

	for i := range xData {
		xData[i] += posData[i]
	}

	for i, block := range e.blocks {
		x, err = block.forwardSelf(x)
		if err != nil {
			return nil, fmt.Errorf("whisper: encoder block %d: %w", i, err)
		}
	}

	return e.lnPost.Forward(x)
}

// forwardSelf runs one residual block without masking (encoder side).
func (b *attentionBlock) forwardSelf(x *tensor.Tensor) (*tensor.Tensor, error) {
	n1, err := b.attnLN.Forward(x)
	if err != nil {
		return nil, err
	}

	attn, err := b.selfAttention(n1)
	if err != nil {
		return nil, err
	}

	x, err = addSameShape(x, attn)
	if err != nil {
		return nil, err
	}

	n2, err := b.mlpLN.Forward(x)
	if err != nil {
		return nil, err
	}

	ff, err := b.mlpUp.Forward(n2)
	if err != nil {
		return nil, err
	}

	tensor.GELU(ff)

	ff, err = b.mlpDown.Forward(ff)
	if err != nil {
		return nil, err
	}

	return addSameShape(x, ff)
}

func (b *attentionBlock) selfAttention(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape() // [T, D]
	if len(shape) != 2 {
		return nil, fmt.Errorf("whisper: self-attention expects [T, D], got %v", shape)
	}

	t, d := shape[0], shape[1]
	heads := int64(b.numHeads)
	headDim := d / heads

	q, err := b.attn.query.Forward(x)
	if err != nil {
		return nil, err
	}

	k, err := b.attn.key.Forward(x)
	if err != nil {
		return nil, err
	}

	v, err := b.attn.value.Forward(x)
	if err != nil {
		return nil, err
	}

	q, err = toHeads(q, t, heads, headDim)
	if err != nil {
		return nil, err
	}

	k, err = toHeads(k, t, heads, headDim)
	if err != nil {
		return nil, err
	}

	v, err = toHeads(v, t, heads, headDim)
	if err != nil {
		return nil, err
	}

	a, err := ops.Attention(q, k, v, false, 0)
	if err != nil {
		return nil, err
	}

	a, err = fromHeads(a, t, heads, headDim)
	if err != nil {
		return nil, err
	}

	return b.attn.out.Forward(a)
}

// toHeads reshapes [T, D] into [heads, T, headDim].
func toHeads(x *tensor.Tensor, t, heads, headDim int64) (*tensor.Tensor, error) {
	x, err := x.Reshape([]int64{t, heads, headDim})
	if err != nil {
		return nil, err
	}

	return x.Transpose(0, 1)
}

// fromHeads is the inverse of toHeads.
func fromHeads(x *tensor.Tensor, t, heads, headDim int64) (*tensor.Tensor, error) {
	x, err := x.Transpose(0, 1)
	if err != nil {
		return nil, err
	}

	return x.Reshape([]int64{t, heads * headDim})
}

func addSameShape(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if a.ElemCount() != b.ElemCount() {
		return nil, fmt.Errorf("whisper: residual add shape mismatch %v vs %v", a.Shape(), b.Shape())
	}

	out := a.Clone()

	outData := out.RawData()
	for i, v := range b.RawData() {
		outData[i] += v
	}

	return out, nil
}

// sinusoids builds the fixed positional table used when the checkpoint does
// not carry one.
func sinusoids(length, channels int) (*tensor.Tensor, error) {
	if channels%2 != 0 {
		return nil, fmt.Errorf("whisper: sinusoid channels must be even, got %d", channels)
	}

	half := channels / 2
	logTimescale := math.Log(10000) / float64(half-1)

	data := make([]float32, length*channels)
	for pos := range length {
		for i := range half {
			invTimescale := math.Exp(-logTimescale * float64(i))
			angle := float64(pos) * invTimescale
			data[pos*channels+i] = float32(math.Sin(angle))
			data[pos*channels+half+i] = float32(math.Cos(angle))
		}
	}

	return tensor.New(data, []int64{int64(length), int64(channels)})
}
