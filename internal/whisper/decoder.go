package whisper

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
)

// Decoder is the autoregressive text decoder. It is read-only after load;
// per-window mutable state lives in Run.
type Decoder struct {
	tokenEmb *tensor.Tensor // [vocab, state]
	posEmb   *tensor.Tensor // [n_text_ctx, state]
	blocks   []*attentionBlock
	lnOut    *LayerNorm

	cfg Config
}

// LoadDecoder builds the decoder from a VarBuilder rooted at "decoder".
func LoadDecoder(vb *VarBuilder, cfg Config) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokenEmb, err := vb.Tensor("token_embedding.weight", int64(cfg.NVocab), int64(cfg.NTextState))
	if err != nil {
		return nil, fmt.Errorf("whisper: load token embedding: %w", err)
	}

	posEmb, err := vb.Tensor("positional_embedding", int64(cfg.NTextCtx), int64(cfg.NTextState))
	if err != nil {
		return nil, fmt.Errorf("whisper: load decoder positions: %w", err)
	}

	blocks := make([]*attentionBlock, 0, cfg.NTextLayer)
	for i := range cfg.NTextLayer {
		block, err := loadAttentionBlock(vb.Path("blocks", strconv.Itoa(i)), cfg.NTextHead, true)
		if err != nil {
			return nil, fmt.Errorf("whisper: load decoder block %d: %w", i, err)
		}

		blocks = append(blocks, block)
	}

	lnOut, err := loadLayerNorm(vb, "ln", 1e-5)
	if err != nil {
		return nil, fmt.Errorf("whisper: load decoder ln: %w", err)
	}

	return &Decoder{
		tokenEmb: tokenEmb,
		posEmb:   posEmb,
		blocks:   blocks,
		lnOut:    lnOut,
		cfg:      cfg,
	}, nil
}

// Config returns the model dimensions.
func (d *Decoder) Config() Config {
	return d.cfg
}

// Run is one window's decoding state: the self-attention KV cache, the
// cross-attention keys/values computed once from the encoder embedding, and
// the optional cross-attention capture for word alignment.
type Run struct {
	d      *Decoder
	cache  *KVCache
	crossK [][]float32 // per layer, [n_audio_ctx * state]
	crossV [][]float32

	collectAlignment bool
	alignment        [][]float32 // one row per sampled step, [n_audio_ctx]

	// scratch rows reused across steps
	norm   []float32
	qRow   []float32
	kRow   []float32
	vRow   []float32
	aRow   []float32
	ffRow  []float32
	scores []float32
}

// NewRun prepares decoding state for one window. The cross-attention K/V for
// encoderEmb are computed here once and reused for every step and fallback
// retry.
func (d *Decoder) NewRun(encoderEmb *tensor.Tensor, collectAlignment bool) (*Run, error) {
	if d == nil {
		return nil, errors.New("whisper: decoder is nil")
	}

	shape := encoderEmb.Shape()
	if len(shape) != 2 || shape[0] != int64(d.cfg.NAudioCtx) || shape[1] != int64(d.cfg.NTextState) {
		return nil, fmt.Errorf("whisper: encoder embedding shape %v, want [%d, %d]", shape, d.cfg.NAudioCtx, d.cfg.NTextState)
	}

	cache, err := NewKVCache(d.cfg.NTextLayer, d.cfg.MaxDecoderCtx(), d.cfg.NTextState)
	if err != nil {
		return nil, err
	}

	r := &Run{
		d:                d,
		cache:            cache,
		crossK:           make([][]float32, d.cfg.NTextLayer),
		crossV:           make([][]float32, d.cfg.NTextLayer),
		collectAlignment: collectAlignment,
		norm:             make([]float32, d.cfg.NTextState),
		qRow:             make([]float32, d.cfg.NTextState),
		kRow:             make([]float32, d.cfg.NTextState),
		vRow:             make([]float32, d.cfg.NTextState),
		aRow:             make([]float32, d.cfg.NTextState),
		ffRow:            make([]float32, 4*d.cfg.NTextState),
		scores:           make([]float32, max(d.cfg.NAudioCtx, d.cfg.MaxDecoderCtx())),
	}

	for l, block := range d.blocks {
		k, err := block.cross.key.Forward(encoderEmb)
		if err != nil {
			return nil, fmt.Errorf("whisper: cross keys layer %d: %w", l, err)
		}

		v, err := block.cross.value.Forward(encoderEmb)
		if err != nil {
			return nil, fmt.Errorf("whisper: cross values layer %d: %w", l, err)
		}

		r.crossK[l] = k.RawData()
		r.crossV[l] = v.RawData()
	}

	return r, nil
}

// Len returns the number of cached token positions.
func (r *Run) Len() int {
	if r == nil {
		return 0
	}

	return r.cache.Len()
}

// Reset clears the KV cache and alignment capture for a fallback retry.
// The cross-attention K/V survive the reset.
func (r *Run) Reset() {
	if r == nil {
		return
	}

	r.cache.Reset()
	r.alignment = r.alignment[:0]
}

// Prefill feeds the prompt tokens in one batched pass and returns the logits
// of the last prompt position. When sotIndex is within the prompt, the logits
// at that position are returned as well (the no-speech probability reads off
// them).
func (r *Run) Prefill(tokens []int, sotIndex int) (last []float32, sot []float32, err error) {
	if len(tokens) == 0 {
		return nil, nil, errors.New("whisper: prefill requires at least one token")
	}

	return r.forward(tokens, sotIndex, false)
}

// Step feeds a single token and returns the next-token logits. The cache
// grows by exactly one position.
func (r *Run) Step(token int) ([]float32, error) {
	last, _, err := r.forward([]int{token}, -1, r.collectAlignment)

	return last, err
}

// AlignmentWidth is the length of each captured alignment row.
func (r *Run) AlignmentWidth() int {
	if r == nil {
		return 0
	}

	return r.d.cfg.NAudioCtx
}

// Alignment returns the captured cross-attention rows, one per sampled step.
func (r *Run) Alignment() [][]float32 {
	if r == nil {
		return nil
	}

	return r.alignment
}

// forward advances the cache by len(tokens) positions and returns the final
// position's logits (plus the logits at extraIndex, relative to this call's
// tokens, when >= 0).
func (r *Run) forward(tokens []int, extraIndex int, capture bool) ([]float32, []float32, error) {
	if r == nil {
		return nil, nil, errors.New("whisper: run is nil")
	}

	d := r.d
	state := d.cfg.NTextState
	pos0 := r.cache.Len()
	T := len(tokens)

	if pos0+T > r.cache.MaxCtx() {
		return nil, nil, fmt.Errorf("whisper: decoding context overflow: %d+%d exceeds %d", pos0, T, r.cache.MaxCtx())
	}

	embData := d.tokenEmb.RawData()
	posData := d.posEmb.RawData()

	x := make([]float32, T*state)

	for i, tok := range tokens {
		if tok < 0 || tok >= d.cfg.NVocab {
			return nil, nil, fmt.Errorf("whisper: token %d out of vocabulary [0,%d)", tok, d.cfg.NVocab)
		}

		row := x[i*state : (i+1)*state]
		copy(row, embData[tok*state:(tok+1)*state])

		posRow := posData[(pos0+i)*state : (pos0+i+1)*state]
		for j := range row {
			row[j] += posRow[j]
		}
	}

	var alignRow []float32
	if capture && T == 1 {
		alignRow = make([]float32, d.cfg.NAudioCtx)
	}

	for l, block := range d.blocks {
		if err := r.layerForward(l, block, x, pos0, T, alignRow); err != nil {
			return nil, nil, err
		}
	}

	if err := r.cache.advance(T); err != nil {
		return nil, nil, err
	}

	if alignRow != nil {
		// attendHeads averaged within each capturing layer; average across
		// the capturing layers too.
		captureLayers := len(d.blocks) - len(d.blocks)/2
		if captureLayers > 0 {
			inv := 1.0 / float32(captureLayers)
			for j := range alignRow {
				alignRow[j] *= inv
			}
		}

		r.alignment = append(r.alignment, alignRow)
	}

	last, err := r.logitsRow(x[(T-1)*state : T*state])
	if err != nil {
		return nil, nil, err
	}

	var extra []float32

	if extraIndex >= 0 && extraIndex < T {
		extra, err = r.logitsRow(x[extraIndex*state : (extraIndex+1)*state])
		if err != nil {
			return nil, nil, err
		}
	}

	return last, extra, nil
}

// layerForward applies one decoder block to all T rows of x in place,
// appending self-attention K/V to the cache at positions pos0..pos0+T.
func (r *Run) layerForward(l int, block *attentionBlock, x []float32, pos0, T int, alignRow []float32) error {
	d := r.d
	state := d.cfg.NTextState
	heads := d.cfg.NTextHead
	headDim := state / heads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	// Write this call's keys/values first so queries can attend to them.
	for i := range T {
		row := x[i*state : (i+1)*state]
		block.attnLN.ForwardRow(row, r.norm)

		if err := block.attn.key.ForwardRow(r.norm, r.kRow); err != nil {
			return err
		}

		if err := block.attn.value.ForwardRow(r.norm, r.vRow); err != nil {
			return err
		}

		if err := r.cache.put(l, pos0+i, r.kRow, r.vRow); err != nil {
			return err
		}
	}

	// Causal self-attention against the cache prefix.
	for i := range T {
		row := x[i*state : (i+1)*state]
		block.attnLN.ForwardRow(row, r.norm)

		if err := block.attn.query.ForwardRow(r.norm, r.qRow); err != nil {
			return err
		}

		visible := pos0 + i + 1
		keys := r.cache.layerKeys(l, visible)
		values := r.cache.layerValues(l, visible)
		attendHeads(r.qRow, keys, values, r.aRow, r.scores[:visible], heads, headDim, state, scale, nil)

		if err := block.attn.out.ForwardRow(r.aRow, r.norm); err != nil {
			return err
		}

		for j := range row {
			row[j] += r.norm[j]
		}
	}

	// Cross-attention over the precomputed encoder keys/values.
	audioCtx := d.cfg.NAudioCtx
	for i := range T {
		row := x[i*state : (i+1)*state]
		block.crossLN.ForwardRow(row, r.norm)

		if err := block.cross.query.ForwardRow(r.norm, r.qRow); err != nil {
			return err
		}

		var capture []float32
		if alignRow != nil && l >= len(d.blocks)/2 {
			capture = alignRow
		}

		attendHeads(r.qRow, r.crossK[l], r.crossV[l], r.aRow, r.scores[:audioCtx], heads, headDim, state, scale, capture)

		if err := block.cross.out.ForwardRow(r.aRow, r.norm); err != nil {
			return err
		}

		for j := range row {
			row[j] += r.norm[j]
		}
	}

	// MLP.
	for i := range T {
		row := x[i*state : (i+1)*state]
		block.mlpLN.ForwardRow(row, r.norm)

		if err := block.mlpUp.ForwardRow(r.norm, r.ffRow); err != nil {
			return err
		}

		for j, v := range r.ffRow {
			r.ffRow[j] = tensor.GELUScalar(v)
		}

		if err := block.mlpDown.ForwardRow(r.ffRow, r.norm); err != nil {
			return err
		}

		for j := range row {
			row[j] += r.norm[j]
		}
	}

	return nil
}

// attendHeads runs multi-head attention of a single query row against keys
// and values laid out as [positions, state]. The result lands in out. When
// capture is non-nil the head-averaged attention weights are accumulated into
// it (used for cross-attention alignment).
func attendHeads(q, keys, values, out, scores []float32, heads, headDim, state int, scale float32, capture []float32) {
	positions := len(scores)

	for j := range out {
		out[j] = 0
	}

	for h := range heads {
		qh := q[h*headDim : (h+1)*headDim]

		for j := range positions {
			scores[j] = tensor.DotProduct(qh, keys[j*state+h*headDim:j*state+(h+1)*headDim]) * scale
		}

		tensor.SoftmaxRow(scores)

		if capture != nil {
			inv := 1.0 / float32(heads)
			for j, p := range scores {
				capture[j] += p * inv
			}
		}

		oh := out[h*headDim : (h+1)*headDim]
		for j, p := range scores {
			if p == 0 {
				continue
			}

			vh := values[j*state+h*headDim : j*state+(h+1)*headDim]
			for k := range oh {
				oh[k] += p * vh[k]
			}
		}
	}
}

// logitsRow applies the closing layer norm to row and projects it onto the
// token embedding, producing a [vocab] logits vector.
func (r *Run) logitsRow(row []float32) ([]float32, error) {
	d := r.d
	state := d.cfg.NTextState

	normed := make([]float32, state)
	d.lnOut.ForwardRow(row, normed)

	embData := d.tokenEmb.RawData()
	logits := make([]float32, d.cfg.NVocab)

	for v := range logits {
		logits[v] = tensor.DotProduct(normed, embData[v*state:(v+1)*state])
	}

	return logits, nil
}
