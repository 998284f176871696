package transcribe

import (
	"context"
	"fmt"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
	"github.com/example/go-pocket-stt/internal/whisper"
)

// nativeEncoder adapts the native encoder to the backend contract.
type nativeEncoder struct {
	enc *whisper.Encoder
}

// NewNativeEncoder wraps a loaded native encoder.
func NewNativeEncoder(enc *whisper.Encoder) Encoder {
	return &nativeEncoder{enc: enc}
}

func (e *nativeEncoder) Encode(ctx context.Context, mel *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := e.enc.Encode(mel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderFailed, err)
	}

	return out, nil
}

// nativeDecoder adapts the native decoder.
type nativeDecoder struct {
	dec *whisper.Decoder
}

// NewNativeDecoder wraps a loaded native decoder.
func NewNativeDecoder(dec *whisper.Decoder) Decoder {
	return &nativeDecoder{dec: dec}
}

func (d *nativeDecoder) MaxContext() int {
	return d.dec.Config().MaxDecoderCtx()
}

func (d *nativeDecoder) VocabSize() int {
	return d.dec.Config().NVocab
}

func (d *nativeDecoder) NewRun(encoderEmb *tensor.Tensor, collectAlignment bool) (DecoderRun, error) {
	run, err := d.dec.NewRun(encoderEmb, collectAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrepareDecoderInputsFailed, err)
	}

	return &nativeRun{run: run}, nil
}

type nativeRun struct {
	run *whisper.Run
}

func (r *nativeRun) Prefill(tokens []int, sotIndex int) ([]float32, []float32, error) {
	last, sot, err := r.run.Prefill(tokens, sotIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecodingLogitsFailed, err)
	}

	return last, sot, nil
}

func (r *nativeRun) Step(token int) ([]float32, error) {
	logits, err := r.run.Step(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodingLogitsFailed, err)
	}

	return logits, nil
}

func (r *nativeRun) Len() int { return r.run.Len() }

func (r *nativeRun) Reset() { r.run.Reset() }

func (r *nativeRun) Alignment() [][]float32 { return r.run.Alignment() }

func (r *nativeRun) Close() {}
