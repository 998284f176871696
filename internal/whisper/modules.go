package whisper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
	"github.com/example/go-pocket-stt/internal/safetensors"
)

// VarBuilder provides hierarchical tensor lookup over a safetensors store,
// so module loaders can address weights relative to their own prefix.
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

func OpenVarBuilder(path string) (*VarBuilder, error) {
	store, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}

	return &VarBuilder{store: store}, nil
}

func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{store: store}
}

func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	prefix := vb.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &VarBuilder{store: vb.store, prefix: prefix}
}

func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.store == nil {
		return false
	}

	return vb.store.Has(vb.resolve(name))
}

func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb == nil || vb.store == nil {
		return nil, errors.New("whisper varbuilder: uninitialized store")
	}

	fullName := vb.resolve(name)

	st, err := vb.store.Tensor(fullName)
	if err != nil {
		return nil, err
	}

	if len(wantShape) > 0 && !equalShape(st.Shape, wantShape) {
		return nil, fmt.Errorf("whisper varbuilder: tensor %q shape %v does not match expected %v", fullName, st.Shape, wantShape)
	}

	t, err := tensor.New(st.Data, st.Shape)
	if err != nil {
		return nil, fmt.Errorf("whisper varbuilder: tensor %q: %w", fullName, err)
	}

	return t, nil
}

func (vb *VarBuilder) TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error) {
	if !vb.Has(name) {
		return nil, false, nil
	}

	t, err := vb.Tensor(name, wantShape...)
	if err != nil {
		return nil, true, err
	}

	return t, true, nil
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb == nil || vb.prefix == "" {
		return name
	}

	if name == "" {
		return vb.prefix
	}

	return vb.prefix + "." + name
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// Linear is a dense layer with weight [out, in] and optional bias.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	inDim  int64
	outDim int64
}

func loadLinear(vb *VarBuilder, name string, withBias bool) (*Linear, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	if len(w.Shape()) != 2 {
		return nil, fmt.Errorf("whisper: linear %q weight must be rank-2, got %v", name, w.Shape())
	}
	var b *tensor.Tensor

	if withBias {
		t, ok, err := vb.TensorMaybe(name + ".bias")
		if err != nil {
			return nil, err
		}

		if ok {
			if len(t.Shape()) != 1 || t.Shape()[0] != w.Shape()[0] {
				return nil, fmt.Errorf("whisper: linear %q bias shape %v incompatible with weight %v", name, t.Shape(), w.Shape())
			}

			b = t
		}
	}

	return &Linear{Weight: w, Bias: b, inDim: w.Shape()[1], outDim: w.Shape()[0]}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("whisper: linear is not initialized")
	}

	return tensor.Linear(x, l.Weight, l.Bias)
}

// ForwardRow computes one output row from one input row into out.
func (l *Linear) ForwardRow(x, out []float32) error {
	if l == nil || l.Weight == nil {
		return errors.New("whisper: linear is not initialized")
	}

	if int64(len(x)) != l.inDim || int64(len(out)) != l.outDim {
		return fmt.Errorf("whisper: linear row dims: x=%d out=%d want in=%d out=%d", len(x), len(out), l.inDim, l.outDim)
	}

	wData := l.Weight.RawData()

	var biasData []float32
	if l.Bias != nil {
		biasData = l.Bias.RawData()
	}

	inI := int(l.inDim)
	for o := range out {
		sum := tensor.DotProduct(x, wData[o*inI:(o+1)*inI])
		if biasData != nil {
			sum += biasData[o]
		}

		out[o] = sum
	}

	return nil
}

// LayerNorm normalizes the last dimension with learned scale and shift.
type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func loadLayerNorm(vb *VarBuilder, name string, eps float32) (*LayerNorm, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	b, err := vb.Tensor(name + ".bias")
	if err != nil {
		return nil, err
	}

	if len(w.Shape()) != 1 || len(b.Shape()) != 1 || w.Shape()[0] != b.Shape()[0] {
		return nil, fmt.Errorf("whisper: layernorm %q invalid shapes weight=%v bias=%v", name, w.Shape(), b.Shape())
	}

	return &LayerNorm{Weight: w, Bias: b, Eps: eps}, nil
}

func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if ln == nil || ln.Weight == nil || ln.Bias == nil {
		return nil, errors.New("whisper: layernorm is not initialized")
	}

	return tensor.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

// ForwardRow normalizes a single row out of place.
func (ln *LayerNorm) ForwardRow(x, out []float32) {
	copy(out, x)
	tensor.LayerNormRow(out, ln.Weight.RawData(), ln.Bias.RawData(), ln.Eps)
}

// conv1dLayer is a 1-D convolution with bias, as used by the encoder stem.
type conv1dLayer struct {
	weight *tensor.Tensor // [out, in, k]
	bias   *tensor.Tensor // [out]
	stride int64
}

func loadConv1D(vb *VarBuilder, name string, stride int64) (*conv1dLayer, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	if len(w.Shape()) != 3 {
		return nil, fmt.Errorf("whisper: conv1d %q weight must be rank-3, got %v", name, w.Shape())
	}

	b, err := vb.Tensor(name+".bias", w.Shape()[0])
	if err != nil {
		return nil, err
	}

	return &conv1dLayer{weight: w, bias: b, stride: stride}, nil
}
