// Package onnx is the ONNX Runtime inference backend: an engine owning the
// encoder and decoder_step sessions of a manifest-described graph pair, with
// adapters exposing them to the transcription pipeline.
package onnx

import (
	"fmt"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is the runtime-neutral payload exchanged with ORT sessions.
type Tensor struct {
	dtype TensorDType
	shape []int64
	data  any
}

func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	count := int64(1)
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("onnx: negative dimension in shape %v", shape)
		}

		count *= d
	}

	if int64(len(data)) != count {
		return nil, fmt.Errorf("onnx: data length %d does not match shape %v", len(data), shape)
	}

	t := &Tensor{shape: append([]int64(nil), shape...)}

	switch any(data).(type) {
	case []float32:
		t.dtype = DTypeFloat32

		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}

		t.data = converted
	case []int64:
		t.dtype = DTypeInt64

		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}

		t.data = converted
	default:
		return nil, fmt.Errorf("onnx: unsupported tensor element type %T", data)
	}

	return t, nil
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

// Data returns the backing slice; callers must treat it as read-only.
func (t *Tensor) Data() any {
	return t.data
}

// Float32Data returns the float32 payload or an error for other dtypes.
func (t *Tensor) Float32Data() ([]float32, error) {
	data, ok := t.data.([]float32)
	if !ok {
		return nil, fmt.Errorf("onnx: tensor holds %s, want float32", t.dtype)
	}

	return data, nil
}
