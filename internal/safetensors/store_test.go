package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFile assembles a safetensors byte blob from raw tensor payloads.
func buildFile(t *testing.T, header map[string]any, payload []byte) []byte {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, payload...)

	return out
}

func f32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}

	return out
}

func TestOpenFromBytesF32(t *testing.T) {
	payload := f32Bytes(1, 2, 3, 4)
	data := buildFile(t, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int64{2, 2}, "data_offsets": []int{0, 16}},
	}, payload)

	store, err := OpenFromBytes(data)
	require.NoError(t, err)
	require.True(t, store.Has("w"))
	require.Equal(t, []string{"w"}, store.Names())

	tt, err := store.Tensor("w")
	require.NoError(t, err)
	require.Equal(t, []int64{2, 2}, tt.Shape)
	require.Equal(t, []float32{1, 2, 3, 4}, tt.Data)
}

func TestOpenFromBytesF16(t *testing.T) {
	// 0x3C00 is 1.0, 0xC000 is -2.0 in IEEE half precision.
	payload := []byte{0x00, 0x3C, 0x00, 0xC0}
	data := buildFile(t, map[string]any{
		"h": map[string]any{"dtype": "F16", "shape": []int64{2}, "data_offsets": []int{0, 4}},
	}, payload)

	store, err := OpenFromBytes(data)
	require.NoError(t, err)

	tt, err := store.Tensor("h")
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{1, -2}, tt.Data, 1e-6)
}

func TestOpenFromBytesBF16(t *testing.T) {
	// 0x3F80 is 1.0 in bfloat16.
	payload := []byte{0x80, 0x3F}
	data := buildFile(t, map[string]any{
		"b": map[string]any{"dtype": "BF16", "shape": []int64{1}, "data_offsets": []int{0, 2}},
	}, payload)

	store, err := OpenFromBytes(data)
	require.NoError(t, err)

	tt, err := store.Tensor("b")
	require.NoError(t, err)
	require.InDelta(t, 1, float64(tt.Data[0]), 1e-6)
}

func TestOpenFromBytesRejectsUnknownDType(t *testing.T) {
	data := buildFile(t, map[string]any{
		"x": map[string]any{"dtype": "I8", "shape": []int64{1}, "data_offsets": []int{0, 1}},
	}, []byte{1})

	_, err := OpenFromBytes(data)
	require.Error(t, err)
}

func TestOpenFromBytesRejectsOutOfRangeOffsets(t *testing.T) {
	data := buildFile(t, map[string]any{
		"x": map[string]any{"dtype": "F32", "shape": []int64{4}, "data_offsets": []int{0, 16}},
	}, f32Bytes(1))

	_, err := OpenFromBytes(data)
	require.Error(t, err)
}

func TestOpenFromBytesTruncatedHeader(t *testing.T) {
	_, err := OpenFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestOpenFromBytesEmpty(t *testing.T) {
	data := buildFile(t, map[string]any{}, nil)

	_, err := OpenFromBytes(data)
	require.Error(t, err)
}

func TestTensorMissing(t *testing.T) {
	data := buildFile(t, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int64{1}, "data_offsets": []int{0, 4}},
	}, f32Bytes(1))

	store, err := OpenFromBytes(data)
	require.NoError(t, err)

	_, err = store.Tensor("nope")
	require.Error(t, err)
}

func TestMetadataEntryIgnored(t *testing.T) {
	data := buildFile(t, map[string]any{
		"__metadata__": map[string]any{"format": "pt"},
		"w":            map[string]any{"dtype": "F32", "shape": []int64{1}, "data_offsets": []int{0, 4}},
	}, f32Bytes(7))

	store, err := OpenFromBytes(data)
	require.NoError(t, err)
	require.Equal(t, []string{"w"}, store.Names())
}

func TestFloat16Conversion(t *testing.T) {
	cases := map[uint16]float64{
		0x0000: 0,
		0x3C00: 1,
		0x4000: 2,
		0xBC00: -1,
		0x3800: 0.5,
	}

	for bits, want := range cases {
		require.InDelta(t, want, float64(float16ToFloat32(bits)), 1e-6)
	}

	// Subnormal: smallest positive half is 2^-24.
	require.InDelta(t, math.Pow(2, -24), float64(float16ToFloat32(0x0001)), 1e-10)
}
