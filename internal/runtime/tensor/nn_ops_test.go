package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{5, 4, 3, 2, 1}
	require.InDelta(t, 35.0, float64(DotProduct(a, b)), 1e-6)
}

func TestMatMul(t *testing.T) {
	a, _ := New([]float32{1, 2, 3, 4}, []int64{2, 2})
	b, _ := New([]float32{5, 6, 7, 8}, []int64{2, 2})

	c, err := MatMul(a, b)
	require.NoError(t, err)
	require.Equal(t, []float32{19, 22, 43, 50}, c.RawData())
}

func TestMatMulBatched(t *testing.T) {
	a, _ := New([]float32{1, 0, 0, 1, 2, 0, 0, 2}, []int64{2, 2, 2})
	b, _ := New([]float32{1, 2, 3, 4, 1, 2, 3, 4}, []int64{2, 2, 2})

	c, err := MatMul(a, b)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4, 2, 4, 6, 8}, c.RawData())
}

func TestMatMulMismatch(t *testing.T) {
	a, _ := New([]float32{1, 2, 3}, []int64{1, 3})
	b, _ := New([]float32{1, 2}, []int64{2, 1})

	_, err := MatMul(a, b)
	require.Error(t, err)
}

func TestLinear(t *testing.T) {
	x, _ := New([]float32{1, 2}, []int64{1, 2})
	w, _ := New([]float32{1, 0, 0, 1, 1, 1}, []int64{3, 2}) // rows: [1,0],[0,1],[1,1]
	b, _ := New([]float32{0.5, 0.5, 0.5}, []int64{3})

	y, err := Linear(x, w, b)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, y.Shape())
	require.InDeltaSlice(t, []float32{1.5, 2.5, 3.5}, y.RawData(), 1e-6)
}

func TestLayerNormRow(t *testing.T) {
	row := []float32{1, 2, 3, 4}
	LayerNormRow(row, nil, nil, 1e-5)

	var mean float64
	for _, v := range row {
		mean += float64(v)
	}

	require.InDelta(t, 0, mean/4, 1e-5)

	var variance float64
	for _, v := range row {
		variance += float64(v) * float64(v)
	}

	require.InDelta(t, 1, variance/4, 1e-3)
}

func TestLayerNormWeightBias(t *testing.T) {
	x, _ := New([]float32{1, 2, 3, 4}, []int64{2, 2})
	w, _ := New([]float32{2, 2}, []int64{2})
	b, _ := New([]float32{1, 1}, []int64{2})

	out, err := LayerNorm(x, w, b, 1e-5)
	require.NoError(t, err)

	// Each row is [-1, 1] normalized, scaled by 2, shifted by 1.
	require.InDeltaSlice(t, []float32{-1, 3, -1, 3}, out.RawData(), 1e-2)
}

func TestSoftmaxRow(t *testing.T) {
	row := []float32{1, 2, 3}
	SoftmaxRow(row)

	var sum float64
	for _, v := range row {
		sum += float64(v)
	}

	require.InDelta(t, 1, sum, 1e-6)
	require.Greater(t, row[2], row[1])
	require.Greater(t, row[1], row[0])
}

func TestSoftmaxRowHandlesNegInf(t *testing.T) {
	negInf := float32(math.Inf(-1))
	row := []float32{negInf, 0, negInf}
	SoftmaxRow(row)

	require.InDelta(t, 1, float64(row[1]), 1e-6)
	require.InDelta(t, 0, float64(row[0]), 1e-6)
}

func TestLogSumExpRow(t *testing.T) {
	row := []float32{0, 0}
	require.InDelta(t, math.Log(2), float64(LogSumExpRow(row)), 1e-6)

	require.True(t, math.IsInf(float64(LogSumExpRow(nil)), -1))
}

func TestLogSoftmaxRow(t *testing.T) {
	row := []float32{1, 2, 3}
	out := make([]float32, 3)
	LogSoftmaxRow(row, out)

	var sum float64
	for _, v := range out {
		sum += math.Exp(float64(v))
	}

	require.InDelta(t, 1, sum, 1e-6)
}

func TestArgmaxRow(t *testing.T) {
	require.Equal(t, 2, ArgmaxRow([]float32{1, 2, 5, 0}))
	require.Equal(t, -1, ArgmaxRow(nil))
	require.Equal(t, 0, ArgmaxRow([]float32{3, 3}))
}

func TestGELU(t *testing.T) {
	require.InDelta(t, 0, float64(GELUScalar(0)), 1e-9)
	require.InDelta(t, 2.9959, float64(GELUScalar(3)), 1e-2)
	require.Less(t, float64(GELUScalar(-3)), 0.0)
	require.Greater(t, float64(GELUScalar(-3)), -0.01)
}
