package mel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewExtractorRejectsBadBandCount(t *testing.T) {
	for _, n := range []int{0, 40, 100} {
		_, err := NewExtractor(n)
		require.Error(t, err)
	}

	for _, n := range []int{80, 128} {
		e, err := NewExtractor(n)
		require.NoError(t, err)
		require.Equal(t, n, e.NMels())
	}
}

func TestLogMelSpectrogramRejectsShortInput(t *testing.T) {
	e, err := NewExtractor(80)
	require.NoError(t, err)

	_, err = e.LogMelSpectrogram(make([]float32, 1000))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFeatureExtractionFailed)
}

func TestLogMelSpectrogramSilence(t *testing.T) {
	e, err := NewExtractor(80)
	require.NoError(t, err)

	out, err := e.LogMelSpectrogram(make([]float32, WindowSamples))
	require.NoError(t, err)
	require.Equal(t, []int64{80, FramesPerWindow}, out.Shape())

	// All-zero input clamps to the log floor everywhere: the spectrogram is
	// constant at (-10 + 4) / 4.
	data := out.RawData()
	for _, v := range data {
		require.InDelta(t, -1.5, float64(v), 1e-5)
	}
}

func TestLogMelSpectrogramSineHasStructure(t *testing.T) {
	e, err := NewExtractor(80)
	require.NoError(t, err)

	samples := make([]float32, WindowSamples)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}

	out, err := e.LogMelSpectrogram(samples)
	require.NoError(t, err)

	data := out.RawData()

	minV, maxV := data[0], data[0]
	for _, v := range data {
		minV = min(minV, v)
		maxV = max(maxV, v)
	}

	// A pure tone produces strong contrast across mel bands.
	require.Greater(t, float64(maxV-minV), 0.5)

	// Values stay within the rescaled dynamic range.
	require.LessOrEqual(t, float64(maxV), 3.0)
	require.GreaterOrEqual(t, float64(minV), float64(maxV)-2.0-1e-5)
}

func TestSampleReflect(t *testing.T) {
	s := []float32{0, 1, 2, 3}

	require.Equal(t, float32(1), sampleReflect(s, -1))
	require.Equal(t, float32(2), sampleReflect(s, -2))
	require.Equal(t, float32(0), sampleReflect(s, 0))
	require.Equal(t, float32(3), sampleReflect(s, 3))
	require.Equal(t, float32(2), sampleReflect(s, 4))
	require.Equal(t, float32(1), sampleReflect(s, 5))
}

func TestFilterbankShapeAndCoverage(t *testing.T) {
	fb, err := filterbank(80, NFFT, SampleRate)
	require.NoError(t, err)
	require.Len(t, fb, 80*(NFFT/2+1))

	// Every filter has positive mass.
	nBins := NFFT/2 + 1
	for m := range 80 {
		var sum float64
		for k := range nBins {
			require.GreaterOrEqual(t, float64(fb[m*nBins+k]), 0.0)
			sum += float64(fb[m*nBins+k])
		}

		require.Greater(t, sum, 0.0, "filter %d has no mass", m)
	}
}

func TestMelScaleRoundTrip(t *testing.T) {
	for _, hz := range []float64{0, 100, 500, 1000, 2000, 8000} {
		require.InDelta(t, hz, melToHz(hzToMel(hz)), 1e-6)
	}
}

func TestFFTMatchesDFT(t *testing.T) {
	for _, n := range []int{8, 12, 25, 400} {
		re := make([]float64, n)
		im := make([]float64, n)
		reRef := make([]float64, n)
		imRef := make([]float64, n)

		for i := range n {
			v := math.Sin(float64(i)*0.7) + 0.3*math.Cos(float64(i)*1.3)
			re[i] = v
			reRef[i] = v
		}

		fft(re, im)
		dft(reRef, imRef, n)

		for i := range n {
			require.InDelta(t, reRef[i], re[i], 1e-6, "n=%d re[%d]", n, i)
			require.InDelta(t, imRef[i], im[i], 1e-6, "n=%d im[%d]", n, i)
		}
	}
}

func TestFFTImpulse(t *testing.T) {
	n := 16
	re := make([]float64, n)
	im := make([]float64, n)
	re[0] = 1

	fft(re, im)

	// The DFT of an impulse is flat.
	for i := range n {
		require.InDelta(t, 1, re[i], 1e-9)
		require.InDelta(t, 0, im[i], 1e-9)
	}
}
