// Package mel converts PCM audio into the log-mel spectrogram the audio
// encoder consumes.
package mel

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
)

// ErrFeatureExtractionFailed tags spectrogram errors so callers can classify
// them without string matching.
var ErrFeatureExtractionFailed = errors.New("mel: feature extraction failed")

const (
	// SampleRate is the only PCM rate the engine accepts.
	SampleRate = 16000
	// WindowSeconds is the span of one encoder window.
	WindowSeconds = 30
	// WindowSamples is the exact input length of LogMelSpectrogram.
	WindowSamples = SampleRate * WindowSeconds
	// NFFT is the STFT size.
	NFFT = 400
	// HopLength is the STFT hop.
	HopLength = 160
	// FramesPerWindow is the spectrogram length of a full window.
	FramesPerWindow = WindowSamples / HopLength
)

// Extractor computes log-mel spectrograms for fixed 30-second windows.
// It is stateless after construction and safe for concurrent use.
type Extractor struct {
	nMels   int
	window  []float64 // periodic Hann, length NFFT
	filters []float32 // [nMels, NFFT/2+1]
}

// NewExtractor builds an extractor for nMels mel bands (80 or 128).
func NewExtractor(nMels int) (*Extractor, error) {
	if nMels != 80 && nMels != 128 {
		return nil, fmt.Errorf("%w: unsupported mel band count %d", ErrFeatureExtractionFailed, nMels)
	}

	window := make([]float64, NFFT)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(NFFT)))
	}

	filters, err := filterbank(nMels, NFFT, SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeatureExtractionFailed, err)
	}

	return &Extractor{nMels: nMels, window: window, filters: filters}, nil
}

// NMels returns the configured mel band count.
func (e *Extractor) NMels() int {
	if e == nil {
		return 0
	}

	return e.nMels
}

// LogMelSpectrogram converts exactly WindowSamples PCM samples into a
// [nMels, FramesPerWindow] spectrogram. Shorter audio must be zero-padded by
// the caller before the call.
//
// Pipeline: reflect-padded Hann STFT, magnitude squared, mel filterbank,
// floor at 1e-10, log10, clamp to max-8, rescale to (x+4)/4.
func (e *Extractor) LogMelSpectrogram(samples []float32) (*tensor.Tensor, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: extractor is nil", ErrFeatureExtractionFailed)
	}

	if len(samples) != WindowSamples {
		return nil, fmt.Errorf("%w: input length %d, want %d", ErrFeatureExtractionFailed, len(samples), WindowSamples)
	}

	const nBins = NFFT/2 + 1

	power := make([]float32, nBins*FramesPerWindow) // [nBins, frames]
	re := make([]float64, NFFT)
	im := make([]float64, NFFT)

	half := NFFT / 2
	for frame := range FramesPerWindow {
		start := frame*HopLength - half

		for i := range NFFT {
			re[i] = float64(sampleReflect(samples, start+i)) * e.window[i]
			im[i] = 0
		}

		fft(re, im)

		for k := range nBins {
			power[k*FramesPerWindow+frame] = float32(re[k]*re[k] + im[k]*im[k])
		}
	}

	melData := make([]float32, e.nMels*FramesPerWindow)
	logMax := float32(math.Inf(-1))

	for m := range e.nMels {
		row := e.filters[m*nBins : (m+1)*nBins]

		for frame := range FramesPerWindow {
			var sum float64
			for k, w := range row {
				if w != 0 {
					sum += float64(w) * float64(power[k*FramesPerWindow+frame])
				}
			}

			if sum < 1e-10 {
				sum = 1e-10
			}

			v := float32(math.Log10(sum))
			melData[m*FramesPerWindow+frame] = v

			if v > logMax {
				logMax = v
			}
		}
	}

	floor := logMax - 8.0
	for i, v := range melData {
		if v < floor {
			v = floor
		}

		melData[i] = (v + 4.0) / 4.0
	}

	out, err := tensor.New(melData, []int64{int64(e.nMels), FramesPerWindow})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeatureExtractionFailed, err)
	}

	return out, nil
}

// sampleReflect indexes samples with librosa-style reflect padding at both
// edges.
func sampleReflect(samples []float32, i int) float32 {
	n := len(samples)
	if n == 1 {
		return samples[0]
	}

	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}

		if i >= n {
			i = 2*(n-1) - i
		}
	}

	return samples[i]
}
