package mel

import (
	"fmt"
	"math"
)

// Slaney-style mel scale: linear below 1 kHz, logarithmic above.
const (
	melBreakHz    = 1000.0
	melLinearStep = 200.0 / 3.0
)

var melLogStep = math.Log(6.4) / 27.0

func hzToMel(hz float64) float64 {
	if hz < melBreakHz {
		return hz / melLinearStep
	}

	return melBreakHz/melLinearStep + math.Log(hz/melBreakHz)/melLogStep
}

func melToHz(mel float64) float64 {
	breakMel := melBreakHz / melLinearStep
	if mel < breakMel {
		return mel * melLinearStep
	}

	return melBreakHz * math.Exp(melLogStep*(mel-breakMel))
}

// filterbank builds the [nMels, nFFT/2+1] triangular mel filterbank with
// Slaney area normalization.
func filterbank(nMels, nFFT, sampleRate int) ([]float32, error) {
	if nMels <= 0 || nFFT <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("mel: invalid filterbank dims nMels=%d nFFT=%d sampleRate=%d", nMels, nFFT, sampleRate)
	}

	nBins := nFFT/2 + 1

	melMax := hzToMel(float64(sampleRate) / 2)
	melPoints := make([]float64, nMels+2)

	for i := range melPoints {
		melPoints[i] = melToHz(melMax * float64(i) / float64(nMels+1))
	}

	binHz := make([]float64, nBins)
	for i := range binHz {
		binHz[i] = float64(i) * float64(sampleRate) / float64(nFFT)
	}

	weights := make([]float32, nMels*nBins)

	for m := range nMels {
		lower := melPoints[m]
		center := melPoints[m+1]
		upper := melPoints[m+2]

		if upper <= lower {
			return nil, fmt.Errorf("mel: degenerate filter %d (%f..%f)", m, lower, upper)
		}

		norm := 2.0 / (upper - lower)

		for k, f := range binHz {
			var w float64

			switch {
			case f <= lower || f >= upper:
				w = 0
			case f < center:
				w = (f - lower) / (center - lower)
			default:
				w = (upper - f) / (upper - center)
			}

			weights[m*nBins+k] = float32(w * norm)
		}
	}

	return weights, nil
}
