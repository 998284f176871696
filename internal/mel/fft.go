package mel

import "math"

// fft computes the forward DFT of the complex input re/im in place.
// The size does not have to be a power of two; odd factors fall back to a
// direct DFT, so sizes like 400 (2^4 * 25) stay fast.
func fft(re, im []float64) {
	n := len(re)
	if n <= 1 {
		return
	}

	if n%2 != 0 {
		dft(re, im, n)
		return
	}

	half := n / 2
	evenRe := make([]float64, half)
	evenIm := make([]float64, half)
	oddRe := make([]float64, half)
	oddIm := make([]float64, half)

	for i := range half {
		evenRe[i] = re[2*i]
		evenIm[i] = im[2*i]
		oddRe[i] = re[2*i+1]
		oddIm[i] = im[2*i+1]
	}

	fft(evenRe, evenIm)
	fft(oddRe, oddIm)

	for k := range half {
		angle := -2 * math.Pi * float64(k) / float64(n)
		wr := math.Cos(angle)
		wi := math.Sin(angle)

		tr := wr*oddRe[k] - wi*oddIm[k]
		ti := wr*oddIm[k] + wi*oddRe[k]

		re[k] = evenRe[k] + tr
		im[k] = evenIm[k] + ti
		re[k+half] = evenRe[k] - tr
		im[k+half] = evenIm[k] - ti
	}
}

func dft(re, im []float64, n int) {
	outRe := make([]float64, n)
	outIm := make([]float64, n)

	for k := range n {
		var sr, si float64

		for t := range n {
			angle := -2 * math.Pi * float64(k*t%n) / float64(n)
			wr := math.Cos(angle)
			wi := math.Sin(angle)
			sr += re[t]*wr - im[t]*wi
			si += re[t]*wi + im[t]*wr
		}

		outRe[k] = sr
		outIm[k] = si
	}

	copy(re, outRe)
	copy(im, outIm)
}
