// Package audio is the input boundary: it decodes WAV files and converts
// arbitrary-rate PCM into the 16 kHz mono float32 stream the engine expects.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/cwbudde/wav"
)

// ErrAudioProcessingFailed tags decode and resample errors.
var ErrAudioProcessingFailed = errors.New("audio: processing failed")

// EngineSampleRate is the only sample rate the transcription engine accepts.
const EngineSampleRate = 16000

// LoadWAV reads a WAV file and returns 16 kHz mono float32 samples in
// [-1, 1], downmixing and resampling as needed.
func LoadWAV(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrAudioProcessingFailed, path, err)
	}

	return DecodeWAV(data)
}

// DecodeWAV decodes WAV bytes into engine-rate mono float32 samples.
func DecodeWAV(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty WAV input", ErrAudioProcessingFailed)
	}

	r := bytes.NewReader(data)

	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid WAV file", ErrAudioProcessingFailed)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: reading PCM data: %v", ErrAudioProcessingFailed, err)
	}

	samples := buf.Data
	channels := int(dec.NumChans)

	if channels <= 0 {
		return nil, fmt.Errorf("%w: invalid channel count %d", ErrAudioProcessingFailed, channels)
	}

	if channels > 1 {
		samples = downmix(samples, channels)
	}

	rate := int(dec.SampleRate)
	if rate != EngineSampleRate {
		samples = Resample(samples, rate, EngineSampleRate)
	}

	return samples, nil
}

// downmix averages interleaved channels into mono.
func downmix(samples []float32, channels int) []float32 {
	frames := len(samples) / channels
	out := make([]float32, frames)

	inv := 1.0 / float32(channels)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}

		out[i] = sum * inv
	}

	return out
}

// Resample converts samples from one rate to another by linear
// interpolation. Adequate for speech input; callers needing band-limited
// conversion should resample upstream.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, outLen)

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		if idx+1 < len(samples) {
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		} else {
			out[i] = samples[idx]
		}
	}

	return out
}

// PadToLength zero-pads samples up to n, returning the input unchanged when
// already long enough.
func PadToLength(samples []float32, n int) []float32 {
	if len(samples) >= n {
		return samples
	}

	out := make([]float32, n)
	copy(out, samples)

	return out
}
