// Package ops provides the neural-network kernels used by the native
// inference backend: 1-D convolution for the encoder stem and scaled
// dot-product attention for the transformer blocks.
package ops

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
)

// workers controls the number of goroutines used by the parallel kernel fast
// paths. A value of 0 or 1 means sequential.
var workers atomic.Int32

// SetWorkers sets the maximum number of goroutines used by parallel kernels.
// n <= 1 disables parallelism.
func SetWorkers(n int) {
	if n < 0 {
		n = 0
	}

	workers.Store(int32(min(n, math.MaxInt32)))
}

// Workers returns the current worker count (0 or 1 means sequential).
func Workers() int { return int(workers.Load()) }

// parallelFor splits the range [0, n) into chunks and runs fn(lo, hi)
// concurrently. When w <= 1 the call is sequential (no goroutines).
func parallelFor(n, w int, fn func(lo, hi int)) {
	if w <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	if w > n {
		w = n
	}
	var wg sync.WaitGroup

	chunk := (n + w - 1) / w
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		wg.Add(1)

		go func(lo, hi int) {
			defer wg.Done()

			fn(lo, hi)
		}(lo, hi)
	}

	wg.Wait()
}

// Conv1D performs a deterministic CPU Conv1d with groups=1.
// input: [batch, in_channels, length]
// kernel: [out_channels, in_channels, kernel_size]
//
// The convolution is rearranged into a GEMM by building a patch matrix
// (im2col) of shape [outLength, inChannels*kernelSize]; both the kernel row
// and the im2col row are contiguous, so the dot-product kernel runs at full
// throughput.
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding int64) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 {
		return nil, errors.New("ops: conv1d stride must be > 0")
	}

	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 3 || len(kShape) != 3 {
		return nil, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", inShape, kShape)
	}

	batch, inCh, length := inShape[0], inShape[1], inShape[2]
	outCh, kInCh, kSize := kShape[0], kShape[1], kShape[2]

	if kInCh != inCh {
		return nil, fmt.Errorf("ops: conv1d kernel in_channels mismatch: got %d want %d", kInCh, inCh)
	}

	var biasData []float32

	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != outCh {
			return nil, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bShape, outCh)
		}

		biasData = bias.RawData()
	}

	outLen := (length+2*padding-kSize)/stride + 1
	if outLen <= 0 {
		return nil, fmt.Errorf("ops: conv1d produced non-positive output length %d", outLen)
	}

	out, err := tensor.Zeros([]int64{batch, outCh, outLen})
	if err != nil {
		return nil, err
	}

	inputData := input.RawData()
	kernelData := kernel.RawData()
	outData := out.RawData()

	patchLen := int(inCh * kSize)
	imcol := make([]float32, int(outLen)*patchLen)

	kSizeI := int(kSize)
	outChI := int(outCh)
	outLenI := int(outLen)
	lenI := int(length)

	for b := range batch {
		if b > 0 {
			for i := range imcol {
				imcol[i] = 0
			}
		}

		// Iterating (ic, kx) outer and ox inner keeps imcol writes sequential.
		for ic := range inCh {
			inBase := int(b*inCh+ic) * lenI
			for kx := range kSize {
				col := int(ic)*kSizeI + int(kx)
				for ox := range outLen {
					inPos := ox*stride - padding + kx
					if inPos >= 0 && inPos < length {
						imcol[int(ox)*patchLen+col] = inputData[inBase+int(inPos)]
					}
				}
			}
		}

		outBase := int(b) * outChI * outLenI
		parallelFor(outChI, Workers(), func(ocLo, ocHi int) {
			for oc := ocLo; oc < ocHi; oc++ {
				kernelRow := kernelData[oc*patchLen : (oc+1)*patchLen]

				biasVal := float32(0)
				if biasData != nil {
					biasVal = biasData[oc]
				}

				outOC := outData[outBase+oc*outLenI : outBase+(oc+1)*outLenI]
				for ox := range outLenI {
					outOC[ox] = tensor.DotProduct(kernelRow, imcol[ox*patchLen:(ox+1)*patchLen]) + biasVal
				}
			}
		})
	}

	return out, nil
}

// Attention computes scaled dot-product attention over the last two dims.
// q shape: [..., tq, d], k shape: [..., tk, d], v shape: [..., tk, dv].
// When causal is true, query i may only attend keys j <= i + offset.
func Attention(q, k, v *tensor.Tensor, causal bool, offset int64) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape := q.Shape()
	kShape := k.Shape()
	vShape := v.Shape()

	if len(qShape) < 2 || len(kShape) < 2 || len(vShape) < 2 {
		return nil, errors.New("ops: attention requires rank >= 2 inputs")
	}

	d := qShape[len(qShape)-1]
	if d != kShape[len(kShape)-1] {
		return nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, kShape[len(kShape)-1])
	}

	tk := kShape[len(kShape)-2]
	if tk != vShape[len(vShape)-2] {
		return nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", tk, vShape[len(vShape)-2])
	}

	tq := qShape[len(qShape)-2]
	dv := vShape[len(vShape)-1]

	blocks := int64(q.ElemCount()) / (tq * d)
	if blocks != int64(k.ElemCount())/(tk*d) || blocks != int64(v.ElemCount())/(tk*dv) {
		return nil, errors.New("ops: attention batch dims mismatch")
	}

	outShape := append([]int64(nil), qShape...)
	outShape[len(outShape)-1] = dv

	out, err := tensor.Zeros(outShape)
	if err != nil {
		return nil, err
	}

	qData := q.RawData()
	kData := k.RawData()
	vData := v.RawData()
	outData := out.RawData()

	scale := float32(1.0 / math.Sqrt(float64(d)))
	negInf := float32(math.Inf(-1))

	tqI, tkI, dI, dvI := int(tq), int(tk), int(d), int(dv)

	parallelFor(int(blocks), Workers(), func(bLo, bHi int) {
		scores := make([]float32, tkI)

		for b := bLo; b < bHi; b++ {
			qBase := b * tqI * dI
			kBase := b * tkI * dI
			vBase := b * tkI * dvI
			oBase := b * tqI * dvI

			for qi := range tqI {
				qRow := qData[qBase+qi*dI : qBase+(qi+1)*dI]

				for ki := range tkI {
					if causal && int64(ki) > int64(qi)+offset {
						scores[ki] = negInf
						continue
					}

					scores[ki] = tensor.DotProduct(qRow, kData[kBase+ki*dI:kBase+(ki+1)*dI]) * scale
				}

				tensor.SoftmaxRow(scores)

				oRow := outData[oBase+qi*dvI : oBase+(qi+1)*dvI]
				for j := range oRow {
					oRow[j] = 0
				}

				for ki, p := range scores {
					if p == 0 {
						continue
					}

					vRow := vData[vBase+ki*dvI : vBase+(ki+1)*dvI]
					for j := range oRow {
						oRow[j] += p * vRow[j]
					}
				}
			}
		}
	})

	return out, nil
}
