// SPDX-License-Identifier: MIT

package chunk

import (
	"errors"
	"math"
)

// ErrNotAdjacent is returned by Downsample when the two source chunks are
// not temporally adjacent at their shared binning level.
var ErrNotAdjacent = errors.New("chunk: source chunks are not temporally adjacent")

// downsampleWtCutoff treats any decoded weight strictly greater than zero as
// valid when refitting scale/offset; Decode only ever emits 0.0 or 1.0.
const downsampleWtCutoff = 0.5

// Downsample produces a new chunk of binning 2*srcA.Binning from two
// adjacent chunks of the same binning (srcA.Ichunk + srcA.Binning ==
// srcB.Ichunk), per spec.md §4.2/§4.5. Data is averaged pairwise in time,
// weights combine by AND, and scale/offset are refit per (coarse-freq,
// coarse-time) block to preserve dynamic range under the new binning.
func Downsample(srcA, srcB *Chunk) (*Chunk, error) {
	if srcA.Binning != srcB.Binning {
		return nil, ErrNotAdjacent
	}
	if srcA.Ichunk+uint64(srcA.Binning) != srcB.Ichunk {
		return nil, ErrNotAdjacent
	}

	dst, err := New(Params{
		BeamID:              srcA.BeamID,
		Nupfreq:             srcA.Nupfreq,
		NtPerPacket:         srcA.NtPerPacket,
		FpgaCountsPerSample: srcA.FpgaCountsPerSample,
		NtPerAssembledChunk: srcA.NtPerAssembledChunk,
		Ichunk:              srcA.Ichunk,
		Binning:             2 * srcA.Binning,
		Frame0Nano:          srcA.Frame0Nano,
		NRFIFreq:            srcA.NRFIFreq,
	})
	if err != nil {
		return nil, err
	}

	nt := srcA.NtPerAssembledChunk
	stride := nt

	intA := make([]float32, NfreqCoarse*srcA.Nupfreq*stride)
	wtA := make([]float32, NfreqCoarse*srcA.Nupfreq*stride)
	intB := make([]float32, NfreqCoarse*srcA.Nupfreq*stride)
	wtB := make([]float32, NfreqCoarse*srcA.Nupfreq*stride)

	if err := srcA.Decode(intA, wtA, stride); err != nil {
		return nil, err
	}
	if err := srcB.Decode(intB, wtB, stride); err != nil {
		return nil, err
	}

	half := nt / 2
	nupfreq := srcA.Nupfreq
	ntPerPacket := dst.NtPerPacket
	ntCoarse := dst.NtCoarse

	// merged[row] holds nt pairwise-averaged samples: the first half comes
	// from downsampling srcA by 2, the second half from downsampling srcB
	// by 2 (equivalent to pairwise-averaging the time-concatenation of A
	// then B, since nt is even and no pair straddles the boundary).
	mergedInt := make([]float32, nt)
	mergedWt := make([]float32, nt)

	for freqFine := 0; freqFine < NfreqCoarse*nupfreq; freqFine++ {
		rowA := freqFine * stride
		rowB := freqFine * stride

		for i := 0; i < half; i++ {
			mergedInt[i], mergedWt[i] = pairAverage(intA[rowA+2*i], wtA[rowA+2*i], intA[rowA+2*i+1], wtA[rowA+2*i+1])
		}
		for i := 0; i < half; i++ {
			mergedInt[half+i], mergedWt[half+i] = pairAverage(intB[rowB+2*i], wtB[rowB+2*i], intB[rowB+2*i+1], wtB[rowB+2*i+1])
		}

		freqCoarse := freqFine / nupfreq
		for tc := 0; tc < ntCoarse; tc++ {
			lo := tc * ntPerPacket
			hi := lo + ntPerPacket
			scale, offset := fitScaleOffset(mergedInt[lo:hi], mergedWt[lo:hi], downsampleWtCutoff)

			dst.Scales[freqCoarse*ntCoarse+tc] = scale
			dst.Offsets[freqCoarse*ntCoarse+tc] = offset

			dstRow := dst.Data[freqFine*nt:]
			for t := lo; t < hi; t++ {
				dstRow[t] = quantize(mergedInt[t], mergedWt[t], scale, offset, downsampleWtCutoff)
			}
		}
	}

	return dst, nil
}

func pairAverage(x1, w1, x2, w2 float32) (float32, float32) {
	avg := (x1 + x2) / 2
	wt := float32(0)
	if w1 > 0 && w2 > 0 {
		wt = 1
	}
	return avg, wt
}

// fitScaleOffset computes the same weighted-mean/variance affine fit as the
// packet encoder (spec.md §4.1), reused here for re-quantizing downsampled
// data.
func fitScaleOffset(samples, weights []float32, wtCutoff float32) (scale, offset float32) {
	var acc0, acc1, acc2 float64
	for i, x := range samples {
		w := 0.0
		if weights[i] >= wtCutoff {
			w = 1.0
		}
		xf := float64(x)
		acc0 += w
		acc1 += w * xf
		acc2 += w * xf * xf
	}

	if acc0 <= 0 {
		return 1, 0
	}

	mean := acc1 / acc0
	variance := acc2/acc0 - mean*mean
	variance = math.Max(variance, 1.0e-5*mean*mean)

	scale = float32(math.Sqrt(variance) / 25.0)
	offset = float32(mean) - 128*scale
	return scale, offset
}

func quantize(x, w, scale, offset, wtCutoff float32) byte {
	if w < wtCutoff || scale == 0 {
		return 0
	}
	v := (x - offset) / scale
	v = float32(math.Min(float64(v), 255))
	v = float32(math.Max(float64(v), 0))
	return byte(v + 0.5)
}
