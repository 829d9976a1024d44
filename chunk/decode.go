// SPDX-License-Identifier: MIT

package chunk

// Decode unpacks quantized samples into float intensity and weight arrays,
// one row (fine frequency) at a time, each row written with the given
// stride (spec.md §4.2). This is the reference scalar kernel; spec.md §9
// notes a SIMD fast path is optional and must agree with this one.
//
// weight is 1.0 iff the quantized byte is in {1,...,254}: the two rails 0
// and 255 encode masked/saturated samples.
func (c *Chunk) Decode(intensityOut, weightsOut []float32, stride int) error {
	if stride < c.NtPerAssembledChunk {
		return ErrBadStride
	}

	nt := c.NtPerAssembledChunk
	for freqCoarse := 0; freqCoarse < NfreqCoarse; freqCoarse++ {
		scalesF := c.Scales[freqCoarse*c.NtCoarse : (freqCoarse+1)*c.NtCoarse]
		offsetsF := c.Offsets[freqCoarse*c.NtCoarse : (freqCoarse+1)*c.NtCoarse]

		for freqFine := freqCoarse * c.Nupfreq; freqFine < (freqCoarse+1)*c.Nupfreq; freqFine++ {
			srcF := c.Data[freqFine*nt : (freqFine+1)*nt]
			intF := intensityOut[freqFine*stride:]
			wtF := weightsOut[freqFine*stride:]

			for tCoarse := 0; tCoarse < c.NtCoarse; tCoarse++ {
				scale := scalesF[tCoarse]
				offset := offsetsF[tCoarse]

				lo := tCoarse * c.NtPerPacket
				hi := lo + c.NtPerPacket
				for tFine := lo; tFine < hi; tFine++ {
					x := float32(srcF[tFine])
					intF[tFine] = scale*x + offset
					wtF[tFine] = 0
					if x > 0 && x < 255 {
						wtF[tFine] = 1.0
					}
				}
			}
		}
	}

	return nil
}
