// SPDX-License-Identifier: MIT

// Package intensity implements the UDP wire format emitted by correlator
// nodes and consumed by the ingestion pipeline: decoding, validation, and
// the weighted-quantization encoder used by simulators/tests.
package intensity

import (
	"encoding/binary"
	"math"
)

// Header is the fixed 24-byte packet header, laid out little-endian with no
// padding (spec.md §6).
type Header struct {
	ProtocolVersion     uint32
	DataNbytes          uint16
	FpgaCountsPerSample uint16
	FpgaCount           uint64
	Nbeams              uint16
	NfreqCoarse         uint16
	Nupfreq             uint16
	Ntsamp              uint16
}

// Packet is a decoded intensity packet. BeamIDs, FreqIDs, Scales, and
// Offsets are owned slices decoded from the wire; Data is a sub-slice of the
// original datagram buffer (no copy, since u8 samples need no byte-order
// conversion) — see spec.md §9's zero-copy-or-copy-once open question.
type Packet struct {
	Header

	BeamIDs []uint16
	FreqIDs []uint16
	Scales  []float32
	Offsets []float32
	Data    []byte
}

// IsEndOfStream reports whether a raw datagram of this length is the
// end-of-stream sentinel (spec.md §4.1 special case): a bare 24-byte header,
// never run through Decode.
func IsEndOfStream(nbytes int) bool {
	return nbytes == EndOfStreamSize
}

// Decode validates and parses a raw UDP datagram into a Packet.
//
// A 24-byte datagram must be handled by the caller via IsEndOfStream before
// calling Decode; Decode treats it as a regular (and too-short, given any
// nonzero nbeams/nfreq_coarse) packet and will reject it.
func Decode(src []byte) (*Packet, error) {
	nbytes := len(src)
	if nbytes < HeaderSize {
		return nil, errPacketTooShort
	}
	if nbytes > MaxUDPPacketSize {
		return nil, errPacketTooLarge
	}

	h := Header{
		ProtocolVersion:     binary.LittleEndian.Uint32(src[0:4]),
		DataNbytes:          binary.LittleEndian.Uint16(src[4:6]),
		FpgaCountsPerSample: binary.LittleEndian.Uint16(src[6:8]),
		FpgaCount:           binary.LittleEndian.Uint64(src[8:16]),
		Nbeams:              binary.LittleEndian.Uint16(src[16:18]),
		NfreqCoarse:         binary.LittleEndian.Uint16(src[18:20]),
		Nupfreq:             binary.LittleEndian.Uint16(src[20:22]),
		Ntsamp:              binary.LittleEndian.Uint16(src[22:24]),
	}

	if h.ProtocolVersion != ProtocolVersion {
		return nil, errBadProtocolVersion
	}
	if !isPowerOfTwo(h.Ntsamp) {
		return nil, errNtsampNotPow2
	}
	if h.FpgaCountsPerSample == 0 {
		return nil, errZeroFpgaCountsPerSample
	}

	fpgaCountsPerPacket := uint64(h.FpgaCountsPerSample) * uint64(h.Ntsamp)
	if h.FpgaCount%fpgaCountsPerPacket != 0 {
		return nil, errFpgaCountMisaligned
	}

	n1 := uint64(h.Nbeams)
	n2 := uint64(h.NfreqCoarse)
	n3 := uint64(h.Nupfreq)
	n4 := uint64(h.Ntsamp)

	headerBytes := uint64(HeaderSize) + 2*n1 + 2*n2 + 8*n1*n2
	dataBytes := n1 * n2 * n3 * n4

	if uint64(nbytes) != headerBytes+dataBytes {
		return nil, errSizeMismatch
	}
	if uint64(h.DataNbytes) != dataBytes {
		return nil, errDataNbytesMismatch
	}

	beamOff := uint64(HeaderSize)
	freqOff := beamOff + 2*n1
	scaleOff := freqOff + 2*n2
	offsetOff := scaleOff + 4*n1*n2
	dataOff := offsetOff + 4*n1*n2

	beamIDs := make([]uint16, n1)
	for i := range beamIDs {
		beamIDs[i] = binary.LittleEndian.Uint16(src[beamOff+2*uint64(i):])
	}

	freqIDs := make([]uint16, n2)
	for i := range freqIDs {
		freqIDs[i] = binary.LittleEndian.Uint16(src[freqOff+2*uint64(i):])
	}
	for _, id := range freqIDs {
		if id >= NfreqCoarse {
			return nil, errFreqIDOutOfRange
		}
	}

	scales := make([]float32, n1*n2)
	for i := range scales {
		bits := binary.LittleEndian.Uint32(src[scaleOff+4*uint64(i):])
		scales[i] = math.Float32frombits(bits)
	}

	offsets := make([]float32, n1*n2)
	for i := range offsets {
		bits := binary.LittleEndian.Uint32(src[offsetOff+4*uint64(i):])
		offsets[i] = math.Float32frombits(bits)
	}

	return &Packet{
		Header:  h,
		BeamIDs: beamIDs,
		FreqIDs: freqIDs,
		Scales:  scales,
		Offsets: offsets,
		Data:    src[dataOff : dataOff+dataBytes],
	}, nil
}

// FindFreqID returns the packet-local index of the given coarse frequency
// id, or -1 if the packet does not carry it.
func (p *Packet) FindFreqID(freqID uint16) int {
	for i, id := range p.FreqIDs {
		if id == freqID {
			return i
		}
	}
	return -1
}

// ContainsFreqID reports whether the packet carries the given coarse
// frequency id.
func (p *Packet) ContainsFreqID(freqID uint16) bool {
	return p.FindFreqID(freqID) >= 0
}

// NarrowToBeam returns a view of the packet restricted to a single beam
// index within it (0-based index into BeamIDs), with Nbeams=1 and Data
// sliced to that beam's block. It shares backing arrays with p — no copy —
// matching the borrowed-slice option from spec.md §9's demux open question.
func (p *Packet) NarrowToBeam(beamIndex int) Packet {
	nf := uint64(p.NfreqCoarse)
	nu := uint64(p.Nupfreq)
	nt := uint64(p.Ntsamp)
	blockSamples := nu * nt

	q := Packet{
		Header:  p.Header,
		BeamIDs: p.BeamIDs[beamIndex : beamIndex+1],
		FreqIDs: p.FreqIDs,
		Scales:  p.Scales[uint64(beamIndex)*nf : uint64(beamIndex+1)*nf],
		Offsets: p.Offsets[uint64(beamIndex)*nf : uint64(beamIndex+1)*nf],
		Data:    p.Data[uint64(beamIndex)*nf*blockSamples : uint64(beamIndex+1)*nf*blockSamples],
	}
	q.Nbeams = 1
	q.DataNbytes = uint16(nf * blockSamples)
	return q
}

// EncodeParams carries the weighted-quantization encoder's per-call tuning
// knob. WtCutoff is the minimum weight (spec.md §4.1) treated as "valid".
type EncodeParams struct {
	WtCutoff float32
}

// Encode packs (beam, coarse-freq) blocks of intensity/weight samples into a
// wire packet, computing a per-block affine (scale, offset) that centers
// 0x80 on the weighted mean with one standard deviation spanning 25
// quantization levels, so [0,255] covers about ±5 standard deviations
// (spec.md §4.1). beamStride/freqStride give the row strides of the
// caller's intensity/weights arrays, exactly as in the original encoder.
func Encode(h Header, beamIDs, freqIDs []uint16, intensity, weights []float32, beamStride, freqStride int, params EncodeParams) []byte {
	nb := int(h.Nbeams)
	nf := int(h.NfreqCoarse)
	nu := int(h.Nupfreq)
	nt := int(h.Ntsamp)

	headerBytes := HeaderSize + 2*nb + 2*nf + 8*nb*nf
	dataBytes := nb * nf * nu * nt
	dst := make([]byte, headerBytes+dataBytes)

	h.DataNbytes = uint16(dataBytes)
	binary.LittleEndian.PutUint32(dst[0:4], h.ProtocolVersion)
	binary.LittleEndian.PutUint16(dst[4:6], h.DataNbytes)
	binary.LittleEndian.PutUint16(dst[6:8], h.FpgaCountsPerSample)
	binary.LittleEndian.PutUint64(dst[8:16], h.FpgaCount)
	binary.LittleEndian.PutUint16(dst[16:18], h.Nbeams)
	binary.LittleEndian.PutUint16(dst[18:20], h.NfreqCoarse)
	binary.LittleEndian.PutUint16(dst[20:22], h.Nupfreq)
	binary.LittleEndian.PutUint16(dst[22:24], h.Ntsamp)

	beamOff := HeaderSize
	freqOff := beamOff + 2*nb
	scaleOff := freqOff + 2*nf
	offsetOff := scaleOff + 4*nb*nf
	dataOff := offsetOff + 4*nb*nf

	for i, id := range beamIDs {
		binary.LittleEndian.PutUint16(dst[beamOff+2*i:], id)
	}
	for i, id := range freqIDs {
		binary.LittleEndian.PutUint16(dst[freqOff+2*i:], id)
	}

	for b := 0; b < nb; b++ {
		for f := 0; f < nf; f++ {
			subData := dst[dataOff+(b*nf+f)*(nu*nt):]
			subInt := intensity[b*beamStride+f*nu*freqStride:]
			subWt := weights[b*beamStride+f*nu*freqStride:]

			var acc0, acc1, acc2 float64
			for u := 0; u < nu; u++ {
				for t := 0; t < nt; t++ {
					x := float64(subInt[u*freqStride+t])
					w := 0.0
					if subWt[u*freqStride+t] >= params.WtCutoff {
						w = 1.0
					}
					acc0 += w
					acc1 += w * x
					acc2 += w * x * x
				}
			}

			var scale, offset float32
			if acc0 <= 0 {
				scale, offset = 1, 0
				// subData is already zero-valued.
			} else {
				mean := acc1 / acc0
				variance := acc2/acc0 - mean*mean
				variance = math.Max(variance, 1.0e-5*mean*mean)

				scale = float32(math.Sqrt(variance) / 25.0)
				offset = float32(mean) - 128*scale

				for u := 0; u < nu; u++ {
					for t := 0; t < nt; t++ {
						x := subInt[u*freqStride+t]
						w := float32(0)
						if subWt[u*freqStride+t] >= params.WtCutoff {
							w = 1
						}
						v := w * (x - offset) / scale
						v = float32(math.Min(float64(v), 255))
						v = float32(math.Max(float64(v), 0))
						subData[u*nt+t] = byte(v + 0.5)
					}
				}
			}

			binary.LittleEndian.PutUint32(dst[scaleOff+4*(b*nf+f):], math.Float32bits(scale))
			binary.LittleEndian.PutUint32(dst[offsetOff+4*(b*nf+f):], math.Float32bits(offset))
		}
	}

	return dst
}
