// SPDX-License-Identifier: MIT

// Package chunk implements the assembled-chunk store: the quantized
// time-frequency tile that packets are assembled into, its decode and
// pairwise-downsample kernels, and its wire serialization (spec.md §3, §4.2,
// §6).
package chunk

import (
	"errors"
	"sync/atomic"

	intensity "github.com/chime-frb/intensity-stream"
)

// Construction-time limits, named after original_source/cpp/assembled_chunk.cpp's
// constants:: namespace rather than left as magic numbers.
const (
	MaxAllowedBeamID              = intensity.MaxAllowedBeamID
	MaxAllowedNupfreq             = intensity.MaxAllowedNupfreq
	MaxAllowedFpgaCountsPerSample = intensity.MaxAllowedFpgaCountsPerSample
	NfreqCoarse                   = intensity.NfreqCoarse
)

var (
	// ErrBadBeamID is returned by New when beam_id is out of range.
	ErrBadBeamID = errors.New("chunk: beam_id out of range")
	// ErrBadNupfreq is returned by New when nupfreq is out of range.
	ErrBadNupfreq = errors.New("chunk: nupfreq out of range")
	// ErrBadNtPerPacket is returned by New when nt_per_packet is not a
	// power of two, or exceeds nt_per_assembled_chunk.
	ErrBadNtPerPacket = errors.New("chunk: nt_per_packet must be a power of two and <= nt_per_assembled_chunk")
	// ErrBadFpgaCountsPerSample is returned by New when fpga_counts_per_sample
	// is out of range.
	ErrBadFpgaCountsPerSample = errors.New("chunk: fpga_counts_per_sample out of range")
	// ErrBadStride is returned by Decode when the caller's stride is too
	// small to hold nt_per_assembled_chunk samples per row.
	ErrBadStride = errors.New("chunk: stride smaller than nt_per_assembled_chunk")
	// ErrPacketMismatch is returned by AddPacket when the packet's geometry
	// or position does not belong in this chunk.
	ErrPacketMismatch = errors.New("chunk: packet does not belong to this chunk")
)

// Params are the construction-time parameters for a Chunk (spec.md §3's
// "Identity"/"Shape" attributes), supplied by the assembler or the
// telescoping ring buffer (for downsampled chunks).
type Params struct {
	BeamID              uint16
	Nupfreq             int
	NtPerPacket         int
	FpgaCountsPerSample uint16
	NtPerAssembledChunk int // stream geometric constant, fixed at stream construction
	Ichunk              uint64
	Binning             int // 1 for native-rate chunks; 2^level for telescoped chunks
	Frame0Nano          uint64
	NRFIFreq            int // 0 disables the RFI mask entirely
}

// Chunk is one assembled time-frequency tile: quantized intensities plus
// per-(coarse-freq, coarse-time) affine (scale, offset) coefficients and an
// optional RFI mask. Buffers are exclusively owned by the Chunk and are
// never mutated once the chunk is closed (spec.md §3/§5).
type Chunk struct {
	BeamID              uint16
	Nupfreq             int
	NtPerPacket         int
	FpgaCountsPerSample uint16
	NtPerAssembledChunk int
	Ichunk              uint64
	Binning             int
	FpgaBegin           uint64
	FpgaEnd             uint64
	Frame0Nano          uint64

	NtCoarse      int
	Nscales       int
	Ndata         int
	NRFIFreq      int
	NRFIMaskBytes int

	Data    []byte
	Scales  []float32
	Offsets []float32
	RFIMask []byte

	hasRFIMask atomic.Bool
}

// New allocates a chunk and validates its geometry per spec.md §4.2's error
// conditions.
func New(p Params) (*Chunk, error) {
	if p.BeamID > MaxAllowedBeamID {
		return nil, ErrBadBeamID
	}
	if p.Nupfreq <= 0 || p.Nupfreq > MaxAllowedNupfreq {
		return nil, ErrBadNupfreq
	}
	if p.NtPerPacket <= 0 || !isPowerOfTwo(p.NtPerPacket) || p.NtPerPacket > p.NtPerAssembledChunk {
		return nil, ErrBadNtPerPacket
	}
	if p.FpgaCountsPerSample == 0 || int(p.FpgaCountsPerSample) > MaxAllowedFpgaCountsPerSample {
		return nil, ErrBadFpgaCountsPerSample
	}
	if p.Binning <= 0 {
		p.Binning = 1
	}

	ntCoarse := p.NtPerAssembledChunk / p.NtPerPacket
	nscales := NfreqCoarse * ntCoarse
	ndata := NfreqCoarse * p.Nupfreq * p.NtPerAssembledChunk

	c := &Chunk{
		BeamID:              p.BeamID,
		Nupfreq:             p.Nupfreq,
		NtPerPacket:         p.NtPerPacket,
		FpgaCountsPerSample: p.FpgaCountsPerSample,
		NtPerAssembledChunk: p.NtPerAssembledChunk,
		Ichunk:              p.Ichunk,
		Binning:             p.Binning,
		Frame0Nano:          p.Frame0Nano,
		NtCoarse:            ntCoarse,
		Nscales:             nscales,
		Ndata:               ndata,
		NRFIFreq:            p.NRFIFreq,
		Data:                make([]byte, ndata),
		Scales:              make([]float32, nscales),
		Offsets:             make([]float32, nscales),
	}

	isampleBegin := p.Ichunk * uint64(p.NtPerAssembledChunk)
	c.FpgaBegin = isampleBegin * uint64(p.FpgaCountsPerSample)
	c.FpgaEnd = c.FpgaBegin + uint64(p.NtPerAssembledChunk)*uint64(p.FpgaCountsPerSample)*uint64(p.Binning)

	if p.NRFIFreq > 0 {
		// One byte per (RFI frequency row, coarse-time block): NRFIFreq rows
		// of NtCoarse bytes each.
		c.NRFIMaskBytes = p.NRFIFreq * ntCoarse
		c.RFIMask = make([]byte, c.NRFIMaskBytes)
	}

	return c, nil
}

// SetRFIMask installs an RFI mask and marks HasRFIMask true. len(mask) must
// equal NRFIMaskBytes.
func (c *Chunk) SetRFIMask(mask []byte) {
	copy(c.RFIMask, mask)
	c.hasRFIMask.Store(true)
}

// RFIMaskSnapshot returns the current RFI mask and whether one has been set.
func (c *Chunk) RFIMaskSnapshot() ([]byte, bool) {
	return c.RFIMask, c.hasRFIMask.Load()
}

// HasRFIMask reports the atomic has_rfi_mask flag from spec.md §3.
func (c *Chunk) HasRFIMask() bool {
	return c.hasRFIMask.Load()
}

func isPowerOfTwo(x int) bool {
	return x > 0 && x&(x-1) == 0
}

// AddPacket places one already-demultiplexed (single-beam) packet's samples
// into the chunk, per spec.md §4.2. The packet must belong to this chunk's
// beam and fall within [FpgaBegin, FpgaEnd).
func (c *Chunk) AddPacket(pkt *intensity.Packet) error {
	if pkt.Nbeams != 1 ||
		int(pkt.Nupfreq) != c.Nupfreq ||
		int(pkt.Ntsamp) != c.NtPerPacket ||
		pkt.FpgaCountsPerSample != c.FpgaCountsPerSample ||
		pkt.BeamIDs[0] != c.BeamID {
		return ErrPacketMismatch
	}

	fpgaCountsPerPacket := uint64(c.FpgaCountsPerSample) * uint64(c.NtPerPacket)
	if pkt.FpgaCount%fpgaCountsPerPacket != 0 {
		return ErrPacketMismatch
	}

	isample := pkt.FpgaCount / uint64(c.FpgaCountsPerSample)
	chunkT0 := c.Ichunk * uint64(c.NtPerAssembledChunk)
	if isample < chunkT0 {
		return ErrPacketMismatch
	}
	t0 := int(isample - chunkT0)
	if t0 < 0 || t0+c.NtPerPacket > c.NtPerAssembledChunk {
		return ErrPacketMismatch
	}

	tCoarse := t0 / c.NtPerPacket
	nt := c.NtPerAssembledChunk

	for f := 0; f < len(pkt.FreqIDs); f++ {
		coarseFreqID := int(pkt.FreqIDs[f])

		c.Scales[coarseFreqID*c.NtCoarse+tCoarse] = pkt.Scales[f]
		c.Offsets[coarseFreqID*c.NtCoarse+tCoarse] = pkt.Offsets[f]

		for u := 0; u < c.Nupfreq; u++ {
			dstOff := (coarseFreqID*c.Nupfreq+u)*nt + t0
			srcOff := (f*c.Nupfreq + u) * c.NtPerPacket
			copy(c.Data[dstOff:dstOff+c.NtPerPacket], pkt.Data[srcOff:srcOff+c.NtPerPacket])
		}
	}

	return nil
}
