// SPDX-License-Identifier: MIT

package chunk

import (
	"testing"

	"github.com/stretchr/testify/require"

	intensity "github.com/chime-frb/intensity-stream"
)

const testNtPerAssembledChunk = 1024

func newTestChunk(t *testing.T, ichunk uint64, binning int) *Chunk {
	t.Helper()
	c, err := New(Params{
		BeamID:              77,
		Nupfreq:             4,
		NtPerPacket:         16,
		FpgaCountsPerSample: 384,
		NtPerAssembledChunk: testNtPerAssembledChunk,
		Ichunk:              ichunk,
		Binning:             binning,
	})
	require.NoError(t, err)
	return c
}

func fillChunkWithPacket(t *testing.T, c *Chunk, freqID uint16, tCoarse int, value byte) {
	t.Helper()
	nt := c.NtPerPacket
	data := make([]byte, c.Nupfreq*nt)
	for i := range data {
		data[i] = value
	}

	pkt := &intensity.Packet{
		Header: intensity.Header{
			FpgaCount:           (c.Ichunk*uint64(c.NtPerAssembledChunk) + uint64(tCoarse*nt)) * uint64(c.FpgaCountsPerSample),
			FpgaCountsPerSample: c.FpgaCountsPerSample,
			Nbeams:              1,
			NfreqCoarse:         1,
			Nupfreq:             uint16(c.Nupfreq),
			Ntsamp:              uint16(nt),
		},
		BeamIDs: []uint16{c.BeamID},
		FreqIDs: []uint16{freqID},
		Scales:  []float32{2.0},
		Offsets: []float32{1.0},
		Data:    data,
	}
	require.NoError(t, c.AddPacket(pkt))
}

func TestNewRejectsBadGeometry(t *testing.T) {
	_, err := New(Params{BeamID: 70000, Nupfreq: 4, NtPerPacket: 16, FpgaCountsPerSample: 384, NtPerAssembledChunk: 1024})
	require.ErrorIs(t, err, ErrBadBeamID)

	_, err = New(Params{BeamID: 1, Nupfreq: 0, NtPerPacket: 16, FpgaCountsPerSample: 384, NtPerAssembledChunk: 1024})
	require.ErrorIs(t, err, ErrBadNupfreq)

	_, err = New(Params{BeamID: 1, Nupfreq: 4, NtPerPacket: 3, FpgaCountsPerSample: 384, NtPerAssembledChunk: 1024})
	require.ErrorIs(t, err, ErrBadNtPerPacket)

	_, err = New(Params{BeamID: 1, Nupfreq: 4, NtPerPacket: 2048, FpgaCountsPerSample: 384, NtPerAssembledChunk: 1024})
	require.ErrorIs(t, err, ErrBadNtPerPacket)

	_, err = New(Params{BeamID: 1, Nupfreq: 4, NtPerPacket: 16, FpgaCountsPerSample: 0, NtPerAssembledChunk: 1024})
	require.ErrorIs(t, err, ErrBadFpgaCountsPerSample)
}

func TestAddPacketAndDecode(t *testing.T) {
	c := newTestChunk(t, 0, 1)
	fillChunkWithPacket(t, c, 5, 0, 200)

	stride := c.NtPerAssembledChunk
	intensityOut := make([]float32, NfreqCoarse*c.Nupfreq*stride)
	weightsOut := make([]float32, NfreqCoarse*c.Nupfreq*stride)
	require.NoError(t, c.Decode(intensityOut, weightsOut, stride))

	row := 5 * c.Nupfreq
	got := intensityOut[row*stride]
	require.InDelta(t, 2.0*200+1.0, got, 1e-6)
	require.Equal(t, float32(1.0), weightsOut[row*stride])
}

func TestDecodeWeightRule(t *testing.T) {
	c := newTestChunk(t, 0, 1)
	fillChunkWithPacket(t, c, 0, 0, 0) // quantized value 0 -> masked
	stride := c.NtPerAssembledChunk
	intensityOut := make([]float32, NfreqCoarse*c.Nupfreq*stride)
	weightsOut := make([]float32, NfreqCoarse*c.Nupfreq*stride)
	require.NoError(t, c.Decode(intensityOut, weightsOut, stride))
	require.Equal(t, float32(0.0), weightsOut[0])
}

func TestDecodeRejectsShortStride(t *testing.T) {
	c := newTestChunk(t, 0, 1)
	err := c.Decode(nil, nil, c.NtPerAssembledChunk-1)
	require.ErrorIs(t, err, ErrBadStride)
}

func TestAddPacketRejectsWrongBeam(t *testing.T) {
	c := newTestChunk(t, 0, 1)
	pkt := &intensity.Packet{
		Header: intensity.Header{
			Nbeams: 1, Nupfreq: 4, Ntsamp: 16, FpgaCountsPerSample: 384,
		},
		BeamIDs: []uint16{999},
		FreqIDs: []uint16{0},
		Scales:  []float32{1},
		Offsets: []float32{0},
		Data:    make([]byte, 4*16),
	}
	require.ErrorIs(t, c.AddPacket(pkt), ErrPacketMismatch)
}

func TestDownsampleTelescopingInvariant(t *testing.T) {
	a := newTestChunk(t, 0, 1)
	b := newTestChunk(t, 1, 1)
	fillChunkWithPacket(t, a, 0, 0, 100)
	fillChunkWithPacket(t, b, 0, 0, 150)

	dst, err := Downsample(a, b)
	require.NoError(t, err)
	require.Equal(t, 2, dst.Binning)
	require.Equal(t, a.Ichunk, dst.Ichunk)
	require.Equal(t, a.FpgaBegin, dst.FpgaBegin)
	require.Equal(t, a.FpgaBegin+uint64(a.NtPerAssembledChunk)*uint64(a.FpgaCountsPerSample)*2, dst.FpgaEnd)
}

func TestDownsampleRejectsNonAdjacent(t *testing.T) {
	a := newTestChunk(t, 0, 1)
	b := newTestChunk(t, 5, 1)
	_, err := Downsample(a, b)
	require.ErrorIs(t, err, ErrNotAdjacent)
}

func TestSerializeRoundTrip(t *testing.T) {
	c := newTestChunk(t, 3, 1)
	fillChunkWithPacket(t, c, 10, 2, 42)
	c.SetRFIMask(make([]byte, 0))
	c.NRFIFreq = 0

	raw, stats, err := Serialize(c, false)
	require.NoError(t, err)
	require.False(t, stats.Compressed)

	got, err := Deserialize(raw, c.NtPerAssembledChunk)
	require.NoError(t, err)
	require.Equal(t, c.Data, got.Data)
	require.Equal(t, c.Scales, got.Scales)
	require.Equal(t, c.Offsets, got.Offsets)
	require.Equal(t, c.BeamID, got.BeamID)
	require.Equal(t, c.FpgaBegin, got.FpgaBegin)
	require.Equal(t, c.FpgaEnd, got.FpgaEnd)
}

func TestSerializeCompressionFallbackOnIncompressibleData(t *testing.T) {
	c := newTestChunk(t, 0, 1)
	rng := uint32(12345)
	for i := range c.Data {
		rng = rng*1664525 + 1013904223
		c.Data[i] = byte(rng >> 24)
	}

	_, stats, err := Serialize(c, true)
	require.NoError(t, err)
	require.False(t, stats.Compressed)
	require.Equal(t, c.Ndata, stats.CompressedSize)
}

func TestSerializeCompressesCompressibleData(t *testing.T) {
	c := newTestChunk(t, 0, 1)
	for i := range c.Data {
		c.Data[i] = 7 // maximally compressible
	}

	raw, stats, err := Serialize(c, true)
	require.NoError(t, err)
	require.True(t, stats.Compressed)
	require.Less(t, stats.CompressedSize, c.Ndata)

	got, err := Deserialize(raw, c.NtPerAssembledChunk)
	require.NoError(t, err)
	require.Equal(t, c.Data, got.Data)
}

func TestMaxCompressedSize(t *testing.T) {
	require.Greater(t, MaxCompressedSize(1024), 0)
}
