// SPDX-License-Identifier: MIT

package intensity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildPacket(t *testing.T, nbeams, nfreq, nupfreq, ntsamp int, fpgaCount uint64, fpgaCountsPerSample uint16) []byte {
	t.Helper()

	h := Header{
		ProtocolVersion:     ProtocolVersion,
		FpgaCountsPerSample: fpgaCountsPerSample,
		FpgaCount:           fpgaCount,
		Nbeams:              uint16(nbeams),
		NfreqCoarse:         uint16(nfreq),
		Nupfreq:             uint16(nupfreq),
		Ntsamp:              uint16(ntsamp),
	}

	beamIDs := make([]uint16, nbeams)
	for i := range beamIDs {
		beamIDs[i] = uint16(i)
	}
	freqIDs := make([]uint16, nfreq)
	for i := range freqIDs {
		freqIDs[i] = uint16(i)
	}

	stride := nupfreq * ntsamp
	intensityArr := make([]float32, nbeams*nfreq*stride)
	weights := make([]float32, nbeams*nfreq*stride)
	for i := range intensityArr {
		intensityArr[i] = float32(100 + i%50)
		weights[i] = 1.0
	}

	return Encode(h, beamIDs, freqIDs, intensityArr, weights, nfreq*stride, ntsamp, EncodeParams{WtCutoff: 1.0})
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	raw := buildPacket(t, 2, 4, 3, 16, 384*16, 384)

	p, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(ProtocolVersion), p.ProtocolVersion)
	require.Equal(t, uint16(2), p.Nbeams)
	require.Equal(t, uint16(4), p.NfreqCoarse)
	require.Equal(t, []uint16{0, 1}, p.BeamIDs)
	require.Equal(t, []uint16{0, 1, 2, 3}, p.FreqIDs)
	require.Len(t, p.Data, 2*4*3*16)
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	require.ErrorIs(t, err, errPacketTooShort)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	raw := buildPacket(t, 1, 1, 1, 2, 0, 384)
	raw[0] = 9
	_, err := Decode(raw)
	require.ErrorIs(t, err, errBadProtocolVersion)
}

func TestDecodeAcceptsMinimalPowerOfTwoNtsamp(t *testing.T) {
	raw := buildPacket(t, 1, 1, 1, 2, 0, 384)
	_, err := Decode(raw)
	require.NoError(t, err)
}

func TestDecodeRejectsNonPowerOfTwoNtsamp(t *testing.T) {
	raw := buildPacket(t, 1, 1, 1, 2, 0, 384)
	// ntsamp lives at offset 22..24; the power-of-two check runs before any
	// size validation, so forcing it to 3 in place is sufficient.
	raw[22], raw[23] = 3, 0
	_, err := Decode(raw)
	require.ErrorIs(t, err, errNtsampNotPow2)
}

func TestDecodeRejectsMisalignedFpgaCount(t *testing.T) {
	raw := buildPacket(t, 1, 1, 1, 2, 5, 384)
	_, err := Decode(raw)
	require.ErrorIs(t, err, errFpgaCountMisaligned)
}

func TestDecodeRejectsFreqIDOutOfRange(t *testing.T) {
	raw := buildPacket(t, 1, 1, 1, 2, 0, 384)
	// freq id lives right after the single beam id, at offset 26..28.
	raw[26], raw[27] = 0xFF, 0xFF
	_, err := Decode(raw)
	require.ErrorIs(t, err, errFreqIDOutOfRange)
}

func TestIsEndOfStream(t *testing.T) {
	require.True(t, IsEndOfStream(24))
	require.False(t, IsEndOfStream(25))
}

func TestNarrowToBeam(t *testing.T) {
	raw := buildPacket(t, 2, 4, 3, 16, 384*16, 384)
	p, err := Decode(raw)
	require.NoError(t, err)

	sub := p.NarrowToBeam(1)
	require.Equal(t, uint16(1), sub.Nbeams)
	require.Equal(t, []uint16{p.BeamIDs[1]}, sub.BeamIDs)
	require.Len(t, sub.Data, 4*3*16)
}

func TestFindFreqID(t *testing.T) {
	raw := buildPacket(t, 1, 4, 1, 2, 0, 384)
	p, err := Decode(raw)
	require.NoError(t, err)

	require.Equal(t, 2, p.FindFreqID(2))
	require.Equal(t, -1, p.FindFreqID(99))
	require.True(t, p.ContainsFreqID(0))
	require.False(t, p.ContainsFreqID(99))
}

func TestEncodeZeroWeightYieldsFlatScale(t *testing.T) {
	h := Header{ProtocolVersion: ProtocolVersion, FpgaCountsPerSample: 384, Nbeams: 1, NfreqCoarse: 1, Nupfreq: 1, Ntsamp: 2}
	intensityArr := []float32{10, 20}
	weights := []float32{0, 0}
	raw := Encode(h, []uint16{0}, []uint16{0}, intensityArr, weights, 2, 2, EncodeParams{WtCutoff: 1.0}) // nupfreq=1 so freqStride=ntsamp=2

	p, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, float32(1), p.Scales[0])
	require.Equal(t, float32(0), p.Offsets[0])
	require.Equal(t, []byte{0, 0}, p.Data)
}
