// SPDX-License-Identifier: MIT

package stream

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	intensity "github.com/chime-frb/intensity-stream"
)

const (
	testNupfreq             = 2
	testNtPerPacket         = 16
	testFpgaCountsPerSample = 384
	testNtPerAssembledChunk = 1024
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig(beamIDs []uint16, nbeamsPerPacket int) Config {
	return Config{
		BeamIDs:                      beamIDs,
		NbeamsPerPacket:              nbeamsPerPacket,
		Nupfreq:                      testNupfreq,
		NtPerPacket:                  testNtPerPacket,
		FpgaCountsPerSample:          testFpgaCountsPerSample,
		StreamID:                     0,
		UDPPort:                      0,
		IPAddr:                       "127.0.0.1",
		AssembledRingbufCapacity:     4,
		TelescopingRingbufCapacity:   []int{4, 4},
		NtPerAssembledChunk:          testNtPerAssembledChunk,
		SocketBufsize:                1 << 20,
		SocketTimeout:                20 * time.Millisecond,
		CancellationCheck:            10 * time.Millisecond,
		MaxUnassembledPacketsPerList: 8,
		MaxUnassembledBytesPerList:   1 << 16,
		UnassembledRingbufCapacity:   8,
		UnassembledRingbufTimeout:    30 * time.Millisecond,
		AcceptEndOfStreamPackets:     true,
		AssemblerWindowSize:          2,
	}
}

func buildDatagram(t *testing.T, beamIDs []uint16, ichunk uint64, tChunk int) []byte {
	t.Helper()
	nb := len(beamIDs)
	h := intensity.Header{
		ProtocolVersion:     intensity.ProtocolVersion,
		FpgaCountsPerSample: testFpgaCountsPerSample,
		Nbeams:              uint16(nb),
		NfreqCoarse:         1,
		Nupfreq:             testNupfreq,
		Ntsamp:              testNtPerPacket,
	}
	isample := ichunk*uint64(testNtPerAssembledChunk) + uint64(tChunk*testNtPerPacket)
	h.FpgaCount = isample * uint64(testFpgaCountsPerSample)

	blockSamples := testNupfreq * testNtPerPacket
	n := nb * blockSamples
	vals := make([]float32, n)
	weights := make([]float32, n)
	for i := range vals {
		vals[i] = 100
		weights[i] = 1.0
	}
	return intensity.Encode(h, beamIDs, []uint16{0}, vals, weights, blockSamples, testNtPerPacket, intensity.EncodeParams{WtCutoff: 1.0})
}

func dialStream(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	return conn
}

// TestStreamGeometryRoundTrip is spec.md §8 scenario S1, reduced to one beam
// and one packet: a packet placed through the whole pipeline produces an
// assembled chunk with the expected ichunk and beam id.
func TestStreamGeometryRoundTrip(t *testing.T) {
	cfg := testConfig([]uint16{1}, 1)
	s, err := New(cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() { s.End(); s.Join() }()

	port, err := s.LocalPort()
	require.NoError(t, err)
	conn := dialStream(t, port)
	defer conn.Close()

	_, err = conn.Write(buildDatagram(t, []uint16{1}, 0, 0))
	require.NoError(t, err)
	// Force the chunk closed by advancing the window past ichunk 0.
	_, err = conn.Write(buildDatagram(t, []uint16{1}, 10, 0))
	require.NoError(t, err)

	c, ok := waitForChunk(t, s, 1)
	require.True(t, ok)
	require.Equal(t, uint64(0), c.Ichunk)
	require.Equal(t, uint16(1), c.BeamID)
}

// TestStreamUnknownBeamCountedWithoutAffectingOthers is spec.md §8 scenario
// S6: a packed datagram naming one known and one unknown beam counts
// beam_id_mismatch but still delivers to the known beam.
func TestStreamUnknownBeamCountedWithoutAffectingOthers(t *testing.T) {
	cfg := testConfig([]uint16{1, 2}, 2)
	s, err := New(cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() { s.End(); s.Join() }()

	port, err := s.LocalPort()
	require.NoError(t, err)
	conn := dialStream(t, port)
	defer conn.Close()

	_, err = conn.Write(buildDatagram(t, []uint16{1, 99}, 0, 0))
	require.NoError(t, err)
	_, err = conn.Write(buildDatagram(t, []uint16{1, 99}, 10, 0))
	require.NoError(t, err)

	c, ok := waitForChunk(t, s, 1)
	require.True(t, ok)
	require.Equal(t, uint16(1), c.BeamID)

	counts := waitForCounter(t, s, "beam_id_mismatch", 2)
	require.GreaterOrEqual(t, counts, int64(2))
}

// TestStreamEndOfStreamDrainsAndJoins is spec.md §8 scenario S5.
func TestStreamEndOfStreamDrainsAndJoins(t *testing.T) {
	cfg := testConfig([]uint16{1}, 1)
	s, err := New(cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	port, err := s.LocalPort()
	require.NoError(t, err)
	conn := dialStream(t, port)
	defer conn.Close()

	_, err = conn.Write(buildDatagram(t, []uint16{1}, 0, 0))
	require.NoError(t, err)

	sentinel := make([]byte, intensity.EndOfStreamSize)
	_, err = conn.Write(sentinel)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not join after end-of-stream sentinel")
	}

	// Shutdown must have flushed the still-open window chunk.
	_, ok := s.GetAssembledChunk(1, false)
	require.True(t, ok)
}

func waitForChunk(t *testing.T, s *Stream, beamID uint16) (*chunkResult, bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, ok := s.GetAssembledChunk(beamID, false)
		if ok {
			return &chunkResult{BeamID: c.BeamID, Ichunk: c.Ichunk}, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}

type chunkResult struct {
	BeamID uint16
	Ichunk uint64
}

func waitForCounter(t *testing.T, s *Stream, name string, min int64) int64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last int64
	for time.Now().Before(deadline) {
		last = s.GetEventCounts()[name]
		if last >= min {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	return last
}
