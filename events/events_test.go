// SPDX-License-Identifier: MIT

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalFlushMergesIntoTotals(t *testing.T) {
	c := NewCounters()

	var l1, l2 Local
	l1.Add(PacketReceived, 5)
	l1.Add(PacketGood, 3)
	l2.Add(PacketReceived, 2)
	l2.Add(PacketBad, 2)

	c.Flush(&l1)
	c.Flush(&l2)

	snap := c.Snapshot()
	require.Equal(t, int64(7), snap["packet_received"])
	require.Equal(t, int64(3), snap["packet_good"])
	require.Equal(t, int64(2), snap["packet_bad"])
}

func TestFlushResetsLocal(t *testing.T) {
	c := NewCounters()
	var l Local
	l.Add(AssemblerHit, 4)
	c.Flush(&l)
	require.Equal(t, int64(0), l.counts[AssemblerHit])
}

func TestPerHostPackets(t *testing.T) {
	c := NewCounters()
	c.AddHostPackets("10.0.0.1:5555", 3)
	c.AddHostPackets("10.0.0.1:5555", 2)
	c.AddHostPackets("10.0.0.2:5555", 1)

	hosts := c.PerHostPackets()
	require.Equal(t, int64(5), hosts["10.0.0.1:5555"])
	require.Equal(t, int64(1), hosts["10.0.0.2:5555"])
}

func TestEventCountConservation(t *testing.T) {
	c := NewCounters()
	var l Local
	l.Add(PacketReceived, 10)
	l.Add(PacketGood, 6)
	l.Add(PacketBad, 2)
	l.Add(StreamMismatch, 1)
	l.Add(PacketEndOfStream, 1)
	c.Flush(&l)

	snap := c.Snapshot()
	sum := snap["packet_good"] + snap["packet_bad"] + snap["stream_mismatch"] + snap["packet_end_of_stream"]
	require.Equal(t, snap["packet_received"], sum)
}

func TestCounterStringUnknown(t *testing.T) {
	require.Equal(t, "unknown", Counter(-1).String())
	require.Equal(t, "unknown", numCounters.String())
}
