// SPDX-License-Identifier: MIT

package assembler

import (
	"github.com/sirupsen/logrus"

	intensity "github.com/chime-frb/intensity-stream"
	"github.com/chime-frb/intensity-stream/events"
	"github.com/chime-frb/intensity-stream/plist"
)

// ExpectedGeometry is the stream's fixed packet shape; decoded packets whose
// (Nbeams, Nupfreq, Ntsamp, FpgaCountsPerSample) disagree are counted as
// stream_mismatch (spec.md §4.7).
type ExpectedGeometry struct {
	Nbeams              uint16
	Nupfreq             uint16
	Ntsamp              uint16
	FpgaCountsPerSample uint16
}

func (g ExpectedGeometry) matches(h intensity.Header) bool {
	return h.Nbeams == g.Nbeams &&
		h.Nupfreq == g.Nupfreq &&
		h.Ntsamp == g.Ntsamp &&
		h.FpgaCountsPerSample == g.FpgaCountsPerSample
}

// Thread pulls packet lists off the unassembled ring buffer, decodes and
// demultiplexes each datagram by beam, and dispatches single-beam views to
// the matching Beam assembler (spec.md §4.7).
type Thread struct {
	Geometry ExpectedGeometry
	Beams    []*Beam
	Ringbuf  *plist.Ringbuf
	Counters *events.Counters
	Log      *logrus.Entry

	// FatalOnMismatch, when set, logs an Error-level line for each
	// stream_mismatch. The datagram is still only counted and dropped and
	// the thread keeps running; beam_id_mismatch is only counted either way.
	FatalOnMismatch bool

	beamIndex map[uint16]*Beam
}

func (t *Thread) byBeamID(id uint16) *Beam {
	if t.beamIndex == nil {
		t.beamIndex = make(map[uint16]*Beam, len(t.Beams))
		for _, b := range t.Beams {
			t.beamIndex[b.BeamID()] = b
		}
	}
	return t.beamIndex[id]
}

// Run drains the ring buffer until it reports end-of-stream, then closes
// every beam assembler's remaining open chunks and returns. It is intended
// to be run on its own goroutine; Run returns when the stream has fully
// drained.
func (t *Thread) Run() {
	var local events.Local

	for {
		list, ok := t.Ringbuf.Get()
		if !ok {
			break
		}

		for i := 0; i < list.NumPackets(); i++ {
			t.processDatagram(list.Packet(i), &local)
		}

		t.Counters.Flush(&local)
	}

	for _, b := range t.Beams {
		if err := b.EndStream(&local); err != nil && t.Log != nil {
			t.Log.WithError(err).WithField("beam_id", b.BeamID()).Error("end_stream failed")
		}
	}
	t.Counters.Flush(&local)
}

func (t *Thread) processDatagram(raw []byte, local *events.Local) {
	local.Add(events.PacketReceived, 1)

	if intensity.IsEndOfStream(len(raw)) {
		local.Add(events.PacketEndOfStream, 1)
		return
	}

	pkt, err := intensity.Decode(raw)
	if err != nil {
		local.Add(events.PacketBad, 1)
		return
	}

	if !t.Geometry.matches(pkt.Header) {
		local.Add(events.StreamMismatch, 1)
		if t.FatalOnMismatch && t.Log != nil {
			t.Log.WithFields(logrus.Fields{
				"nbeams": pkt.Nbeams, "nupfreq": pkt.Nupfreq,
				"ntsamp": pkt.Ntsamp, "fpga_counts_per_sample": pkt.FpgaCountsPerSample,
			}).Error("stream geometry mismatch")
		}
		return
	}

	local.Add(events.PacketGood, 1)

	for i, beamID := range pkt.BeamIDs {
		b := t.byBeamID(beamID)
		if b == nil {
			local.Add(events.BeamIDMismatch, 1)
			continue
		}
		sub := pkt.NarrowToBeam(i)
		if err := b.PutUnassembledPacket(&sub, local); err != nil && t.Log != nil {
			t.Log.WithError(err).WithField("beam_id", beamID).Error("put_unassembled_packet failed")
		}
	}
}
