// SPDX-License-Identifier: MIT

// Package assembler implements the per-beam assembler (placing packets into
// assembled chunks and aging them through a telescoping history) and the
// assembler-thread driver that demultiplexes decoded packets across beams
// (spec.md §4.4, §4.7).
package assembler

import (
	"errors"
	"sync"

	intensity "github.com/chime-frb/intensity-stream"
	"github.com/chime-frb/intensity-stream/chunk"
	"github.com/chime-frb/intensity-stream/events"
	"github.com/chime-frb/intensity-stream/telescope"
)

// ErrBadWindowSize is returned by NewBeam when WindowSize < 2.
var ErrBadWindowSize = errors.New("assembler: window size must be >= 2")

// BeamParams configures a single beam's assembler.
type BeamParams struct {
	BeamID              uint16
	Nupfreq             int
	NtPerPacket         int
	FpgaCountsPerSample uint16
	NtPerAssembledChunk int
	WindowSize          int // K in spec.md §4.4, typically 2-3
	DownstreamCapacity  int
	TelescopeCapacities []int
	NRFIFreq            int // 0 disables the RFI mask entirely
}

// Beam incrementally fills assembled chunks for one beam and publishes them
// downstream and into a telescoping history. Its mutex guards both the
// active window and the telescoping buffer (spec.md §5).
type Beam struct {
	mu sync.Mutex

	beamID              uint16
	nupfreq             int
	ntPerPacket         int
	fpgaCountsPerSample uint16
	ntPerAssembledChunk int
	windowSize          int
	nRFIFreq            int

	window       []*chunk.Chunk // len == windowSize once initialized; window[i] has ichunk == activeMin+i
	activeMin    uint64
	initialized  bool

	downstream *chunkQueue
	telescope  *telescope.Buffer
}

// NewBeam constructs a Beam assembler.
func NewBeam(p BeamParams) (*Beam, error) {
	if p.WindowSize < 2 {
		return nil, ErrBadWindowSize
	}
	tel, err := telescope.New(p.TelescopeCapacities)
	if err != nil {
		return nil, err
	}
	return &Beam{
		beamID:              p.BeamID,
		nupfreq:             p.Nupfreq,
		ntPerPacket:         p.NtPerPacket,
		fpgaCountsPerSample: p.FpgaCountsPerSample,
		ntPerAssembledChunk: p.NtPerAssembledChunk,
		windowSize:          p.WindowSize,
		nRFIFreq:            p.NRFIFreq,
		window:              make([]*chunk.Chunk, p.WindowSize),
		downstream:          newChunkQueue(p.DownstreamCapacity),
		telescope:           tel,
	}, nil
}

// BeamID returns the beam this assembler handles.
func (b *Beam) BeamID() uint16 { return b.beamID }

// Telescope exposes the beam's telescoping history (for snapshot/telemetry
// RPCs; spec.md §6).
func (b *Beam) Telescope() *telescope.Buffer { return b.telescope }

func (b *Beam) newChunk(ichunk uint64) (*chunk.Chunk, error) {
	return chunk.New(chunk.Params{
		BeamID:              b.beamID,
		Nupfreq:             b.nupfreq,
		NtPerPacket:         b.ntPerPacket,
		FpgaCountsPerSample: b.fpgaCountsPerSample,
		NtPerAssembledChunk: b.ntPerAssembledChunk,
		Ichunk:              ichunk,
		Binning:             1,
		NRFIFreq:            b.nRFIFreq,
	})
}

// PutUnassembledPacket places a single-beam packet into the active window,
// per spec.md §4.4's hit/miss/advance rules.
func (b *Beam) PutUnassembledPacket(pkt *intensity.Packet, local *events.Local) error {
	isample := pkt.FpgaCount / uint64(b.fpgaCountsPerSample)
	ichunk := isample / uint64(b.ntPerAssembledChunk)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		if err := b.initWindow(ichunk); err != nil {
			return err
		}
	}

	if ichunk < b.activeMin {
		local.Add(events.AssemblerMiss, 1)
		return nil
	}

	if ichunk >= b.activeMin+uint64(b.windowSize) {
		if err := b.advanceWindow(ichunk, local); err != nil {
			return err
		}
	}

	slot := int(ichunk - b.activeMin)
	local.Add(events.AssemblerHit, 1)
	return b.window[slot].AddPacket(pkt)
}

func (b *Beam) initWindow(ichunk uint64) error {
	b.activeMin = ichunk
	for i := 0; i < b.windowSize; i++ {
		c, err := b.newChunk(ichunk + uint64(i))
		if err != nil {
			return err
		}
		b.window[i] = c
	}
	b.initialized = true
	return nil
}

// advanceWindow slides the window forward so that ichunk falls within it,
// closing (and publishing) every chunk that slides off the front.
func (b *Beam) advanceWindow(ichunk uint64, local *events.Local) error {
	for b.activeMin+uint64(b.windowSize) <= ichunk {
		closed := b.window[0]
		copy(b.window, b.window[1:])

		newIchunk := b.activeMin + uint64(b.windowSize)
		newChunk, err := b.newChunk(newIchunk)
		if err != nil {
			return err
		}
		b.window[b.windowSize-1] = newChunk
		b.activeMin++

		if err := b.publish(closed, local); err != nil {
			return err
		}
	}
	return nil
}

// publish hands a closed chunk to the downstream consumer queue (dropping
// it with a counted event if full) and to the telescoping history.
func (b *Beam) publish(c *chunk.Chunk, local *events.Local) error {
	if b.downstream.tryPush(c) {
		local.Add(events.AssembledChunkQueued, 1)
	} else {
		local.Add(events.AssembledChunkDropped, 1)
	}
	return b.telescope.Push(c)
}

// GetAssembledChunk returns the next closed chunk, or none if wait is false
// and the queue is empty, or if the stream has ended and drained.
func (b *Beam) GetAssembledChunk(wait bool) (*chunk.Chunk, bool) {
	return b.downstream.get(wait)
}

// EndStream flushes every chunk still open in the active window to
// downstream/telescope and marks the downstream queue ended (spec.md §4.7
// shutdown: "call end_stream on every per-beam assembler").
func (b *Beam) EndStream(local *events.Local) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		for _, c := range b.window {
			if c != nil {
				if err := b.publish(c, local); err != nil {
					return err
				}
			}
		}
	}
	b.downstream.end()
	return nil
}
