// SPDX-License-Identifier: MIT

// Package stream wires the network reader, assembler thread, and per-beam
// telescoping buffers into the top-level object external callers construct,
// start, and query (spec.md §6).
package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	intensity "github.com/chime-frb/intensity-stream"
	"github.com/chime-frb/intensity-stream/assembler"
	"github.com/chime-frb/intensity-stream/chunk"
	"github.com/chime-frb/intensity-stream/events"
	"github.com/chime-frb/intensity-stream/netio"
	"github.com/chime-frb/intensity-stream/plist"
	"github.com/chime-frb/intensity-stream/telescope"
)

// Config is the Go rendering of spec.md §6's "Configuration object".
type Config struct {
	BeamIDs             []uint16
	NbeamsPerPacket     int // packing factor of a single UDP datagram, spec.md §3
	Nupfreq             int
	NtPerPacket         int
	FpgaCountsPerSample uint16
	StreamID            int
	UDPPort             int
	IPAddr              string

	AssembledRingbufCapacity   int
	TelescopingRingbufCapacity []int
	NtPerAssembledChunk        int

	SocketBufsize     int
	SocketTimeout     time.Duration
	CancellationCheck time.Duration

	MaxUnassembledPacketsPerList int
	MaxUnassembledBytesPerList   int
	UnassembledRingbufCapacity   int
	UnassembledRingbufTimeout    time.Duration

	AcceptEndOfStreamPackets bool

	NRFIFreq int

	AssemblerWindowSize int
}

// Validate checks construction-time invariants (spec.md §6/§7), run once
// before Start.
func (c Config) Validate() error {
	if len(c.BeamIDs) == 0 {
		return errors.New("stream: beam_ids must be non-empty")
	}
	seen := make(map[uint16]bool, len(c.BeamIDs))
	for _, id := range c.BeamIDs {
		if seen[id] {
			return fmt.Errorf("stream: duplicate beam id %d", id)
		}
		seen[id] = true
	}
	if c.NbeamsPerPacket <= 0 {
		return errors.New("stream: nbeams_per_packet must be positive")
	}
	if c.Nupfreq <= 0 {
		return errors.New("stream: nupfreq must be positive")
	}
	if c.NtPerPacket <= 0 || c.NtPerPacket&(c.NtPerPacket-1) != 0 {
		return errors.New("stream: nt_per_packet must be a power of two")
	}
	if c.NtPerAssembledChunk <= 0 || c.NtPerAssembledChunk%c.NtPerPacket != 0 {
		return errors.New("stream: nt_per_assembled_chunk must be a positive multiple of nt_per_packet")
	}
	if c.FpgaCountsPerSample == 0 {
		return errors.New("stream: fpga_counts_per_sample must be positive")
	}
	if c.StreamID < 0 || c.StreamID > 9 {
		return errors.New("stream: stream_id must be in [0,9]")
	}
	if c.AssembledRingbufCapacity <= 0 {
		return errors.New("stream: assembled_ringbuf_capacity must be positive")
	}
	if len(c.TelescopingRingbufCapacity) == 0 {
		return errors.New("stream: telescoping_ringbuf_capacity must have at least one level")
	}
	for _, n := range c.TelescopingRingbufCapacity {
		if n < 2 {
			return errors.New("stream: every telescoping_ringbuf_capacity level must be >= 2")
		}
	}
	if c.MaxUnassembledPacketsPerList <= 0 || c.MaxUnassembledBytesPerList <= 0 {
		return errors.New("stream: max_unassembled_packets_per_list and max_unassembled_nbytes_per_list must be positive")
	}
	if c.UnassembledRingbufCapacity <= 0 {
		return errors.New("stream: unassembled_ringbuf_capacity must be positive")
	}
	if c.AssemblerWindowSize < 2 {
		return errors.New("stream: assembler window size must be >= 2")
	}
	return nil
}

// RingbufSize is the response to get_ringbuf_size(beam) (spec.md §6).
type RingbufSize struct {
	FpgaNext   uint64
	NReady     int
	Capacity   int
	NElements  int
	FpgaMin    uint64
	FpgaMax    uint64
}

// Stream owns the reader goroutine, the assembler goroutine, and one Beam
// per configured beam ID.
type Stream struct {
	cfg      Config
	counters *events.Counters
	log      *logrus.Entry

	ringbuf  *plist.Ringbuf
	reader   *netio.Reader
	beams    []*assembler.Beam
	beamByID map[uint16]*assembler.Beam
	thread   *assembler.Thread

	mu              sync.Mutex
	started         bool
	endRequested    bool
	joined          bool
	assemblerJoined chan struct{}
}

// New validates cfg and constructs a Stream ready for Start. It does not
// open any socket or launch any goroutine.
func New(cfg Config, log *logrus.Entry) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	counters := events.NewCounters()
	ringbuf := plist.New(cfg.UnassembledRingbufCapacity)

	beams := make([]*assembler.Beam, 0, len(cfg.BeamIDs))
	beamByID := make(map[uint16]*assembler.Beam, len(cfg.BeamIDs))
	for _, id := range cfg.BeamIDs {
		b, err := assembler.NewBeam(assembler.BeamParams{
			BeamID:              id,
			Nupfreq:             cfg.Nupfreq,
			NtPerPacket:         cfg.NtPerPacket,
			FpgaCountsPerSample: cfg.FpgaCountsPerSample,
			NtPerAssembledChunk: cfg.NtPerAssembledChunk,
			WindowSize:          cfg.AssemblerWindowSize,
			DownstreamCapacity:  cfg.AssembledRingbufCapacity,
			TelescopeCapacities: cfg.TelescopingRingbufCapacity,
			NRFIFreq:            cfg.NRFIFreq,
		})
		if err != nil {
			return nil, fmt.Errorf("stream: beam %d: %w", id, err)
		}
		beams = append(beams, b)
		beamByID[id] = b
	}

	thread := &assembler.Thread{
		Geometry: assembler.ExpectedGeometry{
			Nbeams:              uint16(cfg.NbeamsPerPacket),
			Nupfreq:             uint16(cfg.Nupfreq),
			Ntsamp:              uint16(cfg.NtPerPacket),
			FpgaCountsPerSample: cfg.FpgaCountsPerSample,
		},
		Beams:    beams,
		Ringbuf:  ringbuf,
		Counters: counters,
		Log:      log,
	}

	reader := netio.New(netio.Config{
		IPAddr:            cfg.IPAddr,
		UDPPort:           cfg.UDPPort,
		RecvBufBytes:      cfg.SocketBufsize,
		RecvTimeout:       cfg.SocketTimeout,
		CancellationCheck: cfg.CancellationCheck,
		ListFlushTimeout:  cfg.UnassembledRingbufTimeout,
		ListCapPackets:    cfg.MaxUnassembledPacketsPerList,
		ListCapBytes:      cfg.MaxUnassembledBytesPerList,
		AcceptEndOfStream: cfg.AcceptEndOfStreamPackets,
		MaxDatagramSize:   intensity.MaxUDPPacketSize,
	}, ringbuf, counters, log)

	return &Stream{
		cfg:             cfg,
		counters:        counters,
		log:             log,
		ringbuf:         ringbuf,
		reader:          reader,
		beams:           beams,
		beamByID:        beamByID,
		thread:          thread,
		assemblerJoined: make(chan struct{}),
	}, nil
}

// Start launches the reader and assembler goroutines. A second call returns
// an error.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("stream: already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.reader.Start(); err != nil {
		return err
	}
	go func() {
		s.thread.Run()
		close(s.assemblerJoined)
	}()
	return nil
}

// End requests shutdown: idempotent, safe to call from any goroutine
// (spec.md §5 Cancellation).
func (s *Stream) End() {
	s.mu.Lock()
	if s.endRequested {
		s.mu.Unlock()
		return
	}
	s.endRequested = true
	s.mu.Unlock()
	s.reader.End()
}

// Join waits for both the reader and the assembler thread to fully exit.
// Idempotent.
func (s *Stream) Join() {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = true
	s.mu.Unlock()

	s.reader.Join()
	<-s.assemblerJoined
}

// LocalPort returns the UDP port the reader is bound to, resolving a
// UDPPort=0 wildcard bind. Valid only after Start succeeds.
func (s *Stream) LocalPort() (int, error) {
	return s.reader.Port()
}

// Beam returns the assembler for the given beam ID, or nil if unknown.
func (s *Stream) Beam(beamID uint16) *assembler.Beam {
	return s.beamByID[beamID]
}

// GetEventCounts returns a snapshot of all cumulative event counts
// (spec.md §6: get_event_counts()).
func (s *Stream) GetEventCounts() map[string]int64 {
	return s.counters.Snapshot()
}

// GetPerHostPackets returns a snapshot of the per-source-host packet counts
// (spec.md §6: get_perhost_packets()).
func (s *Stream) GetPerHostPackets() map[string]int64 {
	return s.counters.PerHostPackets()
}

// GetRingbufSnapshot returns, per requested beam, the telescoping entries
// overlapping [minFpga, maxFpga] (spec.md §6: get_ringbuf_snapshot()).
func (s *Stream) GetRingbufSnapshot(beamIDs []uint16, minFpga, maxFpga uint64) map[uint16][]telescope.Entry {
	out := make(map[uint16][]telescope.Entry, len(beamIDs))
	for _, id := range beamIDs {
		b := s.beamByID[id]
		if b == nil {
			continue
		}
		out[id] = b.Telescope().Snapshot(minFpga, maxFpga)
	}
	return out
}

// GetRingbufSize summarizes one beam's level-0 (native-rate) telescoping
// occupancy (spec.md §6: get_ringbuf_size()).
func (s *Stream) GetRingbufSize(beamID uint16) (RingbufSize, bool) {
	b := s.beamByID[beamID]
	if b == nil {
		return RingbufSize{}, false
	}
	tel := b.Telescope()
	entries := tel.Snapshot(0, ^uint64(0))

	var rs RingbufSize
	rs.Capacity = s.cfg.TelescopingRingbufCapacity[0]
	rs.FpgaMin = ^uint64(0)
	for _, e := range entries {
		if e.Binning != 1 {
			continue
		}
		rs.NElements++
		if e.Chunk.FpgaBegin < rs.FpgaMin {
			rs.FpgaMin = e.Chunk.FpgaBegin
		}
		if e.Chunk.FpgaEnd > rs.FpgaMax {
			rs.FpgaMax = e.Chunk.FpgaEnd
		}
	}
	rs.NReady = tel.LevelSize(0)
	rs.FpgaNext = rs.FpgaMax
	if rs.NElements == 0 {
		rs.FpgaMin = 0
	}
	return rs, true
}

// GetAssembledChunk drains the next closed chunk for a beam, matching the
// external consumer's blocking point (spec.md §5).
func (s *Stream) GetAssembledChunk(beamID uint16, wait bool) (*chunk.Chunk, bool) {
	b := s.beamByID[beamID]
	if b == nil {
		return nil, false
	}
	return b.GetAssembledChunk(wait)
}
