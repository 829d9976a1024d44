// SPDX-License-Identifier: MIT

// Package events implements the stream's telemetry counters: thread-local
// subcounts accumulated without locking on the hot path, flushed into
// mutex-protected totals at well-defined points (spec.md §4.8/§5/§6).
package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter identifies one of the event types in spec.md §6.
type Counter int

// Event types, in the order spec.md §6 lists them.
const (
	ByteReceived Counter = iota
	PacketReceived
	PacketGood
	PacketBad
	PacketDropped
	PacketEndOfStream
	BeamIDMismatch
	StreamMismatch
	AssemblerHit
	AssemblerMiss
	AssembledChunkDropped
	AssembledChunkQueued

	numCounters
)

var counterNames = [numCounters]string{
	ByteReceived:          "byte_received",
	PacketReceived:        "packet_received",
	PacketGood:            "packet_good",
	PacketBad:             "packet_bad",
	PacketDropped:         "packet_dropped",
	PacketEndOfStream:     "packet_end_of_stream",
	BeamIDMismatch:        "beam_id_mismatch",
	StreamMismatch:        "stream_mismatch",
	AssemblerHit:          "assembler_hit",
	AssemblerMiss:         "assembler_miss",
	AssembledChunkDropped: "assembled_chunk_dropped",
	AssembledChunkQueued:  "assembled_chunk_queued",
}

// String returns the event's wire/metric name.
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Local is a thread-local (goroutine-local) batch of subcounts, accumulated
// without synchronization, then merged into a Counters' shared totals via
// Flush (spec.md §5: "subcounts are accumulated thread-locally and merged
// into shared totals under a mutex at flush points").
type Local struct {
	counts [numCounters]int64
}

// Add increments the local subcount for the given event type.
func (l *Local) Add(c Counter, delta int64) {
	l.counts[c] += delta
}

// Get returns the local subcount accumulated so far for the given event
// type, for tests and diagnostics that inspect a batch before it is
// flushed.
func (l *Local) Get(c Counter) int64 {
	return l.counts[c]
}

// Counters holds cumulative event counts and the per-source-host packet
// map, both guarded by a single mutex (spec.md §5's event_lock).
type Counters struct {
	mu       sync.Mutex
	totals   [numCounters]int64
	perHost  map[string]int64
	promVecs *prometheus.CounterVec
	promHost *prometheus.CounterVec
}

// Option configures a Counters at construction.
type Option func(*Counters)

// WithPrometheus registers Prometheus counter vectors on the given registry
// (SPEC_FULL.md DOMAIN STACK: the events package additionally exposes its
// totals and per-host map as Prometheus metrics, matching how
// runZeroInc-sockstats exposes socket telemetry).
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(c *Counters) {
		c.promVecs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intensity_stream",
			Name:      "events_total",
			Help:      "Cumulative intensity-stream ingestion event counts by type.",
		}, []string{"event"})
		c.promHost = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intensity_stream",
			Name:      "packets_received_total",
			Help:      "Cumulative packets received per source host:port.",
		}, []string{"source"})
		reg.MustRegister(c.promVecs, c.promHost)
	}
}

// NewCounters constructs an empty Counters.
func NewCounters(opts ...Option) *Counters {
	c := &Counters{perHost: make(map[string]int64)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Flush merges a Local batch into the shared totals under the event lock,
// and resets the local batch for reuse. Called once per packet list and
// once per cancellation check (spec.md §4.6/§4.7).
func (c *Counters) Flush(l *Local) {
	c.mu.Lock()
	for i := Counter(0); i < numCounters; i++ {
		if l.counts[i] != 0 {
			c.totals[i] += l.counts[i]
			if c.promVecs != nil {
				c.promVecs.WithLabelValues(i.String()).Add(float64(l.counts[i]))
			}
		}
	}
	c.mu.Unlock()
	*l = Local{}
}

// AddHostPackets records count additional packets received from source
// (an "ip:port" string).
func (c *Counters) AddHostPackets(source string, count int64) {
	c.mu.Lock()
	c.perHost[source] += count
	if c.promHost != nil {
		c.promHost.WithLabelValues(source).Add(float64(count))
	}
	c.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all cumulative event counts,
// keyed by name (spec.md §6: get_event_counts()).
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, numCounters)
	for i := Counter(0); i < numCounters; i++ {
		out[i.String()] = c.totals[i]
	}
	return out
}

// PerHostPackets returns a point-in-time copy of the per-source packet
// counts (spec.md §6: get_perhost_packets()).
func (c *Counters) PerHostPackets() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.perHost))
	for k, v := range c.perHost {
		out[k] = v
	}
	return out
}
