// SPDX-License-Identifier: MIT

// Package plist implements the packet list (a bounded append-only buffer of
// raw datagrams) and the single-producer/single-consumer ring buffer of
// packet lists that connects the network reader to the assembler thread
// (spec.md §4.3).
package plist

import "time"

// List is a fixed-capacity, append-only buffer of raw datagrams packed
// back-to-back, with a parallel index of (offset, length). The writer
// (network reader) reserves the tail region via Tail, writes the datagram
// payload into it directly (e.g. via net.PacketConn.ReadFrom), then calls
// Commit to record it — avoiding a second copy on the hot path.
type List struct {
	buf        []byte
	offsets    []int
	lengths    []int
	nbytes     int
	capPackets int
	capBytes   int
	firstAt    time.Time
}

// NewList allocates a packet list with the given per-list capacity limits
// (spec.md §6 Config: max_unassembled_packets_per_list /
// max_unassembled_nbytes_per_list).
func NewList(capPackets, capBytes int) *List {
	return &List{
		buf:        make([]byte, capBytes),
		offsets:    make([]int, 0, capPackets),
		lengths:    make([]int, 0, capPackets),
		capPackets: capPackets,
		capBytes:   capBytes,
	}
}

// Tail returns the writable remainder of the list's backing buffer. The
// caller writes a datagram's payload here before calling Commit.
func (l *List) Tail() []byte {
	return l.buf[l.nbytes:]
}

// Commit records a packet of length n that the caller has just written into
// the slice returned by the most recent Tail call.
func (l *List) Commit(n int) {
	if len(l.offsets) == 0 {
		l.firstAt = time.Now()
	}
	l.offsets = append(l.offsets, l.nbytes)
	l.lengths = append(l.lengths, n)
	l.nbytes += n
}

// IsFull reports whether the list has reached either its packet-count or
// byte-count capacity.
func (l *List) IsFull() bool {
	return len(l.offsets) >= l.capPackets || l.nbytes >= l.capBytes
}

// NumPackets returns the number of packets committed so far.
func (l *List) NumPackets() int {
	return len(l.offsets)
}

// NumBytes returns the number of payload bytes committed so far.
func (l *List) NumBytes() int {
	return l.nbytes
}

// FirstPacketTime returns the wall-clock time Commit was first called on
// this (reset) list, used for low-rate-mode flush timing (spec.md §4.6).
func (l *List) FirstPacketTime() time.Time {
	return l.firstAt
}

// Packet returns the i'th committed packet's bytes, a view into the list's
// backing buffer.
func (l *List) Packet(i int) []byte {
	return l.buf[l.offsets[i] : l.offsets[i]+l.lengths[i]]
}

// Reset clears the list for reuse, matching the "producer writes into empty
// lists returned by the consumer" reuse discipline of spec.md §5.
func (l *List) Reset() {
	l.offsets = l.offsets[:0]
	l.lengths = l.lengths[:0]
	l.nbytes = 0
	l.firstAt = time.Time{}
}
