// SPDX-License-Identifier: MIT

// Package netio implements the UDP network reader: one raw socket, batched
// into packet lists handed to the unassembled ring buffer, with periodic
// cancellation checks and low-rate-mode flush timeouts (spec.md §4.6).
package netio

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	intensity "github.com/chime-frb/intensity-stream"
	"github.com/chime-frb/intensity-stream/events"
	"github.com/chime-frb/intensity-stream/plist"
)

// state is the reader's lifecycle, matching spec.md §4.6's
// {created -> started -> stopping -> joined}.
type state int32

const (
	stateCreated state = iota
	stateStarted
	stateStopping
	stateJoined
)

// Config configures a single UDP reader.
type Config struct {
	IPAddr  string
	UDPPort int

	RecvBufBytes      int
	RecvTimeout       time.Duration
	CancellationCheck time.Duration // stream_cancellation_latency_usec
	ListFlushTimeout  time.Duration // unassembled_ringbuf_timeout_usec

	ListCapPackets int
	ListCapBytes   int

	// AcceptEndOfStream, when true, treats a bare 24-byte datagram as a
	// request to shut the reader down rather than merely counting it.
	AcceptEndOfStream bool

	MaxDatagramSize int
}

// Reader owns one UDP socket and the goroutine that drains it into packet
// lists on the given ring buffer.
type Reader struct {
	cfg      Config
	ringbuf  *plist.Ringbuf
	counters *events.Counters
	log      *logrus.Entry

	fd    int
	state atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}
	joinedCh chan struct{}
}

// New creates a reader bound to no socket yet; Start opens the socket and
// launches the read loop.
func New(cfg Config, ringbuf *plist.Ringbuf, counters *events.Counters, log *logrus.Entry) *Reader {
	return &Reader{
		cfg:      cfg,
		ringbuf:  ringbuf,
		counters: counters,
		log:      log,
		fd:       -1,
		stopCh:   make(chan struct{}),
		joinedCh: make(chan struct{}),
	}
}

// Start opens the UDP socket and launches the read loop on a new goroutine.
// A second call returns an error.
func (r *Reader) Start() error {
	if !r.state.CompareAndSwap(int32(stateCreated), int32(stateStarted)) {
		return fmt.Errorf("netio: reader already started")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("netio: socket: %w", err)
	}

	if r.cfg.RecvBufBytes > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, r.cfg.RecvBufBytes); err != nil {
			unix.Close(fd)
			return fmt.Errorf("netio: setsockopt SO_RCVBUF: %w", err)
		}
	}
	if r.cfg.RecvTimeout > 0 {
		tv := unix.NsecToTimeval(r.cfg.RecvTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			unix.Close(fd)
			return fmt.Errorf("netio: setsockopt SO_RCVTIMEO: %w", err)
		}
	}

	ip := net.ParseIP(r.cfg.IPAddr)
	if ip == nil {
		unix.Close(fd)
		return fmt.Errorf("netio: invalid ip address %q", r.cfg.IPAddr)
	}
	var addr unix.SockaddrInet4
	addr.Port = r.cfg.UDPPort
	copy(addr.Addr[:], ip.To4())
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: bind: %w", err)
	}

	r.fd = fd
	go r.loop()
	return nil
}

// End requests shutdown, flushing any pending list, ending the ring buffer,
// and closing the socket. Idempotent.
func (r *Reader) End() {
	r.stopOnce.Do(func() {
		r.state.Store(int32(stateStopping))
		close(r.stopCh)
	})
}

// Join blocks until the read loop has fully exited.
func (r *Reader) Join() {
	<-r.joinedCh
}

// Port returns the UDP port the reader's socket is bound to, resolving a
// UDPPort=0 wildcard bind after Start. Valid only after Start succeeds.
func (r *Reader) Port() (int, error) {
	sa, err := unix.Getsockname(r.fd)
	if err != nil {
		return 0, err
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("netio: unexpected sockaddr type %T", sa)
	}
	return inet4.Port, nil
}

func (r *Reader) loop() {
	defer func() {
		r.state.Store(int32(stateJoined))
		close(r.joinedCh)
	}()

	var local events.Local
	list := plist.NewList(r.cfg.ListCapPackets, r.cfg.ListCapBytes)
	lastCancelCheck := time.Now()

	flush := func() {
		if list.NumPackets() == 0 {
			return
		}
		if !r.ringbuf.Put(list, false) {
			local.Add(events.PacketDropped, int64(list.NumPackets()))
		}
		list = plist.NewList(r.cfg.ListCapPackets, r.cfg.ListCapBytes)
	}

	for {
		select {
		case <-r.stopCh:
			flush()
			r.ringbuf.End()
			r.counters.Flush(&local)
			unix.Close(r.fd)
			return
		default:
		}

		tail := list.Tail()
		if r.cfg.MaxDatagramSize > 0 && len(tail) > r.cfg.MaxDatagramSize {
			tail = tail[:r.cfg.MaxDatagramSize]
		}
		n, from, err := unix.Recvfrom(r.fd, tail, 0)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
			// Timeout or interrupt: fall through to periodic checks below.
		case err != nil:
			r.log.WithError(err).Error("recvfrom failed, reader exiting")
			flush()
			r.ringbuf.End()
			r.counters.Flush(&local)
			unix.Close(r.fd)
			return
		default:
			local.Add(events.ByteReceived, int64(n))
			if src, ok := from.(*unix.SockaddrInet4); ok {
				host := fmt.Sprintf("%d.%d.%d.%d:%d", src.Addr[0], src.Addr[1], src.Addr[2], src.Addr[3], src.Port)
				r.counters.AddHostPackets(host, 1)
			}

			if intensity.IsEndOfStream(n) {
				// Counted here, not forwarded into a packet list, so
				// packet_received must be incremented alongside
				// packet_end_of_stream rather than in the assembler thread's
				// per-datagram loop (spec.md §8 event conservation).
				local.Add(events.PacketReceived, 1)
				local.Add(events.PacketEndOfStream, 1)
				if r.cfg.AcceptEndOfStream {
					r.End()
				}
			} else {
				list.Commit(n)
				if list.IsFull() {
					flush()
				}
			}
		}

		now := time.Now()
		if r.cfg.ListFlushTimeout > 0 && list.NumPackets() > 0 &&
			now.Sub(list.FirstPacketTime()) >= r.cfg.ListFlushTimeout {
			flush()
		}
		if now.Sub(lastCancelCheck) >= r.cfg.CancellationCheck {
			r.counters.Flush(&local)
			lastCancelCheck = now
		}
	}
}
