// SPDX-License-Identifier: MIT

package plist

import "sync"

// Ringbuf is a bounded single-producer/single-consumer queue of packet
// lists with an end-of-stream flag (spec.md §4.3). Correctness does not
// depend on any single-producer/single-consumer memory-model trick — it is
// protected by an ordinary mutex and condition variable, matching
// ch_frb_io's own implementation note (spec.md §5).
type Ringbuf struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []*List
	capacity int
	ended    bool
}

// New returns an unassembled ring buffer with the given capacity
// (spec.md §6 Config: unassembled_ringbuf_capacity).
func New(capacity int) *Ringbuf {
	r := &Ringbuf{capacity: capacity}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// Put enqueues a packet list. If the ring buffer is full and wait is false,
// Put returns false immediately without blocking (the caller should count
// packet_dropped). If wait is true, Put blocks until there is room or the
// stream ends, returning false only in the latter case.
func (r *Ringbuf) Put(l *List, wait bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.items) >= r.capacity && !r.ended {
		if !wait {
			return false
		}
		r.notFull.Wait()
	}
	if r.ended {
		return false
	}

	r.items = append(r.items, l)
	r.notEmpty.Signal()
	return true
}

// Get blocks until a packet list is available or the stream has ended and
// the queue is empty, in which case it returns (nil, false).
func (r *Ringbuf) Get() (*List, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.items) == 0 && !r.ended {
		r.notEmpty.Wait()
	}
	if len(r.items) == 0 {
		return nil, false
	}

	l := r.items[0]
	r.items = r.items[1:]
	r.notFull.Signal()
	return l, true
}

// End marks the stream ended and wakes all waiters. Idempotent and safe to
// call from any goroutine (spec.md §5 Cancellation).
func (r *Ringbuf) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.ended = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
}

// Len reports the number of packet lists currently queued.
func (r *Ringbuf) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
