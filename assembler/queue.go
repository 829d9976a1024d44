// SPDX-License-Identifier: MIT

package assembler

import (
	"sync"

	"github.com/chime-frb/intensity-stream/chunk"
)

// chunkQueue is the bounded downstream queue of closed chunks a single
// beam's consumer drains via GetAssembledChunk (spec.md §4.4).
type chunkQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []*chunk.Chunk
	capacity int
	ended    bool
}

func newChunkQueue(capacity int) *chunkQueue {
	q := &chunkQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// tryPush enqueues c, returning false if the queue is already at capacity
// (the caller increments events.AssembledChunkDropped on false).
func (q *chunkQueue) tryPush(c *chunk.Chunk) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, c)
	q.notEmpty.Signal()
	return true
}

// get returns the next chunk, or (nil, false) if wait is false and the
// queue is empty, or if the stream has ended and the queue has drained.
func (q *chunkQueue) get(wait bool) (*chunk.Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.ended {
		if !wait {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

func (q *chunkQueue) end() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ended = true
	q.notEmpty.Broadcast()
}
