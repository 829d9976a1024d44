// SPDX-License-Identifier: MIT

// Package telescope implements the per-beam telescoping ring buffer:
// multi-level aging of assembled chunks, with pairwise time-downsampling on
// eviction from one level to the next (spec.md §3, §4.5).
package telescope

import (
	"errors"
	"sync"

	"github.com/chime-frb/intensity-stream/chunk"
)

// ErrBadCapacities is returned by New when fewer than one level is given or
// any capacity is smaller than 2.
var ErrBadCapacities = errors.New("telescope: every level capacity must be >= 2")

// Entry is one (chunk, binning) pair returned by Snapshot.
type Entry struct {
	Chunk   *chunk.Chunk
	Binning int
}

type level struct {
	items    []*chunk.Chunk // FIFO deque, oldest first
	capacity int
	pending  *chunk.Chunk // one-slot holding area for pairing (spec.md §4.5 dropped())
}

// Buffer is a per-beam telescoping ring buffer with levels 0..L-1, level ℓ
// holding chunks of binning 2^ℓ.
type Buffer struct {
	mu     sync.Mutex
	levels []*level
}

// New allocates a telescoping buffer with the given per-level capacities
// (spec.md §6 Config: telescoping_ringbuf_capacity).
func New(capacities []int) (*Buffer, error) {
	if len(capacities) == 0 {
		return nil, ErrBadCapacities
	}
	levels := make([]*level, len(capacities))
	for i, cap := range capacities {
		if cap < 2 {
			return nil, ErrBadCapacities
		}
		levels[i] = &level{capacity: cap}
	}
	return &Buffer{levels: levels}, nil
}

// Push adds a freshly-closed native-rate chunk at level 0, cascading
// eviction and pairwise downsampling up through higher levels as capacities
// are exceeded (spec.md §4.5).
func (b *Buffer) Push(c *chunk.Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushLevel(0, c)
}

func (b *Buffer) pushLevel(levelIdx int, c *chunk.Chunk) error {
	lv := b.levels[levelIdx]

	if len(lv.items) >= lv.capacity {
		evicted := lv.items[0]
		lv.items = lv.items[1:]
		if err := b.dropped(levelIdx, evicted); err != nil {
			return err
		}
	}
	lv.items = append(lv.items, c)
	return nil
}

func (b *Buffer) dropped(levelIdx int, evicted *chunk.Chunk) error {
	if levelIdx == len(b.levels)-1 {
		// Last level: release. Nothing to do under GC beyond dropping our
		// reference, which the caller already did by removing it from items.
		return nil
	}

	lv := b.levels[levelIdx]
	if lv.pending == nil {
		lv.pending = evicted
		return nil
	}

	merged, err := chunk.Downsample(lv.pending, evicted)
	lv.pending = nil
	if err != nil {
		return err
	}
	return b.pushLevel(levelIdx+1, merged)
}

// Snapshot walks all levels in (level, ichunk) order, returning strong
// references to every chunk whose [FpgaBegin, FpgaEnd) overlaps
// [minFpga, maxFpga] (spec.md §4.5).
func (b *Buffer) Snapshot(minFpga, maxFpga uint64) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	for levelIdx, lv := range b.levels {
		binning := 1 << uint(levelIdx)
		for _, c := range lv.items {
			if c.FpgaEnd > minFpga && c.FpgaBegin <= maxFpga {
				out = append(out, Entry{Chunk: c, Binning: binning})
			}
		}
	}
	return out
}

// LevelSize returns the number of chunks currently retained at the given
// level, for telemetry/tests.
func (b *Buffer) LevelSize(levelIdx int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.levels[levelIdx].items)
}

// NumLevels returns the number of telescoping levels.
func (b *Buffer) NumLevels() int {
	return len(b.levels)
}
