package core

import (
	"context"
	"sort"
)

// StaticCheckpoints is the simplest CheckpointSource: an in-process table
// of hard-coded height→hash pairs, with no refresh behavior. A deployment
// wanting the DNS/HTTP fetch-and-cache variant wires
// internal/checkpointsrc.Source instead, which layers Refresh on top of
// the same Get contract.
type StaticCheckpoints struct {
	byHeight map[uint64]Hash256
	heights  []uint64
}

// NewStaticCheckpoints builds a table from height→hex-decoded-already
// Hash256 pairs. Duplicate heights keep the last value given.
func NewStaticCheckpoints(pairs map[uint64]Hash256) *StaticCheckpoints {
	heights := make([]uint64, 0, len(pairs))
	for h := range pairs {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	cp := make(map[uint64]Hash256, len(pairs))
	for h, id := range pairs {
		cp[h] = id
	}
	return &StaticCheckpoints{byHeight: cp, heights: heights}
}

func (c *StaticCheckpoints) Get(height uint64) (Hash256, bool) {
	id, ok := c.byHeight[height]
	return id, ok
}

// Refresh is a no-op: this source has no external fetch step.
func (c *StaticCheckpoints) Refresh(_ context.Context) error { return nil }

// Merge returns a new table containing every pair from c plus every pair
// from other, with other's value winning on a height collision. Used to
// layer a freshly-fetched remote table over the compiled-in defaults
// without mutating either.
func (c *StaticCheckpoints) Merge(other *StaticCheckpoints) *StaticCheckpoints {
	merged := make(map[uint64]Hash256, len(c.byHeight)+len(other.byHeight))
	for h, id := range c.byHeight {
		merged[h] = id
	}
	for h, id := range other.byHeight {
		merged[h] = id
	}
	return NewStaticCheckpoints(merged)
}

// MaxHeight returns the highest checkpointed height, or 0 if the table is
// empty.
func (c *StaticCheckpoints) MaxHeight() uint64 {
	if len(c.heights) == 0 {
		return 0
	}
	return c.heights[len(c.heights)-1]
}
