package qptrie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlloc_BumpChunkGrowsAcrossChunks(t *testing.T) {
	t.Parallel()

	w := Create(testMethods(), nil, NewPolicy(WithChunkSize(4)))
	first := w.allocTwigs(2)
	assert.EqualValues(t, 0, first.chunk())
	assert.EqualValues(t, 0, first.cell())

	second := w.allocTwigs(4) // doesn't fit in the 2 cells left in chunk 0
	assert.NotEqual(t, first.chunk(), second.chunk(), "allocation that doesn't fit must take a fresh chunk")
	assert.EqualValues(t, 0, second.cell())
	assert.EqualValues(t, 6, w.usedCount)
}

func TestAlloc_GrowChunkMaxWhenTableIsFull(t *testing.T) {
	t.Parallel()

	w := Create(testMethods(), nil, NewPolicy(WithChunkSize(2)))
	require.Equal(t, 0, w.chunkMax)

	for i := 0; i < 5; i++ {
		w.allocTwigs(2) // every call fills its 2-cell chunk exactly, forcing a new one
	}
	assert.GreaterOrEqual(t, w.chunkMax, 5)
	assert.Equal(t, 5, w.chunkCount)
}

func TestAlloc_FreeDestroysMutableCellsImmediately(t *testing.T) {
	t.Parallel()

	w := Create(testMethods(), nil, testPolicy())
	r := w.allocTwigs(2)
	destroyed := w.freeTwigs(r, 2)

	assert.True(t, destroyed)
	assert.EqualValues(t, 2, w.freeCount)
	assert.EqualValues(t, 0, w.holdCount)
}

func TestAlloc_FreeDefersImmutableCells(t *testing.T) {
	t.Parallel()

	w := Create(testMethods(), nil, testPolicy())
	r := w.allocTwigs(2)
	// Force the allocation out of the current bump chunk and mark its chunk
	// immutable, so cellsImmutable takes the "chunk marked immutable" branch
	// rather than the fender comparison it uses for the live bump chunk.
	w.bump = invalidChunk
	w.usage[r.chunk()].immutable = true

	destroyed := w.freeTwigs(r, 2)

	assert.False(t, destroyed, "cells below an immutable chunk must not be destroyed in place")
	assert.EqualValues(t, 2, w.freeCount)
	assert.EqualValues(t, 2, w.holdCount)
}

func TestAlloc_ReallocChunkArraysGrowsInPlaceWhenBaseIsUnique(t *testing.T) {
	t.Parallel()

	w := Create(testMethods(), nil, testPolicy())
	w.allocTwigs(1)
	before := w.base

	w.reallocChunkArrays(w.chunkMax + 4)

	assert.Same(t, before, w.base, "a uniquely-referenced base table is grown in place")
	assert.Equal(t, w.chunkMax, len(w.base.ptrs))
	assert.Equal(t, w.chunkMax, len(w.usage))
}

func TestAlloc_ReallocChunkArraysClonesWhenBaseIsShared(t *testing.T) {
	t.Parallel()

	w := Create(testMethods(), nil, testPolicy())
	w.allocTwigs(1)
	old := w.base
	shared := old.attach() // pretend a reader or snapshot is holding its own ref; same object, refs now 2

	w.reallocChunkArrays(w.chunkMax + 4)

	assert.NotSame(t, old, w.base, "a shared base table must be replaced, not mutated")
	assert.Equal(t, old.ptrs[0], w.base.ptrs[0], "chunk pointers must carry over into the clone")

	// reallocChunkArrays dropped the writer's own reference already, leaving
	// only the one this test is still holding; releasing it is the last one.
	require.True(t, shared.detach())
}
