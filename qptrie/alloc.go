package qptrie

import "sync/atomic"

// This file is the bump allocator: the fast path that carves twig runs out
// of the current bump chunk, and the slow path that finds or creates a
// fresh chunk when the bump chunk is full.

// cellsImmutable reports whether the cells at ref are immutable: either
// they live below the fender in the reused bump chunk, or their chunk is
// marked immutable outright.
func (w *Writer) cellsImmutable(r ref) bool {
	c := r.chunk()
	if c == w.bump {
		return r.cell() < w.fender
	}
	return w.usage[c].immutable
}

// allocTwigs reserves size contiguous cells, preferring the bump chunk's
// fast path and falling back to allocSlow when it doesn't fit.
func (w *Writer) allocTwigs(size int) ref {
	if w.bump == invalidChunk {
		return w.allocSlow(size)
	}
	u := &w.usage[w.bump]
	cell := u.used
	if int(cell)+size > w.policy.ChunkSize {
		return w.allocSlow(size)
	}
	u.used += cellIndex(size)
	w.usedCount += uint64(size)
	return makeRef(w.bump, cell)
}

// allocSlow finds an unused chunk table slot (growing the table if none is
// free), allocates a fresh raw chunk there, installs it as the new bump
// chunk, and bumps size cells from its start.
func (w *Writer) allocSlow(size int) ref {
	id := w.findFreeChunkSlot()
	w.base.set(id, newChunk(w.policy.ChunkSize, w.policy.WriteProtect))
	w.usage[id] = chunkUsage{exists: true, used: cellIndex(size)}
	w.bump = id
	w.fender = 0
	w.chunkCount++
	w.usedCount += uint64(size)
	return makeRef(id, 0)
}

func (w *Writer) findFreeChunkSlot() chunkID {
	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		if !w.usage[id].exists {
			return id
		}
	}
	firstNew := w.chunkMax
	w.reallocChunkArrays(w.growChunkMax())
	return chunkID(firstNew)
}

func (w *Writer) growChunkMax() int {
	if w.chunkMax == 0 {
		return 1
	}
	grown := w.chunkMax + growthStep(w.chunkMax, w.policy.GrowthFactor)
	if grown <= w.chunkMax {
		grown = w.chunkMax + 1
	}
	return grown
}

func growthStep(cur, eighths int) int {
	step := cur * (eighths - 8) / 8
	if step < 1 {
		step = 1
	}
	return step
}

// reallocChunkArrays grows the base table and usage array to newmax slots.
// If the base table is uniquely referenced it is grown in place; otherwise
// a fresh table is allocated and the old one's reference is dropped (freed
// immediately if that drop was the last one, since a shared table is
// always reachable from somewhere else that still holds its own ref).
func (w *Writer) reallocChunkArrays(newmax int) {
	if atomic.LoadInt32(&w.base.refs) == 1 {
		grown := make([]*chunk, newmax)
		copy(grown, w.base.ptrs)
		w.base.ptrs = grown
	} else {
		nb := w.base.clone(newmax)
		if w.base.detach() {
			disposeBaseTable(w.base)
		}
		w.base = nb
	}
	grownUsage := make([]chunkUsage, newmax)
	copy(grownUsage, w.usage)
	w.usage = grownUsage
	w.chunkMax = newmax
}

// freeTwigs marks size cells at r as dead. If they are immutable the free
// is deferred (hold_count grows, cells remain intact for readers still
// looking at them); otherwise they are zeroed in place and the free is
// immediate. Returns true iff the cells were actually destroyed.
func (w *Writer) freeTwigs(r ref, size int) bool {
	c := r.chunk()
	u := &w.usage[c]
	u.free += cellIndex(size)
	w.freeCount += uint64(size)
	if w.freeCount > w.usedCount {
		violation("free_count exceeds used_count")
	}

	if w.cellsImmutable(r) {
		w.holdCount += uint64(size)
		if w.holdCount > w.freeCount {
			violation("hold_count exceeds free_count")
		}
		return false
	}

	cells := w.base.get(c).cells
	for i := 0; i < size; i++ {
		cells[int(r.cell())+i] = node{}
	}
	return true
}

// attachTwigs re-attaches every leaf under the twig run at r, for the case
// where a duplicated run could not be destroyed by freeTwigs (it was
// immutable, so readers still see it) and its leaves must now be
// considered duplicated rather than moved.
func (w *Writer) attachTwigs(r ref, size int) {
	cells := w.base.get(r.chunk()).cells
	for i := 0; i < size; i++ {
		n := &cells[int(r.cell())+i]
		if n.isLeaf() {
			w.methods.attach(w.ctx, n.leafPval(), n.leafIval())
		}
	}
}

func disposeBaseTable(b *baseTable) {
	// Chunks referenced only from a discarded base table have already had
	// their owning usage entries cleared by chunkFree/reclaimChunks before
	// the table itself is ever dropped; nothing further to release here
	// beyond letting the garbage collector reclaim the slice.
	_ = b
}
