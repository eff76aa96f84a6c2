package qptrie

import (
	"time"

	"go.uber.org/zap"
)

// chunkFree detaches any leaves still resident in chunk c, drops any
// embedded reader anchor's base reference, releases the chunk's raw
// storage, and clears its usage/slot entries.
func (w *Writer) chunkFree(c chunkID) {
	chk := w.base.get(c)
	u := &w.usage[c]
	cells := chk.cells
	for i := 0; i < int(u.used); i++ {
		n := &cells[i]
		if n.isLeaf() {
			if n.leafPval() != nil {
				w.methods.detach(w.ctx, n.leafPval(), n.leafIval())
			}
		} else if n.isReader() {
			a := n.readerAnchor()
			if a.base.detach() {
				disposeBaseTable(a.base)
			}
		}
	}
	w.chunkDiscount(c)
	chk.close()
	w.base.set(c, nil)
	*u = chunkUsage{}
	w.chunkCount--
}

// chunkDiscount removes chunk c's used/free counts from the running
// aggregates exactly once: either when it is freed outright, or when it is
// tagged for deferred reclamation, whichever happens first (its phase
// field distinguishes the two, since both paths call this).
func (w *Writer) chunkDiscount(c chunkID) {
	u := w.usage[c]
	if u.phase != 0 {
		return
	}
	w.usedCount -= uint64(u.used)
	w.freeCount -= uint64(u.free)
}

// recycle frees, immediately, every non-bump chunk that is wholly garbage
// and still mutable. Chunks that are immutable cannot be freed yet: some
// reader may still be walking them, so they wait for defer_chunk
// reclamation instead.
func (w *Writer) recycle() {
	start := time.Now()
	freed := 0
	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		u := w.usage[id]
		if id != w.bump && u.exists && !u.immutable && u.liveUsage() == 0 {
			w.chunkFree(id)
			freed++
		}
	}
	if freed > 0 {
		w.log.recycleDone(time.Since(start), freed)
	}
}

// deferChunkReclamation tags every empty, immutable, not-yet-scheduled
// chunk with phase, discounting it from the aggregates so it is not
// double-counted once reclaimChunks eventually frees it. Reports whether
// any chunk was tagged, so the caller knows whether to enqueue this trie
// on the QSBR worklist.
func (w *Writer) deferChunkReclamation(phase uint64) bool {
	tagged := 0
	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		u := &w.usage[id]
		if id != w.bump && u.exists && u.immutable && u.liveUsage() == 0 && u.phase == 0 {
			w.chunkDiscount(id)
			u.phase = phase
			tagged++
		}
	}
	if tagged > 0 {
		w.log.trace("deferred chunks for reclamation", zap.Uint64("phase", phase), zap.Int("count", tagged))
	}
	return tagged > 0
}

// reclaimChunks is the QSBR callback body: once phase has been observed to
// have fully elapsed, every chunk tagged with it is freed, unless a
// snapshot still pins it, in which case it is marked snapfree and left for
// marksweepChunks to clean up when that snapshot is destroyed. Reports
// whether any chunk is still waiting on a later phase, so the caller knows
// whether to reschedule this trie.
func (w *Writer) reclaimChunks(phase uint64) bool {
	freed, deferred, more := 0, 0, false

	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		u := &w.usage[id]
		switch {
		case u.phase == phase && phase != 0:
			if u.snapshot {
				u.snapfree = true
				deferred++
			} else {
				w.chunkFree(id)
				freed++
			}
		case u.phase != 0:
			more = true
		}
	}

	w.log.reclaimDone(phase, freed, deferred)
	return more
}

// marksweepChunks runs when a snapshot is destroyed: it marks every chunk
// still referenced by any remaining snapshot, then frees any chunk that
// was waiting on snapfree and is no longer pinned by one.
func (w *Writer) marksweepChunks(snapshots []*Snapshot) {
	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		w.usage[id].snapmark = false
	}
	for _, s := range snapshots {
		for id, c := range s.base.ptrs {
			if c != nil {
				w.usage[id].snapmark = true
			}
		}
	}
	freed := 0
	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		u := &w.usage[id]
		u.snapshot = u.snapmark
		u.snapmark = false
		if u.snapfree && !u.snapshot {
			w.chunkFree(id)
			freed++
		}
	}
	if freed > 0 {
		w.log.trace("marksweep freed chunks", zap.Int("count", freed))
	}
}
