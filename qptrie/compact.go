package qptrie

import "time"

// CompactMode selects how thorough a Compact call is.
type CompactMode int

const (
	// compactMaybe only evacuates twig runs that sit in a fragmented,
	// non-bump chunk (live usage below Policy.MinUsed).
	compactMaybe CompactMode = iota
	// compactAll evacuates every twig run, defragmenting the whole trie
	// into the fewest possible chunks.
	compactAll
)

const (
	CompactMaybe = compactMaybe
	CompactAll   = compactAll
)

// Compact runs the compacting garbage collector over the trie. CompactMaybe
// only touches chunks that look fragmented; CompactAll rebuilds every twig
// run regardless.
func (w *Writer) Compact(mode CompactMode) {
	w.compact(mode)
}

func (w *Writer) compact(mode CompactMode) {
	if w.rootRef == invalidRef {
		return
	}
	start := time.Now()
	before := w.memusage()
	all := mode == compactAll || w.compactAll

	if w.bump != invalidChunk && w.usage[w.bump].free > cellIndex(w.policy.MaxFree) {
		w.retireBumpChunk()
	}

	// The root cell is addressed exactly like a twig, just in a synthetic
	// one-element run of its own; compactRecursive treats it uniformly
	// with any other twig run and hands back its (possibly relocated) ref.
	w.rootRef = w.compactRecursive(w.rootRef, 1, all)
	w.compactAll = false
	w.log.compactDone(time.Since(start), before, w.memusage())
}

// retireBumpChunk discards the current bump chunk and eagerly allocates its
// replacement, used when the current one has accumulated more free cells
// than Policy.MaxFree allows it to keep wasting. The replacement cannot be
// deferred: compact must never leave w.bump invalid, since a second
// compact() call in the same transaction with no intervening allocTwigs
// (e.g. back-to-back collapseBranch deletes) would otherwise index
// w.usage[invalidChunk].
func (w *Writer) retireBumpChunk() {
	w.bump = invalidChunk
	w.fender = 0
	w.allocSlow(0)
}

// compactRecursive compacts the twig run of size cells at twigs (which may
// be the real children of a branch, or the synthetic one-cell run holding
// the trie root) and returns its possibly-new location. Children are
// compacted first (post-order): each branch child's own twig run is
// recompacted via a nested call, and only if that call actually moved
// something does this level bother making twigs mutable to record the
// update. Leaf-only subtrees, and subtrees that didn't need to move,
// leave twigs untouched.
func (w *Writer) compactRecursive(twigs ref, size int, all bool) ref {
	if all || w.chunkFragmented(twigs.chunk()) {
		twigs = w.evacuate(twigs, size)
	}
	immutable := w.cellsImmutable(twigs)

	for pos := 0; pos < size; pos++ {
		childRef := makeRef(twigs.chunk(), twigs.cell()+cellIndex(pos))
		child := *w.cellAt(childRef)
		if !child.isBranch() {
			continue
		}

		oldGrandTwigs := child.branchTwigsRef()
		newGrandTwigs := w.compactRecursive(oldGrandTwigs, child.branchTwigsSize(), all)
		if newGrandTwigs == oldGrandTwigs {
			continue
		}

		if immutable {
			twigs = w.evacuate(twigs, size)
			immutable = false
			childRef = makeRef(twigs.chunk(), twigs.cell()+cellIndex(pos))
		}
		*w.cellAt(childRef) = makeBranch(child.branchBitmap(), child.branchOffset(), newGrandTwigs)
	}

	return twigs
}

// chunkFragmented reports whether chunk c is a candidate for compaction:
// not the bump chunk, and its live cell count is below Policy.MinUsed.
func (w *Writer) chunkFragmented(c chunkID) bool {
	if c == w.bump {
		return false
	}
	u := w.usage[c]
	return int(u.liveUsage()) < w.policy.MinUsed
}
