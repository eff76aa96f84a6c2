package qptrie

import (
	"unsafe"

	"go.uber.org/zap"
)

// txMode tracks which kind of transaction, if any, is presently open on a
// Writer. A bare Writer (not wrapped in a Multi) stays at txNone forever:
// none of the COW bookkeeping below cares whether it is being driven
// directly or through a Multi transaction, only whether cells are
// immutable, which cellsImmutable derives from chunk/fender state either
// way.
type txMode int

const (
	txNone txMode = iota
	txWrite
	txUpdate
)

// Writer is the single-writer trie: it owns a base table, the writer-
// exclusive per-chunk usage array, and the running aggregate counters.
// Used on its own it behaves like an ordinary mutable trie; wrapped in a
// Multi (multi.go) it additionally participates in transactions and COW
// publication. Compaction runs in both cases.
type Writer struct {
	base     *baseTable
	usage    []chunkUsage
	chunkMax int

	rootRef ref
	bump    chunkID
	fender  cellIndex

	leafCount uint64
	usedCount uint64
	freeCount uint64
	holdCount uint64

	mode       txMode
	lastMode   txMode // mode of the most recently closed transaction; see Multi.Write
	compactAll bool
	chunkCount int

	methods Methods
	ctx     unsafe.Pointer
	policy  *Policy
	log     statsLogger
}

// Create returns a fresh, empty Writer bound to the given callback bundle
// and policy. A nil policy uses NewPolicy()'s defaults.
func Create(methods Methods, ctx unsafe.Pointer, policy *Policy) *Writer {
	if policy == nil {
		policy = NewPolicy()
	}
	logger := policy.Logger
	if logger != nil {
		if name := methods.triename(ctx); name != "" {
			logger = logger.With(zap.String("trie", name))
		}
	}
	w := &Writer{
		rootRef: invalidRef,
		bump:    invalidChunk,
		methods: methods,
		ctx:     ctx,
		policy:  policy,
		log:     newStatsLogger(logger),
	}
	w.base = newBaseTable(0)
	return w
}

// Destroy frees every chunk the trie still holds, which detaches every
// resident leaf copy (live or deferred) and drops the base reference of any
// embedded reader anchor. The Writer must not be used afterwards.
func (w *Writer) Destroy() {
	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		if w.base.get(id) != nil {
			w.chunkFree(id)
		}
	}
	if w.usedCount != 0 || w.freeCount != 0 {
		violation("Destroy: %d used / %d free cells unaccounted for", w.usedCount, w.freeCount)
	}
	w.rootRef = invalidRef
	w.bump = invalidChunk
}

func (w *Writer) cellAt(r ref) *node {
	c := w.base.get(r.chunk())
	if c == nil {
		violation("dereferenced ref into missing chunk %d", r.chunk())
	}
	return &c.cells[r.cell()]
}

func (w *Writer) root() *node {
	if w.rootRef == invalidRef {
		return nil
	}
	return w.cellAt(w.rootRef)
}

// GetByKey looks up key, returning its (pval, ival) or ErrNotFound.
func (w *Writer) GetByKey(key Key) (unsafe.Pointer, uint32, error) {
	n := w.root()
	if n == nil {
		return nil, 0, ErrNotFound
	}
	for n.isBranch() {
		bit := n.branchKeyBit(key)
		if !n.branchHasTwig(bit) {
			return nil, 0, ErrNotFound
		}
		pos := n.branchTwigPos(bit)
		twigs := n.branchTwigsRef()
		n = w.cellAt(makeRef(twigs.chunk(), twigs.cell()+cellIndex(pos)))
	}
	if compareKeys(key, w.methods.makeKey(w.ctx, n.leafPval(), n.leafIval())) != qpkeyEqual {
		return nil, 0, ErrNotFound
	}
	return n.leafPval(), n.leafIval(), nil
}

// GetByName is a convenience wrapper around GetByKey for root-first DNS
// labels; see NameToKey.
func (w *Writer) GetByName(labels [][]byte) (unsafe.Pointer, uint32, error) {
	return w.GetByKey(NameToKey(labels))
}

// Insert adds key→(pval, ival) to the trie, or returns ErrExists if key is
// already present.
func (w *Writer) Insert(key Key, pval unsafe.Pointer, ival uint32) error {
	if w.rootRef == invalidRef {
		r := w.allocTwigs(1)
		*w.cellAt(r) = makeLeaf(pval, ival)
		w.rootRef = r
		w.leafCount++
		w.methods.attach(w.ctx, pval, ival)
		return nil
	}

	witness := w.probe(key)
	newOffset := compareKeys(key, witness)
	if newOffset == qpkeyEqual {
		return ErrExists
	}

	w.rootRef = w.makeRootMutable()
	w.insertAt(&w.rootRef, key, newOffset, pval, ival)
	w.leafCount++
	w.methods.attach(w.ctx, pval, ival)
	w.maybeAutoGC()
	return nil
}

// InsertName is a convenience wrapper around Insert for root-first DNS
// labels; see NameToKey.
func (w *Writer) InsertName(labels [][]byte, pval unsafe.Pointer, ival uint32) error {
	return w.Insert(NameToKey(labels), pval, ival)
}

// probe descends picking any present twig at each branch, without
// comparing the key at all, to recover a "witness" leaf key that the real
// insert/delete walk then compares against.
func (w *Writer) probe(key Key) Key {
	n := w.root()
	for n.isBranch() {
		bit := n.branchKeyBit(key)
		var pos int
		if n.branchHasTwig(bit) {
			pos = n.branchTwigPos(bit)
		} else {
			pos = 0
		}
		twigs := n.branchTwigsRef()
		n = w.cellAt(makeRef(twigs.chunk(), twigs.cell()+cellIndex(pos)))
	}
	return w.methods.makeKey(w.ctx, n.leafPval(), n.leafIval())
}

// insertAt walks from *slot (already made mutable by the caller) inserting
// (pval, ival) under key, which is known to diverge from everything
// presently below *slot at bit offset newOffset.
func (w *Writer) insertAt(slot *ref, key Key, newOffset int, pval unsafe.Pointer, ival uint32) {
	n := w.cellAt(*slot)

	if n.isLeaf() || n.branchOffset() > newOffset {
		w.spliceNewBranch(slot, key, newOffset, pval, ival)
		return
	}

	if n.branchOffset() == newOffset {
		bit := keyBitAt(key, newOffset)
		if !n.branchHasTwig(bit) {
			w.growBranch(slot, bit, pval, ival)
			return
		}
	}

	// Still short of the divergence point: descend toward the witness
	// leaf along the branch bit the key actually has there.
	bit := n.branchKeyBit(key)
	pos := n.branchTwigPos(bit)
	childMutable := w.makeTwigsMutable(slot, n, pos)
	w.insertAt(&childMutable, key, newOffset, pval, ival)
}

// spliceNewBranch replaces *slot, which diverges from key at newOffset,
// with a fresh 2-twig branch holding the old subtree and the new leaf,
// ordered by their shift values at newOffset.
func (w *Writer) spliceNewBranch(slot *ref, key Key, newOffset int, pval unsafe.Pointer, ival uint32) {
	oldTwig := *w.cellAt(*slot)
	newLeaf := makeLeaf(pval, ival)

	oldBit := keyBitAt(w.witnessKeyFor(oldTwig), newOffset)
	newBit := keyBitAt(key, newOffset)
	if oldBit == newBit {
		violation("spliceNewBranch: colliding shifts at offset %d", newOffset)
	}

	twigs := w.allocTwigs(2)
	cells := w.base.get(twigs.chunk()).cells
	base := int(twigs.cell())
	bitmap := uint64(1)<<oldBit | uint64(1)<<newBit
	if oldBit < newBit {
		cells[base] = oldTwig
		cells[base+1] = newLeaf
	} else {
		cells[base] = newLeaf
		cells[base+1] = oldTwig
	}

	*w.cellAt(*slot) = makeBranch(bitmap, newOffset, twigs)
}

// witnessKeyFor recovers a representative key for the (possibly branch)
// node old: the key of any leaf beneath it, following the leftmost twig.
func (w *Writer) witnessKeyFor(old node) Key {
	n := old
	for n.isBranch() {
		twigs := n.branchTwigsRef()
		n = *w.cellAt(makeRef(twigs.chunk(), twigs.cell()))
	}
	return w.methods.makeKey(w.ctx, n.leafPval(), n.leafIval())
}

// growBranch splices a new leaf into the branch at *slot, which already
// diverges at the right offset but lacks bit in its bitmap.
func (w *Writer) growBranch(slot *ref, bit byte, pval unsafe.Pointer, ival uint32) {
	n := *w.cellAt(*slot)
	oldSize := n.branchTwigsSize()
	oldTwigs := n.branchTwigsRef()
	pos := n.branchTwigPos(bit)

	newTwigs := w.allocTwigs(oldSize + 1)
	newCells := w.base.get(newTwigs.chunk()).cells
	newBase := int(newTwigs.cell())

	wasImmutable := w.cellsImmutable(oldTwigs)
	oldCells := w.base.get(oldTwigs.chunk()).cells
	oldBase := int(oldTwigs.cell())
	copy(newCells[newBase:newBase+pos], oldCells[oldBase:oldBase+pos])
	newCells[newBase+pos] = makeLeaf(pval, ival)
	copy(newCells[newBase+pos+1:newBase+oldSize+1], oldCells[oldBase+pos:oldBase+oldSize])

	destroyed := w.freeTwigs(oldTwigs, oldSize)
	if wasImmutable && !destroyed {
		w.attachTwigs(newTwigs, pos)
		w.attachTwigs(makeRef(newTwigs.chunk(), newTwigs.cell()+cellIndex(pos+1)), oldSize-pos)
	}

	*w.cellAt(*slot) = makeBranch(n.branchBitmap()|uint64(1)<<bit, n.branchOffset(), newTwigs)
}

// makeRootMutable evacuates the root twig (a size-1 run standing in for
// the single top-level cell) if it is immutable, returning its (possibly
// new) ref.
func (w *Writer) makeRootMutable() ref {
	if !w.cellsImmutable(w.rootRef) {
		return w.rootRef
	}
	return w.evacuate(w.rootRef, 1)
}

// makeTwigsMutable ensures the twig run holding parent's child at pos is
// mutable, evacuating it (and patching parent's ref) if necessary, then
// returns the ref of that specific child cell.
func (w *Writer) makeTwigsMutable(parentSlot *ref, parent *node, pos int) ref {
	twigs := parent.branchTwigsRef()
	size := parent.branchTwigsSize()
	if w.cellsImmutable(twigs) {
		newTwigs := w.evacuate(twigs, size)
		*w.cellAt(*parentSlot) = makeBranch(parent.branchBitmap(), parent.branchOffset(), newTwigs)
		twigs = newTwigs
	}
	return makeRef(twigs.chunk(), twigs.cell()+cellIndex(pos))
}

// evacuate copies size cells from r into a freshly allocated run, frees
// the old run, and re-attaches leaves if the free could not destroy them
// outright (i.e. the old run was immutable).
func (w *Writer) evacuate(r ref, size int) ref {
	newRef := w.allocTwigs(size)
	srcCells := w.base.get(r.chunk()).cells
	dstCells := w.base.get(newRef.chunk()).cells
	copy(dstCells[newRef.cell():int(newRef.cell())+size], srcCells[r.cell():int(r.cell())+size])

	destroyed := w.freeTwigs(r, size)
	if !destroyed {
		w.attachTwigs(newRef, size)
	}
	return newRef
}

// DeleteByKey removes key from the trie, or returns ErrNotFound.
func (w *Writer) DeleteByKey(key Key) error {
	if w.rootRef == invalidRef {
		return ErrNotFound
	}

	// Make the root mutable before looking at it at all, even when it turns
	// out to be a lone leaf: the cell must be mutable by the time freeTwigs
	// destroys it, or the old immutable copy would linger in its chunk and be
	// detached a second time when that chunk is finally freed.
	w.rootRef = w.makeRootMutable()

	if root := w.root(); root.isLeaf() {
		if compareKeys(key, w.methods.makeKey(w.ctx, root.leafPval(), root.leafIval())) != qpkeyEqual {
			return ErrNotFound
		}
		w.methods.detach(w.ctx, root.leafPval(), root.leafIval())
		w.freeTwigs(w.rootRef, 1)
		w.rootRef = invalidRef
		w.leafCount--
		w.maybeAutoGC()
		return nil
	}

	removed, err := w.deleteAt(&w.rootRef, key)
	if err != nil {
		return err
	}
	if removed {
		w.leafCount--
		w.maybeAutoGC()
	}
	return nil
}

// DeleteByName is a convenience wrapper around DeleteByKey for root-first
// DNS labels; see NameToKey.
func (w *Writer) DeleteByName(labels [][]byte) error {
	return w.DeleteByKey(NameToKey(labels))
}

// deleteAt walks from *slot (already mutable) looking for key, making each
// twig run mutable on the way down so the parent branch can be collapsed in
// place once the leaf is found and removed. The evacuations this causes
// are kept even when the walk ends in ErrNotFound.
func (w *Writer) deleteAt(slot *ref, key Key) (bool, error) {
	n := w.cellAt(*slot)
	bit := n.branchKeyBit(key)
	if !n.branchHasTwig(bit) {
		return false, ErrNotFound
	}
	pos := n.branchTwigPos(bit)
	childRef := w.makeTwigsMutable(slot, n, pos)
	child := w.cellAt(childRef)

	if child.isBranch() {
		return w.deleteAt(&childRef, key)
	}

	if compareKeys(key, w.methods.makeKey(w.ctx, child.leafPval(), child.leafIval())) != qpkeyEqual {
		return false, ErrNotFound
	}
	w.methods.detach(w.ctx, child.leafPval(), child.leafIval())
	w.collapseBranch(slot, n, pos, bit)
	return true, nil
}

// collapseBranch removes the twig at pos from the branch at *slot. A
// 2-twig branch is replaced in place by its surviving sibling; a larger
// branch shifts the tail left by one and frees only the vacated cell.
func (w *Writer) collapseBranch(slot *ref, n *node, pos int, bit byte) {
	size := n.branchTwigsSize()
	twigs := n.branchTwigsRef()

	if size == 2 {
		siblingPos := 1 - pos
		sibling := *w.cellAt(makeRef(twigs.chunk(), twigs.cell()+cellIndex(siblingPos)))
		w.freeTwigs(twigs, 2)
		*w.cellAt(*slot) = sibling
		return
	}

	cells := w.base.get(twigs.chunk()).cells
	base := int(twigs.cell())
	copy(cells[base+pos:base+size-1], cells[base+pos+1:base+size])
	tailRef := makeRef(twigs.chunk(), twigs.cell()+cellIndex(size-1))
	w.freeTwigs(tailRef, 1)
	*w.cellAt(*slot) = makeBranch(n.branchBitmap()&^(uint64(1)<<bit), n.branchOffset(), twigs)
}

// maybeAutoGC runs compact+recycle when accumulated garbage crosses the
// policy threshold: free_count > hold_count + used_count/AutoGCFreeRatio.
// If it fails to bring the ratio back down,
// the next call escalates to a full compaction, except inside a write
// transaction: light transactions trade thoroughness for latency and leave
// the full rebuild to the next update transaction's commit.
func (w *Writer) maybeAutoGC() {
	if !w.needGC() {
		return
	}
	w.compact(compactMaybe)
	w.recycle()
	if w.needGC() && w.mode != txWrite {
		w.compactAll = true
	}
}

// LeafCount returns the number of key/value pairs currently stored.
func (w *Writer) LeafCount() uint64 { return w.leafCount }
