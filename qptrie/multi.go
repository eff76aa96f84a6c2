package qptrie

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// rollbackShadow is the full copy of writer state taken when an update
// transaction opens, so Multi.Rollback can restore it verbatim.
type rollbackShadow struct {
	base     *baseTable
	usage    []chunkUsage
	chunkMax int
	rootRef  ref
	bump     chunkID
	fender   cellIndex
	leaf     uint64
	used     uint64
	free     uint64
	hold     uint64
}

// Multi wraps a Writer with the transactional, copy-on-write layer: a
// mutex serialising transaction open/commit/rollback/snapshot, an
// atomically-published pointer to the current reader anchor, a rollback
// shadow while an update transaction is open, and the list of live
// snapshots.
type Multi struct {
	mu sync.Mutex

	w *Writer

	published atomic.Pointer[anchor]
	readerRef ref

	shadow *rollbackShadow

	snapshots []*Snapshot

	reclaimer ReclamationCoordinator
}

// CreateMulti returns a fresh, empty Multi bound to the given callback
// bundle and policy.
func CreateMulti(methods Methods, ctx unsafe.Pointer, policy *Policy) *Multi {
	if policy == nil {
		policy = NewPolicy()
	}
	m := &Multi{
		w:         Create(methods, ctx, policy),
		readerRef: invalidRef,
		reclaimer: policy.Reclaimer,
	}
	return m
}

// Destroy releases the underlying writer. No transaction may be open and
// no snapshots may remain, and the caller must ensure no reclamation work
// for this Multi is outstanding; see DrainSync on the configured
// ReclamationCoordinator.
func (m *Multi) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w.mode != txNone || m.shadow != nil {
		violation("Destroy: a transaction is still open")
	}
	if len(m.snapshots) != 0 {
		violation("Destroy: %d snapshots still live", len(m.snapshots))
	}
	m.published.Store(nil)
	m.w.Destroy()
}

// transactionOpen marks every existing chunk immutable and resets
// hold_count so auto-GC stops counting frees made visible by this
// transaction's predecessors. Must be called with mu held.
func (m *Multi) transactionOpen() {
	w := m.w
	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		u := &w.usage[id]
		if !u.exists {
			continue
		}
		u.immutable = true
		// The bump chunk stays writable across a series of write
		// transactions: only its prefix below the fender is immutable, and
		// the suffix will be bumped into again once Write reuses it.
		if w.policy.WriteProtect && !(w.lastMode == txWrite && id == w.bump) {
			w.base.get(id).protect(false)
		}
	}
	w.holdCount = w.freeCount
}

// Write opens a light transaction and returns the Writer to mutate through.
// Repeated write transactions reuse the bump chunk, separating its already
// committed prefix (the fender) from the newly mutable suffix. "Repeated"
// is judged against lastMode, the mode of the most recently closed
// transaction, not mode itself: mode is always txNone here (Commit/Rollback
// reset it before releasing the mutex), so it can't distinguish "no
// transaction has ever run" from "the previous transaction was a write".
func (m *Multi) Write() *Writer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.w.mode != txNone {
		violation("Write: a transaction is already open")
	}
	m.transactionOpen()

	w := m.w
	if w.lastMode == txWrite {
		w.fender = w.usage[w.bump].used
	} else {
		w.bump = invalidChunk
		w.fender = 0
	}
	w.mode = txWrite
	return w
}

// Update opens a heavy transaction, taking a full shadow of the writer
// state so Rollback can restore it, and returns the Writer to mutate
// through.
func (m *Multi) Update() *Writer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.w.mode != txNone {
		violation("Update: a transaction is already open")
	}
	m.transactionOpen()

	w := m.w
	m.shadow = &rollbackShadow{
		base:     w.base.attach(),
		usage:    append([]chunkUsage(nil), w.usage...),
		chunkMax: w.chunkMax,
		rootRef:  w.rootRef,
		bump:     w.bump,
		fender:   w.fender,
		leaf:     w.leafCount,
		used:     w.usedCount,
		free:     w.freeCount,
		hold:     w.holdCount,
	}
	w.bump = invalidChunk
	w.fender = 0
	w.mode = txUpdate
	return w
}

// Commit publishes the transaction's new root as the current reader
// anchor. This is the linearisation point: a query that loads the
// published pointer after this call observes the new trie; one that
// loaded it before continues to see the old one until destroyed.
func (m *Multi) Commit(w *Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w != m.w || w.mode == txNone {
		violation("Commit: no transaction open on this writer")
	}

	mode := w.mode
	if mode == txUpdate {
		if m.shadow.base.detach() {
			disposeBaseTable(m.shadow.base)
		}
		m.shadow = nil
	}

	if m.readerRef != invalidRef {
		// The old anchor must be in immutable cells so the free defers and
		// the cell survives for chunkFree to drop its base reference later.
		if !w.cellsImmutable(m.readerRef) {
			violation("Commit: previous anchor cell is mutable")
		}
		w.freeTwigs(m.readerRef, 1)
	}

	// The anchor cell must be bumped before shrinking: shrinkBumpChunk trims
	// the chunk's cells down to exactly its used count, so any allocation
	// after it would land past the end of the trimmed slice.
	var anchorRef ref
	if mode == txUpdate {
		w.compact(compactAll)
		anchorRef = w.allocTwigs(1)
		w.shrinkBumpChunk()
	} else {
		anchorRef = w.allocTwigs(1)
	}

	a := &anchor{base: w.base.attach(), root: w.rootRef, multi: m}
	*w.cellAt(anchorRef) = makeReaderNode(a)
	m.readerRef = anchorRef

	m.published.Store(a)

	if mode == txUpdate || w.needGC() {
		w.recycle()
	}

	phase := m.reclaimer.CurrentPhase()
	if w.deferChunkReclamation(phase) {
		m.reclaimer.Enqueue(m, phase)
	}

	w.lastMode = mode
	w.mode = txNone
}

// shrinkBumpChunk trims the bump chunk's backing storage down to exactly
// its used cells once an update transaction has finished compacting,
// since update transactions never reuse a bump chunk across commits.
func (w *Writer) shrinkBumpChunk() {
	if w.bump == invalidChunk {
		return
	}
	u := w.usage[w.bump]
	c := w.base.get(w.bump)
	if c != nil && int(u.used) < len(c.cells) {
		c.cells = c.cells[:u.used]
	}
}

// Rollback discards an update transaction, restoring the writer to its
// state immediately before Update was called. Only valid for update
// transactions: write transactions always commit or abort the process.
func (m *Multi) Rollback(w *Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w != m.w || w.mode != txUpdate {
		violation("Rollback: no update transaction open on this writer")
	}
	start := time.Now()

	shadow := m.shadow
	m.shadow = nil

	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		if !w.usage[id].exists || w.usage[id].immutable {
			continue
		}
		w.chunkFree(id)
		// If the chunk arrays were never replaced this transaction, the
		// shadow's base is the same table chunkFree just cleared the slot in.
		// If they were replaced, the shadow table may still carry this
		// transaction's pointer for the slot (written while the table was
		// shared), so clear it there too.
		if int(id) < len(shadow.base.ptrs) {
			shadow.base.set(id, nil)
		}
	}

	if w.base.detach() {
		disposeBaseTable(w.base)
	}

	w.base = shadow.base
	w.usage = shadow.usage
	w.chunkMax = shadow.chunkMax
	w.rootRef = shadow.rootRef
	w.bump = shadow.bump
	w.fender = shadow.fender
	w.leafCount = shadow.leaf
	w.usedCount = shadow.used
	w.freeCount = shadow.free
	w.holdCount = shadow.hold
	w.lastMode = txUpdate
	w.mode = txNone

	w.log.rollbackDone(time.Since(start))
}

// reclaimPhase is called by the configured ReclamationCoordinator once
// phase has elapsed; it forwards to the writer under the multi-trie
// mutex, since writer chunk state is writer-exclusive.
func (m *Multi) reclaimPhase(phase uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.reclaimChunks(phase)
}

// Memusage returns a full accounting snapshot of the writer's chunk and
// cell usage, adjusted for an in-progress update transaction's bump
// chunk not yet being a full chunk allocation.
func (m *Multi) Memusage() memUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu := m.w.memusage()
	if m.w.mode == txUpdate && m.w.bump != invalidChunk {
		mu.Bytes -= uint64(m.w.policy.ChunkSize * nodeSize)
		mu.Bytes += uint64(m.w.usage[m.w.bump].used) * uint64(nodeSize)
	}
	return mu
}
