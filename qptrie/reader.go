package qptrie

import "unsafe"

// Reader is a light, wait-free read view pinned to whichever goroutine
// called Query. It must not be shared across goroutines or retained past
// the goroutine's next suspension point back to its event loop: the trie
// memory it reads stays valid only until this worker re-enters a
// quiescent state, at which point a grace period may reclaim it.
type Reader struct {
	multi   *Multi
	base    *baseTable
	rootRef ref
	methods *Methods
	ctx     unsafe.Pointer
}

// Query loads the currently published anchor with acquire semantics and
// returns a Reader over it. No lock is taken and no other atomic access
// happens after the initial load.
func (m *Multi) Query() *Reader {
	a := m.published.Load()
	r := &Reader{multi: m, methods: &m.w.methods, ctx: m.w.ctx}
	if a == nil {
		r.rootRef = invalidRef
		return r
	}
	r.base = a.base
	r.rootRef = a.root
	return r
}

// QueryDestroy releases a Reader. Because a light reader never holds a
// base table reference of its own (it shares the one published in the
// anchor, which is kept alive by the anchor's own reference until
// reclaimed), this only needs to stop using r; it exists for symmetry with
// SnapshotDestroy and as a place to add bookkeeping if a future caller
// needs it.
func (r *Reader) QueryDestroy() {
	r.base = nil
	r.rootRef = invalidRef
}

// GetByKey looks up key against the snapshot this reader observed at
// Query time.
func (r *Reader) GetByKey(key Key) (unsafe.Pointer, uint32, error) {
	if r.rootRef == invalidRef || r.base == nil {
		return nil, 0, ErrNotFound
	}
	n := r.cellAt(r.rootRef)
	for n.isBranch() {
		bit := n.branchKeyBit(key)
		if !n.branchHasTwig(bit) {
			return nil, 0, ErrNotFound
		}
		pos := n.branchTwigPos(bit)
		twigs := n.branchTwigsRef()
		n = r.cellAt(makeRef(twigs.chunk(), twigs.cell()+cellIndex(pos)))
	}
	if compareKeys(key, r.methods.makeKey(r.ctx, n.leafPval(), n.leafIval())) != qpkeyEqual {
		return nil, 0, ErrNotFound
	}
	return n.leafPval(), n.leafIval(), nil
}

// GetByName is a convenience wrapper around GetByKey for root-first DNS
// labels; see NameToKey.
func (r *Reader) GetByName(labels [][]byte) (unsafe.Pointer, uint32, error) {
	return r.GetByKey(NameToKey(labels))
}

func (r *Reader) cellAt(ref ref) *node {
	return &r.base.get(ref.chunk()).cells[ref.cell()]
}

// Snapshot is a heavy, long-lived read view: unlike Reader it pins the
// specific chunks it needs directly, so it stays valid across any number
// of further commits until explicitly destroyed, instead of only until
// the next quiescent point.
type Snapshot struct {
	multi   *Multi
	base    *baseTable
	rootRef ref
	methods *Methods
	ctx     unsafe.Pointer
}

// Snapshot takes a heavy reader that pins every chunk presently holding
// live cells against reclamation, valid until SnapshotDestroy regardless
// of intervening commits.
func (m *Multi) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.w
	s := &Snapshot{
		multi:   m,
		base:    newBaseTable(w.chunkMax),
		rootRef: w.rootRef,
		methods: &w.methods,
		ctx:     w.ctx,
	}
	for id := chunkID(0); int(id) < w.chunkMax; id++ {
		u := &w.usage[id]
		if u.exists && u.liveUsage() > 0 {
			u.snapshot = true
			s.base.set(id, w.base.get(id))
		}
	}
	m.snapshots = append(m.snapshots, s)
	return s
}

// SnapshotDestroy unlinks s from its Multi and runs mark-sweep over the
// chunk table, freeing any chunk that was only being kept alive for s.
func (s *Snapshot) SnapshotDestroy() {
	m := s.multi
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, other := range m.snapshots {
		if other == s {
			m.snapshots = append(m.snapshots[:i], m.snapshots[i+1:]...)
			break
		}
	}
	m.w.marksweepChunks(m.snapshots)
}

// GetByKey looks up key against the pinned trie version s observed at
// Snapshot time.
func (s *Snapshot) GetByKey(key Key) (unsafe.Pointer, uint32, error) {
	if s.rootRef == invalidRef {
		return nil, 0, ErrNotFound
	}
	n := s.cellAt(s.rootRef)
	for n.isBranch() {
		bit := n.branchKeyBit(key)
		if !n.branchHasTwig(bit) {
			return nil, 0, ErrNotFound
		}
		pos := n.branchTwigPos(bit)
		twigs := n.branchTwigsRef()
		n = s.cellAt(makeRef(twigs.chunk(), twigs.cell()+cellIndex(pos)))
	}
	if compareKeys(key, s.methods.makeKey(s.ctx, n.leafPval(), n.leafIval())) != qpkeyEqual {
		return nil, 0, ErrNotFound
	}
	return n.leafPval(), n.leafIval(), nil
}

// GetByName is a convenience wrapper around GetByKey for root-first DNS
// labels; see NameToKey.
func (s *Snapshot) GetByName(labels [][]byte) (unsafe.Pointer, uint32, error) {
	return s.GetByKey(NameToKey(labels))
}

func (s *Snapshot) cellAt(ref ref) *node {
	return &s.base.get(ref.chunk()).cells[ref.cell()]
}
