package qptrie

import (
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

type chunkID uint32
type cellIndex uint32

const invalidChunk = chunkID(^uint32(0))

// chunk is Policy.ChunkSize node cells, either backed by a plain Go slice or,
// when Policy.WriteProtect is set, by an anonymous mmap region so the
// cells can be toggled between PROT_READ and PROT_READ|PROT_WRITE.
type chunk struct {
	cells  []node
	mapped mmap.MMap // non-nil iff write-protection backs this chunk
}

func newChunk(size int, writeProtect bool) *chunk {
	if !writeProtect {
		return &chunk{cells: make([]node, size)}
	}
	m, err := mmap.MapRegion(nil, size*nodeSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		violation("mmap chunk: %v", err)
	}
	return &chunk{cells: cellsFromBytes(m), mapped: m}
}

const nodeSize = int(unsafe.Sizeof(node{}))

// cellsFromBytes reinterprets the backing bytes of an mmap region as a
// []node slice, so the bump allocator can index into it exactly like an
// ordinary Go-allocated chunk.
func cellsFromBytes(b []byte) []node {
	if len(b)%nodeSize != 0 {
		violation("mmap region size %d is not a multiple of node size %d", len(b), nodeSize)
	}
	return unsafe.Slice((*node)(unsafe.Pointer(&b[0])), len(b)/nodeSize)
}

// protect toggles the chunk's mapping between read-only and read-write. A
// no-op for chunks not backed by mmap.
func (c *chunk) protect(writable bool) {
	if c.mapped == nil {
		return
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(c.mapped, prot); err != nil {
		violation("mprotect chunk: %v", err)
	}
}

func (c *chunk) close() {
	if c.mapped != nil {
		c.protect(true)
		_ = c.mapped.Unmap()
		c.mapped = nil
		c.cells = nil
	}
}

// chunkUsage is the writer-exclusive per-chunk bookkeeping record. It never
// crosses into a base table; only the writer (and its rollback shadow)
// ever reads or writes it.
type chunkUsage struct {
	exists    bool
	immutable bool
	used      cellIndex // bump offset: cells [0, used) are allocated
	free      cellIndex // cells marked dead within [0, used)
	phase     uint64    // QSBR phase awaiting reclamation, 0 = none
	snapshot  bool
	snapmark  bool
	snapfree  bool
}

func (u chunkUsage) liveUsage() cellIndex { return u.used - u.free }

// baseTable is the reference-counted array of chunk pointers the writer,
// readers, and snapshots all index by chunkID. When the writer must grow a
// table that another holder shares, it installs a clone instead of resizing
// the shared one (see reallocChunkArrays). The writer does still store into
// individual slots of a shared table when it installs a new chunk
// (allocSlow) or frees one (chunkFree).
type baseTable struct {
	refs int32
	ptrs []*chunk
}

func newBaseTable(size int) *baseTable {
	return &baseTable{refs: 1, ptrs: make([]*chunk, size)}
}

func (b *baseTable) attach() *baseTable {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// detach drops a reference, and reports whether this call released the
// last one (in which case the caller is responsible for disposing of any
// chunks the table alone was keeping alive).
func (b *baseTable) detach() bool {
	return atomic.AddInt32(&b.refs, -1) == 0
}

func (b *baseTable) clone(newSize int) *baseTable {
	nb := newBaseTable(newSize)
	copy(nb.ptrs, b.ptrs)
	return nb
}

func (b *baseTable) get(id chunkID) *chunk {
	if int(id) >= len(b.ptrs) {
		return nil
	}
	return b.ptrs[id]
}

func (b *baseTable) set(id chunkID, c *chunk) {
	b.ptrs[id] = c
}
