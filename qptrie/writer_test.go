package qptrie

import (
	"math/bits"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter() *Writer {
	return Create(testMethods(), nil, testPolicy())
}

func insertName(t *testing.T, w *Writer, name string, val int) *testLeaf {
	t.Helper()
	leaf := newTestLeaf(name, val)
	err := w.Insert(KeyFromDottedName(name), unsafe.Pointer(leaf), uint32(val))
	require.NoError(t, err)
	return leaf
}

func getName(w *Writer, name string) (*testLeaf, uint32, error) {
	pval, ival, err := w.GetByKey(KeyFromDottedName(name))
	if err != nil {
		return nil, 0, err
	}
	return (*testLeaf)(pval), ival, nil
}

func TestWriter_EmptyTrie(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	_, _, err := getName(w, "example.")
	assert.ErrorIs(t, err, ErrNotFound)

	err = w.DeleteByKey(KeyFromDottedName("example."))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriter_SingleInsert(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	insertName(t, w, "example.", 7)

	leaf, ival, err := getName(w, "example.")
	require.NoError(t, err)
	assert.Equal(t, 7, leaf.val)
	assert.EqualValues(t, 7, ival)

	leaf, _, err = getName(w, "EXAMPLE.")
	require.NoError(t, err)
	assert.Equal(t, 7, leaf.val)

	_, _, err = getName(w, "foo.example.")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriter_GrowBranch(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	names := []string{"a.x.", "b.x.", "c.x."}
	for i, name := range names {
		insertName(t, w, name, i)
		assert.EqualValues(t, i+1, w.LeafCount())
		for _, prior := range names[:i+1] {
			_, _, err := getName(w, prior)
			assert.NoErrorf(t, err, "expected %q to be retrievable after inserting %q", prior, name)
		}
	}
}

func TestWriter_NewBranchSplit(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	insertName(t, w, "aa.x.", 1)
	insertName(t, w, "ab.x.", 2)

	assert.True(t, w.root().isBranch())

	_, _, err := getName(w, "aa.x.")
	require.NoError(t, err)
	_, _, err = getName(w, "ab.x.")
	require.NoError(t, err)
}

func TestWriter_DeleteDownToOne(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	insertName(t, w, "a.x.", 1)
	insertName(t, w, "b.x.", 2)

	require.NoError(t, w.DeleteByKey(KeyFromDottedName("a.x.")))

	leaf, _, err := getName(w, "b.x.")
	require.NoError(t, err)
	assert.Equal(t, 2, leaf.val)
	assert.EqualValues(t, 1, w.LeafCount())

	assert.True(t, w.root().isLeaf(), "parent branch must collapse to the surviving sibling")
}

func TestWriter_DoubleInsertIsIdempotent(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	insertName(t, w, "example.", 1)

	leaf := newTestLeaf("example.", 2)
	err := w.Insert(KeyFromDottedName("example."), unsafe.Pointer(leaf), 2)
	assert.ErrorIs(t, err, ErrExists)
	assert.EqualValues(t, 1, w.LeafCount())
}

func TestWriter_RefcountConservation(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	leaves := make([]*testLeaf, 0, 32)
	for i := 0; i < 32; i++ {
		name := randomDottedName(i)
		leaves = append(leaves, insertName(t, w, name, i))
	}

	for i := 0; i < 32; i++ {
		require.NoError(t, w.DeleteByKey(KeyFromDottedName(randomDottedName(i))))
	}

	for _, leaf := range leaves {
		assert.EqualValues(t, 0, leaf.refs)
	}
	assert.EqualValues(t, 0, w.LeafCount())
}

func TestWriter_BranchInvariant(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	for i := 0; i < 64; i++ {
		insertName(t, w, randomDottedName(i), i)
	}

	var walk func(r ref)
	walk = func(r ref) {
		n := w.cellAt(r)
		if n.isLeaf() {
			return
		}
		size := n.branchTwigsSize()
		assert.GreaterOrEqualf(t, size, 2, "branch must have at least 2 twigs")
		assert.EqualValues(t, bits.OnesCount64(n.branchBitmap()), size)
		twigs := n.branchTwigsRef()
		for i := 0; i < size; i++ {
			walk(makeRef(twigs.chunk(), twigs.cell()+cellIndex(i)))
		}
	}
	walk(w.rootRef)
}

func randomDottedName(i int) string {
	return "host" + itoa(i) + ".example."
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func TestWriter_CompactAllPreservesContents(t *testing.T) {
	t.Parallel()

	w := newTestWriter()
	for i := 0; i < 40; i++ {
		insertName(t, w, randomDottedName(i), i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, w.DeleteByKey(KeyFromDottedName(randomDottedName(i))))
	}

	w.Compact(CompactAll)

	for i := 20; i < 40; i++ {
		leaf, _, err := getName(w, randomDottedName(i))
		require.NoErrorf(t, err, "name %d should survive compaction", i)
		assert.Equal(t, i, leaf.val)
	}
	for i := 0; i < 20; i++ {
		_, _, err := getName(w, randomDottedName(i))
		assert.ErrorIs(t, err, ErrNotFound)
	}
}
