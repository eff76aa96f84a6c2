package qptrie

import (
	"math/bits"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_LeafRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tcase := range []struct {
		name string
		ival uint32
	}{
		{"zero ival", 0},
		{"small ival", 7},
		{"max ival", ^uint32(0)},
	} {
		t.Run(tcase.name, func(t *testing.T) {
			leaf := &testLeaf{name: "x.", val: 1}
			n := makeLeaf(unsafe.Pointer(leaf), tcase.ival)

			require.True(t, n.isLeaf())
			assert.False(t, n.isBranch())
			assert.False(t, n.isReader())
			assert.Equal(t, tcase.ival, n.leafIval())
			assert.Equal(t, unsafe.Pointer(leaf), n.leafPval())
		})
	}
}

func TestNode_BranchRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tcase := range []struct {
		name   string
		bitmap uint64
		offset int
	}{
		{"two low bits", uint64(1)<<3 | uint64(1)<<5, 0},
		{"sparse high bits", uint64(1)<<2 | uint64(1)<<47, 12},
		{"offset near max", uint64(1)<<0 | uint64(1)<<1, int(branchOffsetMask) - 1},
	} {
		t.Run(tcase.name, func(t *testing.T) {
			r := makeRef(3, 9)
			n := makeBranch(tcase.bitmap, tcase.offset, r)

			require.True(t, n.isBranch())
			assert.False(t, n.isLeaf())
			assert.Equal(t, tcase.bitmap, n.branchBitmap())
			assert.Equal(t, tcase.offset, n.branchOffset())
			assert.Equal(t, r, n.branchTwigsRef())
			assert.Equal(t, bits.OnesCount64(tcase.bitmap), n.branchTwigsSize())
		})
	}
}

func TestNode_BranchTwigPosMatchesPopcountBefore(t *testing.T) {
	t.Parallel()

	bitmap := uint64(1)<<2 | uint64(1)<<5 | uint64(1)<<6 | uint64(1)<<40
	n := makeBranch(bitmap, 0, makeRef(0, 0))

	// bit below everything: position 0
	assert.Equal(t, 0, n.branchTwigPos(1))
	// bit between the two lowest set bits: position 1
	assert.Equal(t, 1, n.branchTwigPos(4))
	// bit exactly on a set bit: position counts only strictly lower bits
	assert.Equal(t, 1, n.branchTwigPos(5))
	assert.Equal(t, 2, n.branchTwigPos(6))
	// bit above everything: position equals popcount of the whole bitmap
	assert.Equal(t, 4, n.branchTwigPos(47))
}

func TestNode_RefPacksChunkAndCell(t *testing.T) {
	t.Parallel()

	for _, tcase := range []struct {
		chunk chunkID
		cell  cellIndex
	}{
		{0, 0},
		{1, 4096},
		{invalidChunk >> 1, 123},
	} {
		r := makeRef(tcase.chunk, tcase.cell)
		assert.Equal(t, tcase.chunk, r.chunk())
		assert.Equal(t, tcase.cell, r.cell())
	}
}

func TestNode_ReaderNodeRoundTrip(t *testing.T) {
	t.Parallel()

	a := &anchor{root: makeRef(1, 1)}
	n := makeReaderNode(a)

	assert.False(t, n.isLeaf())
	assert.False(t, n.isBranch())
	require.True(t, n.isReader())
	assert.Same(t, a, n.readerAnchor())
}
