package qptrie

import (
	"sync/atomic"
	"unsafe"
)

// testLeaf is the opaque value type test cases store, giving the
// attach/detach refcount balance something concrete to check.
type testLeaf struct {
	name string
	val  int
	refs int32
}

func testMethods() Methods {
	return Methods{
		Attach: func(_ unsafe.Pointer, pval unsafe.Pointer, _ uint32) {
			atomic.AddInt32(&(*testLeaf)(pval).refs, 1)
		},
		Detach: func(_ unsafe.Pointer, pval unsafe.Pointer, _ uint32) {
			atomic.AddInt32(&(*testLeaf)(pval).refs, -1)
		},
		MakeKey: func(_ unsafe.Pointer, pval unsafe.Pointer, _ uint32) Key {
			return KeyFromDottedName((*testLeaf)(pval).name)
		},
		TrieName: func(unsafe.Pointer) string { return "test" },
	}
}

func newTestLeaf(name string, val int) *testLeaf {
	return &testLeaf{name: name, val: val}
}

func testPolicy() *Policy {
	return NewPolicy(WithChunkSize(16), WithMinUsed(2), WithMaxFree(2))
}
