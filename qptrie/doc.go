// Package qptrie implements a quadbit-popcount trie (qp-trie), an in-memory
// associative container specialised for DNS names.
//
// A qp-trie is built from Nodes, each either a branch or a leaf. A branch
// holds a popcount-indexed bitmap over a small alphabet of "shifts" (see
// key.go) plus a reference to a contiguous run of child Nodes ("twigs").
// A leaf holds a user-owned pointer and a 32-bit user word.
//
// On top of the bare trie, this package layers:
//
//   - a bump-pointer chunk allocator (chunk.go, alloc.go) that packs nodes
//     into large contiguous chunks instead of allocating each one
//     individually;
//   - a copy-on-write transactional layer (multi.go) giving wait-free reader
//     snapshots concurrent with a single writer;
//   - a compacting garbage collector (compact.go, reclaim.go) that
//     defragments chunks once garbage crosses a policy threshold, deferring
//     final release of in-use chunks to a quiescent-state based reclamation
//     oracle (qsbr.go).
//
// Single-writer use (Writer) needs no transactions: it behaves like an
// ordinary mutable trie, still built on the chunk allocator and the
// compacting collector. Multi-writer use (Multi) adds transactions, and
// every committed version is exposed to readers as an immutable snapshot
// without ever blocking them.
package qptrie
