package qptrie

import "unsafe"

// Methods is the user-supplied callback bundle a trie is created with. It is
// the only way the trie interacts with the values it stores: it never
// inspects pval itself, only passes it back through Attach, Detach and
// MakeKey.
type Methods struct {
	// Attach is invoked whenever a leaf holding (pval, ival) is duplicated
	// into a new cell, e.g. while splicing a twig run during insert, or
	// while evacuating a branch during compaction.
	Attach func(ctx unsafe.Pointer, pval unsafe.Pointer, ival uint32)

	// Detach is invoked whenever a leaf copy holding (pval, ival) is
	// destroyed, e.g. on delete, or when a duplicated twig run is freed.
	Detach func(ctx unsafe.Pointer, pval unsafe.Pointer, ival uint32)

	// MakeKey recovers the trie key for a stored leaf. It must be
	// deterministic and agree with NameToKey for the same logical name:
	// the trie relies on it to resolve ties during insert probing and to
	// confirm a hit during lookup.
	MakeKey func(ctx unsafe.Pointer, pval unsafe.Pointer, ival uint32) Key

	// TrieName renders a short human-readable label for ctx, for
	// diagnostics only; it carries no semantics and may be nil.
	TrieName func(ctx unsafe.Pointer) string
}

func (m *Methods) attach(ctx unsafe.Pointer, pval unsafe.Pointer, ival uint32) {
	if m.Attach != nil {
		m.Attach(ctx, pval, ival)
	}
}

func (m *Methods) detach(ctx unsafe.Pointer, pval unsafe.Pointer, ival uint32) {
	if m.Detach != nil {
		m.Detach(ctx, pval, ival)
	}
}

func (m *Methods) makeKey(ctx unsafe.Pointer, pval unsafe.Pointer, ival uint32) Key {
	if m.MakeKey == nil {
		violation("Methods.MakeKey must not be nil")
	}
	return m.MakeKey(ctx, pval, ival)
}

func (m *Methods) triename(ctx unsafe.Pointer) string {
	if m.TrieName == nil {
		return ""
	}
	return m.TrieName(ctx)
}
