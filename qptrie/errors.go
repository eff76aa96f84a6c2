package qptrie

import "github.com/pkg/errors"

// ErrExists is returned by Insert when the key is already present.
var ErrExists = errors.New("qptrie: key already exists")

// ErrNotFound is returned by Get/Delete when the key is absent.
var ErrNotFound = errors.New("qptrie: key not found")

// violation panics to signal a contract breach: a missing MakeKey callback,
// a transaction opened in the wrong mode, a writer handed to the wrong
// Multi, or similar programmer error. A Reader used from a goroutine other
// than the one that called Query is not detected. Violations are not
// domain errors: callers cannot
// usefully recover from them, so they abort the operation rather than
// returning a value that could be silently ignored.
func violation(format string, args ...interface{}) {
	panic(errors.Errorf("qptrie: "+format, args...))
}
