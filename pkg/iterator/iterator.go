// Package iterator defines the minimal cursor contract the local index
// store (pkg/keystore) exposes over its sorted KeyProc sequence.
package iterator

import "distkeyindex/pkg/keytype"

// Iterator walks a sorted, duplicate-free sequence of KeyProc forward
// only — the index never needs reverse iteration.
type Iterator interface {
	// Seek moves the cursor to the first entry whose key is >= target
	// (a lower-bound search).
	Seek(target keytype.Key)
	// First moves to the smallest entry.
	First()
	// Next advances to the next entry.
	Next()
	// Valid reports whether the cursor points at an entry.
	Valid() bool
	// KeyProc returns the entry the cursor currently points at.
	KeyProc() keytype.KeyProc
}
