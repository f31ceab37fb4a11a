// Package partition implements the key partitioner (C1): a pure
// function mapping a key to its owning rank via chunked modulo. It
// holds no state and requires no lookups or consensus to decide
// ownership — it is a global function of the key and the group size
// alone.
package partition

import "distkeyindex/pkg/keytype"

// Owner returns the rank that owns key, given the group's size.
// Keys within the same keytype.ChunkSize-wide chunk share an owner,
// which improves spatial locality of the usage table: Owner(key) ==
// (key >> ChunkBits) mod commSize.
func Owner(key keytype.Key, commSize int) keytype.Rank {
	chunk := key >> keytype.ChunkBits
	return keytype.Rank(chunk % uint64(commSize))
}

// FirstOwnedChunk returns the index (relative to span.First) of the
// first chunk within span that self owns: the smallest c >= 0 such
// that Owner(span.First + c*ChunkSize, commSize) == self.
func FirstOwnedChunk(span keytype.Span, commSize int, self keytype.Rank) int {
	for c := 0; c < commSize; c++ {
		candidate := span.First + uint64(c)*keytype.ChunkSize
		if Owner(candidate, commSize) == self {
			return c
		}
	}
	// commSize chunks cover every residue class exactly once, so a
	// match always exists within the first commSize chunks.
	return 0
}
