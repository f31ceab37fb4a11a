// Package keytype defines the core value types shared across the
// distributed sparse key index: keys, ranks, spans and the (key, rank)
// pairs that make up the replicated usage table.
package keytype

import "fmt"

// Key is an unsigned 64-bit identifier for a domain entity (node, edge,
// face, element, ...).
type Key = uint64

// Rank identifies a peer process in the cooperating group. -1 is
// reserved as a tombstone sentinel during erase; it is never a valid
// rank returned by partition.Owner.
type Rank = int

// TombstoneRank marks a KeyProc entry as deleted, pending compaction.
const TombstoneRank Rank = -1

// ChunkBits is the compile-time chunk exponent: chunks are 2^ChunkBits
// keys wide. MUST be identical on every rank in the group.
const ChunkBits = 12

// ChunkSize is the number of keys sharing one partition owner.
const ChunkSize = 1 << ChunkBits

// Span is an inclusive, closed interval [First, Last] over Key. Spans
// supplied to a group are disjoint and strictly increasing by First.
type Span struct {
	First Key
	Last  Key
}

// Len returns the number of keys in the span.
func (s Span) Len() uint64 {
	return s.Last - s.First + 1
}

// Contains reports whether k falls inside the span.
func (s Span) Contains(k Key) bool {
	return k >= s.First && k <= s.Last
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d]", s.First, s.Last)
}

// FullRange is the span synthesized when a group is constructed with no
// explicit spans: the entire Key address space.
func FullRange() Span {
	return Span{First: 0, Last: ^Key(0)}
}

// KeyProc is the atomic record stored in the usage table: key k is in
// use by rank Rank. A key may appear multiple times with distinct ranks
// — that is how sharing across ranks is represented.
type KeyProc struct {
	Key  Key
	Rank Rank
}

// Less orders KeyProc lexicographically: key primary, rank secondary.
func (a KeyProc) Less(b KeyProc) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.Rank < b.Rank
}

func (a KeyProc) String() string {
	return fmt.Sprintf("(%d,%d)", a.Key, a.Rank)
}
