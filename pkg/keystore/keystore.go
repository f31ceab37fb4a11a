// Package keystore implements the local index store (C2): a dynamic,
// sorted, duplicate-free sequence of KeyProc — the per-rank
// authoritative record of which (key, rank) associations are in use.
//
// Per the design notes, pointer-rich sorted containers are replaced by
// a single flat sorted slice with lower-bound search; deletion marks a
// rank-sentinel tombstone to avoid O(n^2) shifting during bulk erase,
// and a single sort_unique pass at the end of every mutating public
// operation restores the sorted, duplicate-free invariant.
package keystore

import (
	"sort"

	"distkeyindex/pkg/iterator"
	"distkeyindex/pkg/keytype"
)

// Store is the local, per-rank KeyProc table.
type Store struct {
	entries []keytype.KeyProc
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Len reports the number of entries currently stored.
func (s *Store) Len() int {
	return len(s.entries)
}

// All returns the full sorted, duplicate-free entry slice. Callers must
// not mutate the returned slice.
func (s *Store) All() []keytype.KeyProc {
	return s.entries
}

// Append adds kp without re-sorting; SortUnique must be called before
// the store's sorted invariant is relied upon again.
func (s *Store) Append(kp keytype.KeyProc) {
	s.entries = append(s.entries, kp)
}

// LowerBound returns the index of the first entry whose key is >= key.
func (s *Store) LowerBound(key keytype.Key) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Key >= key
	})
}

// Lookup returns every rank currently sharing key, in ascending order.
func (s *Store) Lookup(key keytype.Key) []keytype.Rank {
	i := s.LowerBound(key)
	var ranks []keytype.Rank
	for ; i < len(s.entries) && s.entries[i].Key == key; i++ {
		ranks = append(ranks, s.entries[i].Rank)
	}
	return ranks
}

// Has reports whether (key, rank) is present.
func (s *Store) Has(key keytype.Key, rank keytype.Rank) bool {
	i := s.LowerBound(key)
	for ; i < len(s.entries) && s.entries[i].Key == key; i++ {
		if s.entries[i].Rank == rank {
			return true
		}
	}
	return false
}

// HasKey reports whether key is present under any rank.
func (s *Store) HasKey(key keytype.Key) bool {
	i := s.LowerBound(key)
	return i < len(s.entries) && s.entries[i].Key == key
}

// SkipRun advances past every entry sharing entries[i].Key, returning
// the index just past the run. Used by CountDistinctKeysInSpan, which
// counts keys, not the ranks that hold them.
func (s *Store) SkipRun(i int) int {
	if i >= len(s.entries) {
		return i
	}
	key := s.entries[i].Key
	for i < len(s.entries) && s.entries[i].Key == key {
		i++
	}
	return i
}

// Mark overwrites the rank field of the first exact match for (key,
// rank) with the tombstone sentinel. It is a no-op if the pair isn't
// present — removing a pair that doesn't exist is silently ignored.
func (s *Store) Mark(key keytype.Key, rank keytype.Rank) {
	i := s.LowerBound(key)
	for ; i < len(s.entries) && s.entries[i].Key == key; i++ {
		if s.entries[i].Rank == rank {
			s.entries[i].Rank = keytype.TombstoneRank
			return
		}
	}
}

// Compact drops every entry marked with the tombstone sentinel,
// preserving the relative order of survivors.
func (s *Store) Compact() {
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.Rank != keytype.TombstoneRank {
			out = append(out, e)
		}
	}
	s.entries = out
}

// SortUnique sorts the entries lexicographically (key, then rank) and
// removes exact (key, rank) duplicates. Called exactly once at the end
// of every mutating public operation.
func (s *Store) SortUnique() {
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].Less(s.entries[j])
	})
	if len(s.entries) == 0 {
		return
	}
	out := s.entries[:1]
	for _, e := range s.entries[1:] {
		last := out[len(out)-1]
		if e == last {
			continue
		}
		out = append(out, e)
	}
	s.entries = out
}

// CountDistinctKeysInSpan counts distinct keys (not KeyProc entries)
// whose key lies within [span.First, span.Last], advancing past each
// run of equal-key entries once — used by the generator's global-count
// phase.
func (s *Store) CountDistinctKeysInSpan(span keytype.Span) uint64 {
	var n uint64
	i := s.LowerBound(span.First)
	for i < len(s.entries) && s.entries[i].Key <= span.Last {
		n++
		i = s.SkipRun(i)
	}
	return n
}

// NewIterator returns an Iterator positioned before the first entry.
func (s *Store) NewIterator() iterator.Iterator {
	return &storeIterator{store: s, pos: -1}
}

type storeIterator struct {
	store *Store
	pos   int
}

func (it *storeIterator) Seek(target keytype.Key) {
	it.pos = it.store.LowerBound(target)
}

func (it *storeIterator) First() {
	it.pos = 0
}

func (it *storeIterator) Next() {
	it.pos++
}

func (it *storeIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.store.entries)
}

func (it *storeIterator) KeyProc() keytype.KeyProc {
	return it.store.entries[it.pos]
}
