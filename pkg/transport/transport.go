// Package transport specifies the transport façade (C3): the thin
// abstraction the index core uses for collective communication. It is
// deliberately narrow — five capabilities, all that C4/C5/C6 need —
// so any collective substrate (HTTP, a message queue, an in-process
// fake for tests) can implement it.
//
// Every method except Rank and Size is a collective: every rank in the
// group must call it,
// and it blocks until that rank's contribution is complete and any
// data it expects has arrived. Messages from a single sender to a
// single receiver preserve pack order on unpack; no ordering between
// distinct senders is guaranteed or required — callers re-sort receive
// aggregates themselves.
package transport

import "context"

// Transport is the collective transport façade the index core depends
// on.
type Transport interface {
	// Rank returns this process's rank in the group, 0 <= Rank() <
	// Size().
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int

	// Broadcast sends buf from root to every rank and returns the
	// identical bytes on every rank, including root.
	Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error)

	// AllReduceSum elementwise-sums vec across every rank and returns
	// the replicated result.
	AllReduceSum(ctx context.Context, vec []uint64) ([]uint64, error)

	// AllGather concatenates every rank's vec, ordered by rank, into a
	// result of length Size()*len(vec). Every rank must call it with a
	// vec of the same length.
	AllGather(ctx context.Context, vec []uint64) ([]uint64, error)

	// AllToAll performs the two-phase exchange: send[p] are the bytes
	// this rank addresses to peer p (nil/empty is fine). It returns
	// recv[p], the bytes peer p addressed to this rank, plus the
	// global OR of every rank's localBad flag — piggybacked on the
	// same collective so a failing validation doesn't cost a second
	// round trip. send and the returned recv both have length Size().
	AllToAll(ctx context.Context, localBad bool, send [][]byte) (recv [][]byte, anyBad bool, err error)
}
