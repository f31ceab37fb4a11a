package index

import (
	"context"
	"fmt"
	"sort"

	"distkeyindex/pkg/indexerr"
	"distkeyindex/pkg/keytype"
)

// GenerateNewKeys implements the key generator (C6): requests[i] is how
// many fresh keys this rank wants drawn from spans[i]. It returns
// requestedKeys[i], disjoint from every key currently in key_usage and
// from every key any other rank's call returns in the same round.
//
// The protocol runs in three phases (1 and 3 collective, 2 local) plus
// a transport phase:
//
//  1. Global counts: every rank's used-key count and request count per
//     span are all-reduced, so every rank can independently verify every
//     span has enough free capacity for the round.
//  2. Local planning: each rank walks only the chunks of each span it
//     owns, up to the point the global counts say no further keys are
//     needed, collecting unused keys. It keeps up to requests[i] of them
//     for itself (drawn from the tail of what it found) and records any
//     surplus as donatable.
//  3. Donor matching: new_request (requests[i] minus the total this rank
//     found for span i, which goes negative for a rank with surplus) is
//     all-gathered, and every rank independently computes the same
//     deterministic donor-to-receiver assignment.
//
// A transport phase then moves donated keys from donor to receiver in a
// single two-phase all-to-all spanning every span at once; each donor
// also records (key, receiver) in its own key_usage, since the donor is
// always the key's owner by construction (it only ever found the key
// inside a chunk it owns).
func (idx *Index) GenerateNewKeys(ctx context.Context, requests []int) ([][]keytype.Key, error) {
	n := len(idx.spans)
	size := idx.t.Size()
	self := idx.t.Rank()

	existingGlobal, requestsGlobal, err := idx.generateGlobalCounts(ctx, requests)
	if err != nil {
		return nil, err
	}

	plans := make([]spanPlan, n)
	for i, sp := range idx.spans {
		plans[i] = idx.planSpan(i, sp, requests, existingGlobal[i], requestsGlobal[i])
	}

	newRequest := make([]int64, n)
	for i, p := range plans {
		newRequest[i] = p.newRequest
	}
	allNewRequest, err := idx.gatherNewRequest(ctx, newRequest)
	if err != nil {
		return nil, err
	}

	var ownKeys []keytype.Key
	for _, p := range plans {
		ownKeys = append(ownKeys, p.keep...)
	}

	// Compute every span's donations before touching the store: nothing
	// is applied locally until the transport round that carries them
	// has actually succeeded.
	send := make([][]byte, size)
	type pending struct {
		key keytype.Key
		to  int
	}
	var donated []pending
	for i := range idx.spans {
		donations := donorMatch(allNewRequest, self, i, size)
		if len(donations) == 0 {
			continue
		}
		remaining := plans[i].donatable
		off := 0
		for _, d := range donations {
			for j := 0; j < d.count && off < len(remaining); j++ {
				k := remaining[off]
				off++
				donated = append(donated, pending{key: k, to: d.to})
				send[d.to] = append(send[d.to], packKeys([]keytype.Key{k})...)
			}
		}
	}

	recv, _, err := idx.t.AllToAll(ctx, false, send)
	if err != nil {
		return nil, fmt.Errorf("generate_new_keys: donation transport: %w", err)
	}

	for _, k := range ownKeys {
		idx.store.Append(keytype.KeyProc{Key: k, Rank: keytype.Rank(self)})
	}
	for _, d := range donated {
		idx.store.Append(keytype.KeyProc{Key: d.key, Rank: keytype.Rank(d.to)})
	}
	idx.store.SortUnique()

	for _, payload := range recv {
		ownKeys = append(ownKeys, unpackKeys(payload)...)
	}

	sortKeys(ownKeys)

	requestedKeys := make([][]keytype.Key, n)
	offset := 0
	for i, r := range requests {
		end := offset + r
		if end > len(ownKeys) {
			end = len(ownKeys)
		}
		requestedKeys[i] = ownKeys[offset:end]
		offset = end
	}
	return requestedKeys, nil
}

// generateGlobalCounts runs phase 1: a 2*n+1 all-reduce of (used-key
// count per span, requested count per span, a bad-size bit), followed
// by the group-wide capacity check every rank performs identically.
func (idx *Index) generateGlobalCounts(ctx context.Context, requests []int) (existing, requested []uint64, err error) {
	n := len(idx.spans)
	badLocal := 0
	if len(requests) != n {
		badLocal = 1
	}

	vec := make([]uint64, 2*n+1)
	for i, sp := range idx.spans {
		vec[i] = idx.store.CountDistinctKeysInSpan(sp)
	}
	if badLocal == 0 {
		for i, r := range requests {
			vec[n+i] = uint64(r)
		}
	}
	vec[2*n] = uint64(badLocal)

	sums, err := idx.t.AllReduceSum(ctx, vec)
	if err != nil {
		return nil, nil, fmt.Errorf("generate_new_keys: global counts: %w", err)
	}
	if sums[2*n] > 0 {
		return nil, nil, indexerr.New(indexerr.InvalidRequestSize, badLocal)
	}

	existing = sums[0:n]
	requested = sums[n : 2*n]
	for i, sp := range idx.spans {
		if existing[i]+requested[i] > sp.Len() {
			return nil, nil, indexerr.New(indexerr.SpanExhausted, requests[i])
		}
	}
	return existing, requested, nil
}

// gatherNewRequest all-gathers every rank's new_request vector and
// reshapes it into allNewRequest[rank][spanIndex].
func (idx *Index) gatherNewRequest(ctx context.Context, newRequest []int64) ([][]int64, error) {
	n := len(newRequest)
	size := idx.t.Size()

	vec := make([]uint64, n)
	for i, v := range newRequest {
		vec[i] = uint64(v)
	}
	flat, err := idx.t.AllGather(ctx, vec)
	if err != nil {
		return nil, fmt.Errorf("generate_new_keys: gather new_request: %w", err)
	}

	out := make([][]int64, size)
	for p := 0; p < size; p++ {
		row := make([]int64, n)
		for i := 0; i < n; i++ {
			row[i] = int64(flat[p*n+i])
		}
		out[p] = row
	}
	return out, nil
}

// spanPlan is the result of phase 2's local walk of this rank's owned
// chunks within a single span.
type spanPlan struct {
	keep       []keytype.Key // kept for this rank's own request
	donatable  []keytype.Key // surplus found beyond requests[i], in walk order
	newRequest int64         // requests[i] - total found; negative means surplus
}

// planSpan walks this rank's owned chunks of span, bounded by the
// global key count the span needs for this round, collecting unused
// keys. It keeps up to requests[i] of them (drawn from the tail) for
// this rank and leaves the rest, in original order, as donatable.
func (idx *Index) planSpan(i int, span keytype.Span, requests []int, existingGlobal, requestedGlobal uint64) spanPlan {
	want := 0
	if i < len(requests) {
		want = requests[i]
	}

	total := existingGlobal + requestedGlobal
	if total == 0 {
		return spanPlan{newRequest: int64(want)}
	}
	keyGlobalMax := span.First + total - 1

	start := span.First + uint64(idx.chunkFirst[i])*keytype.ChunkSize
	stride := uint64(idx.t.Size()) * keytype.ChunkSize

	var found []keytype.Key
	for chunkStart := start; chunkStart <= keyGlobalMax; chunkStart += stride {
		chunkEnd := chunkStart + keytype.ChunkSize - 1
		if chunkEnd > keyGlobalMax {
			chunkEnd = keyGlobalMax
		}
		for k := chunkStart; k <= chunkEnd; k++ {
			if !idx.store.HasKey(k) {
				found = append(found, k)
			}
			if k == chunkEnd {
				break
			}
		}
	}

	keep := want
	if keep > len(found) {
		keep = len(found)
	}
	return spanPlan{
		keep:       append([]keytype.Key(nil), found[len(found)-keep:]...),
		donatable:  append([]keytype.Key(nil), found[:len(found)-keep]...),
		newRequest: int64(want) - int64(len(found)),
	}
}

// donation is one donor-to-receiver assignment for a single span.
type donation struct {
	to    int
	count int
}

// donorMatch computes self's donations for span spanIdx, given every
// rank's new_request vector. It returns nil if self isn't a donor for
// this span. Every rank computes this independently from the same
// all-gathered input, so the assignment is identical everywhere.
func donorMatch(allNewRequest [][]int64, self, spanIdx, size int) []donation {
	selfReq := allNewRequest[self][spanIdx]
	if selfReq >= 0 {
		return nil
	}
	d := -selfReq

	donorAmount := func(p int) int64 {
		v := allNewRequest[p][spanIdx]
		if v < 0 {
			return -v
		}
		return 0
	}

	var previousDonate int64
	for p := 0; p < self; p++ {
		previousDonate += donorAmount(p)
	}
	endDonate := previousDonate + d

	var donations []donation
	var previousReceive int64
	for p := 0; p < size && d > 0; p++ {
		req := allNewRequest[p][spanIdx]
		if req <= 0 {
			continue
		}
		previousReceive += req
		for previousDonate < previousReceive && d > 0 {
			n := min64(previousReceive, endDonate) - previousDonate
			if n <= 0 {
				break
			}
			donations = append(donations, donation{to: p, count: int(n)})
			previousDonate += n
			d -= n
		}
	}
	return donations
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func sortKeys(keys []keytype.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
