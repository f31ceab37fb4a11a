package index

import (
	"context"
	"fmt"

	"distkeyindex/pkg/keytype"
	"distkeyindex/pkg/partition"
)

// Query returns this rank's full local key_usage snapshot — no
// transport round trip is made since the answer is exactly the local
// store's contents, already sorted and duplicate-free. It is not a
// collective: records of this rank's keys held only by their owning
// ranks are not included.
func (idx *Index) Query() []keytype.KeyProc {
	src := idx.store.All()
	out := make([]keytype.KeyProc, len(src))
	copy(out, src)
	return out
}

// QueryKeys routes each of keys to its owner and returns the sorted,
// duplicate-free union of every (key, rank) association the owners
// hold for them. It is a thin wrapper over QueryRequest: "tell me
// about these keys" is "tell self_rank about these keys".
func (idx *Index) QueryKeys(ctx context.Context, keys []keytype.Key) ([]keytype.KeyProc, error) {
	self := keytype.Rank(idx.t.Rank())
	request := make([]keytype.KeyProc, len(keys))
	for i, k := range keys {
		request[i] = keytype.KeyProc{Key: k, Rank: self}
	}
	return idx.QueryRequest(ctx, request)
}

// QueryRequest is the query engine's core primitive (C4): request is a
// list of (key, target_rank) pairs. The owner of each key forwards
// every (key, rank') association it holds to that pair's target_rank.
// It runs two collective rounds: first routing each request to the
// key's owner, then routing each owner's answers to the requested
// target. Every rank must call this with its own slice of the overall
// request load (possibly empty); each round is a full AllToAll
// regardless of how much load any one rank contributes.
func (idx *Index) QueryRequest(ctx context.Context, request []keytype.KeyProc) ([]keytype.KeyProc, error) {
	size := idx.t.Size()

	toOwner := make([][]keytype.KeyProc, size)
	for _, r := range request {
		owner := int(partition.Owner(r.Key, size))
		toOwner[owner] = append(toOwner[owner], r)
	}
	send1 := make([][]byte, size)
	for p, reqs := range toOwner {
		send1[p] = packKeyProcs(reqs)
	}

	recv1, _, err := idx.t.AllToAll(ctx, false, send1)
	if err != nil {
		return nil, fmt.Errorf("query: route requests to owners: %w", err)
	}

	// Owner-side processing: every key the group asked this rank
	// about, deduplicated, with the distinct set of targets that asked
	// about it — duplicate asks (from the same or different senders)
	// must not produce duplicate answers.
	targetsByKey := make(map[keytype.Key]map[keytype.Rank]struct{})
	dedup := newKeyDedupSet()
	for _, payload := range recv1 {
		for _, r := range unpackKeyProcs(payload) {
			dedup.Add(r.Key)
			targets, ok := targetsByKey[r.Key]
			if !ok {
				targets = make(map[keytype.Rank]struct{})
				targetsByKey[r.Key] = targets
			}
			targets[r.Rank] = struct{}{}
		}
	}

	toTarget := make([][]keytype.KeyProc, size)
	dedup.Range(func(key keytype.Key) bool {
		matches := idx.store.Lookup(key)
		for target := range targetsByKey[key] {
			for _, rank := range matches {
				toTarget[int(target)] = append(toTarget[int(target)], keytype.KeyProc{Key: key, Rank: rank})
			}
		}
		return true
	})

	send2 := make([][]byte, size)
	for p, kps := range toTarget {
		send2[p] = packKeyProcs(sortUniqueKeyProcs(kps))
	}

	recv2, _, err := idx.t.AllToAll(ctx, false, send2)
	if err != nil {
		return nil, fmt.Errorf("query: deliver answers: %w", err)
	}

	var result []keytype.KeyProc
	for _, payload := range recv2 {
		result = append(result, unpackKeyProcs(payload)...)
	}
	return sortUniqueKeyProcs(result), nil
}
