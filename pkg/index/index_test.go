package index

import (
	"context"
	"errors"
	"sync"
	"testing"

	"distkeyindex/pkg/indexerr"
	"distkeyindex/pkg/keytype"
	"distkeyindex/pkg/partition"
	"distkeyindex/pkg/transport/localtransport"
)

// newTestGroup constructs size Index handles, one per rank of a fresh
// localtransport.Group, all agreeing on spans via rank 0's broadcast —
// New is itself a collective, so every rank's call must run
// concurrently.
func newTestGroup(t *testing.T, size int, spans []keytype.Span) []*Index {
	t.Helper()
	group := localtransport.NewGroup(size)
	idxs := make([]*Index, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(r int) {
			defer wg.Done()
			idx, err := New(context.Background(), group.Rank(r), 0, spans)
			if err != nil {
				t.Errorf("rank %d: New: %v", r, err)
				return
			}
			idxs[r] = idx
		}(r)
	}
	wg.Wait()
	return idxs
}

// forEachRank runs fn concurrently for every rank 0..n-1, collecting
// each rank's returned error — the shape every collective operation
// under test needs, since every rank must call it at once.
func forEachRank(n int, fn func(rank int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for r := 0; r < n; r++ {
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(r)
		}(r)
	}
	wg.Wait()
	return errs
}

func TestNewAgreesOnRootSpans(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 100}, {First: 200, Last: 300}}
	idxs := newTestGroup(t, 3, spans)
	for r, idx := range idxs {
		if len(idx.spans) != len(spans) {
			t.Fatalf("rank %d: got %d spans, want %d", r, len(idx.spans), len(spans))
		}
		for i, sp := range spans {
			if idx.spans[i] != sp {
				t.Fatalf("rank %d: span %d = %v, want %v", r, i, idx.spans[i], sp)
			}
		}
	}
}

func TestUpdateKeysAndQueryKeysRoundTrip(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 1000}}
	idxs := newTestGroup(t, 2, spans)

	const key = keytype.Key(50)
	errs := forEachRank(2, func(r int) error {
		if r == 0 {
			return idxs[0].UpdateKeys(context.Background(), []keytype.Key{key}, nil)
		}
		return idxs[1].UpdateKeys(context.Background(), nil, nil)
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: UpdateKeys: %v", r, err)
		}
	}

	results := make([][]keytype.KeyProc, 2)
	errs = forEachRank(2, func(r int) error {
		got, err := idxs[r].QueryKeys(context.Background(), []keytype.Key{key})
		results[r] = got
		return err
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: QueryKeys: %v", r, err)
		}
	}

	want := []keytype.KeyProc{{Key: key, Rank: 0}}
	for r, got := range results {
		if len(got) != 1 || got[0] != want[0] {
			t.Fatalf("rank %d: QueryKeys(%d) = %v, want %v", r, key, got, want)
		}
	}
}

func TestUpdateKeysOutOfSpanErrorsEveryRank(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 10}}
	idxs := newTestGroup(t, 2, spans)

	errs := forEachRank(2, func(r int) error {
		if r == 0 {
			return idxs[0].UpdateKeys(context.Background(), []keytype.Key{100}, nil)
		}
		return idxs[1].UpdateKeys(context.Background(), nil, nil)
	})
	for r, err := range errs {
		if !errors.Is(err, indexerr.Sentinel(indexerr.OutOfSpanKey)) {
			t.Fatalf("rank %d: got %v, want OutOfSpanKey", r, err)
		}
	}

	for r, idx := range idxs {
		if idx.store.Len() != 0 {
			t.Fatalf("rank %d: store mutated despite failing update, len=%d", r, idx.store.Len())
		}
	}
}

// TestUpdateKeysCrossRankApply exercises spec.md §8's scenario 2
// literally: rank 0 calls update_keys with a key owned by rank 1, and
// every rank (including the caller) must observe (key, 0) via query,
// with the key applied to rank 1's local store rather than rank 0's.
func TestUpdateKeysCrossRankApply(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 10 * keytype.ChunkSize}}
	idxs := newTestGroup(t, 2, spans)

	const key = keytype.Key(keytype.ChunkSize) // chunk index 1 -> owner rank 1 of 2
	if partition.Owner(key, 2) != 1 {
		t.Fatalf("test setup: expected key %d to be owned by rank 1", key)
	}

	errs := forEachRank(2, func(r int) error {
		if r == 0 {
			return idxs[0].UpdateKeys(context.Background(), []keytype.Key{key}, nil)
		}
		return idxs[1].UpdateKeys(context.Background(), nil, nil)
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: UpdateKeys: %v", r, err)
		}
	}

	want := keytype.KeyProc{Key: key, Rank: 0}
	owner := idxs[1].store.Lookup(key)
	if len(owner) != 1 || owner[0] != want.Rank {
		t.Fatalf("rank 1 (the owner): store.Lookup(%d) = %v, want [%d]", key, owner, want.Rank)
	}
	if caller := idxs[0].store.Lookup(key); len(caller) != 0 {
		t.Fatalf("rank 0 (the caller, not the owner): store.Lookup(%d) = %v, want none applied locally", key, caller)
	}

	results := make([][]keytype.KeyProc, 2)
	errs = forEachRank(2, func(r int) error {
		got, err := idxs[r].QueryKeys(context.Background(), []keytype.Key{key})
		results[r] = got
		return err
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: QueryKeys: %v", r, err)
		}
		if len(results[r]) != 1 || results[r][0] != want {
			t.Fatalf("rank %d: QueryKeys(%d) = %v, want %v", r, key, results[r], want)
		}
	}
}

func TestUpdateKeysRemoveAbsentIsNoop(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 1000}}
	idxs := newTestGroup(t, 2, spans)

	errs := forEachRank(2, func(r int) error {
		if r == 0 {
			return idxs[0].UpdateKeys(context.Background(), nil, []keytype.Key{999})
		}
		return idxs[1].UpdateKeys(context.Background(), nil, nil)
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: removing an absent key should be a no-op, got %v", r, err)
		}
	}
	for r, idx := range idxs {
		if idx.store.Len() != 0 {
			t.Fatalf("rank %d: expected empty store, got len=%d", r, idx.store.Len())
		}
	}
}

// TestQueryReturnsLocalSnapshot exercises the no-argument query() form
// (C4a): it takes no transport round trip and must reflect exactly
// this rank's own key_usage, sorted and duplicate-free, and nothing
// belonging to any other rank.
func TestQueryReturnsLocalSnapshot(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 10 * keytype.ChunkSize}}
	idxs := newTestGroup(t, 2, spans)

	if got := idxs[0].Query(); len(got) != 0 {
		t.Fatalf("rank 0: Query() on an empty store = %v, want none", got)
	}

	const selfOwned = keytype.Key(5) // chunk 0 -> owner rank 0 of 2
	const otherOwned = keytype.Key(keytype.ChunkSize)
	errs := forEachRank(2, func(r int) error {
		if r == 0 {
			return idxs[0].UpdateKeys(context.Background(), []keytype.Key{selfOwned, otherOwned}, nil)
		}
		return idxs[1].UpdateKeys(context.Background(), nil, nil)
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: UpdateKeys: %v", r, err)
		}
	}

	got := idxs[0].Query()
	want := []keytype.KeyProc{{Key: selfOwned, Rank: 0}}
	if len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("rank 0: Query() = %v, want %v (the remote-owned key must not appear in rank 0's own snapshot)", got, want)
	}

	gotOther := idxs[1].Query()
	wantOther := []keytype.KeyProc{{Key: otherOwned, Rank: 0}}
	if len(gotOther) != len(wantOther) || gotOther[0] != wantOther[0] {
		t.Fatalf("rank 1: Query() = %v, want %v", gotOther, wantOther)
	}
}

func TestQueryRequestDedupsRepeatedKeys(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 1000}}
	idxs := newTestGroup(t, 2, spans)

	const key = keytype.Key(7)
	errs := forEachRank(2, func(r int) error {
		if r == 0 {
			return idxs[0].UpdateKeys(context.Background(), []keytype.Key{key}, nil)
		}
		return idxs[1].UpdateKeys(context.Background(), nil, nil)
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: UpdateKeys: %v", r, err)
		}
	}

	results := make([][]keytype.KeyProc, 2)
	errs = forEachRank(2, func(r int) error {
		request := []keytype.KeyProc{
			{Key: key, Rank: keytype.Rank(r)},
			{Key: key, Rank: keytype.Rank(r)},
		}
		got, err := idxs[r].QueryRequest(context.Background(), request)
		results[r] = got
		return err
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: QueryRequest: %v", r, err)
		}
	}

	for r, got := range results {
		if len(got) != 1 {
			t.Fatalf("rank %d: duplicate requests produced duplicate answers: %v", r, got)
		}
	}
}

func TestGenerateNewKeysDisjointAcrossRanks(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 5*keytype.ChunkSize - 1}}
	idxs := newTestGroup(t, 3, spans)

	want := []int{2, 3, 1}
	results := make([][][]keytype.Key, 3)
	errs := forEachRank(3, func(r int) error {
		got, err := idxs[r].GenerateNewKeys(context.Background(), []int{want[r]})
		results[r] = got
		return err
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: GenerateNewKeys: %v", r, err)
		}
	}

	seen := make(map[keytype.Key]int)
	total := 0
	for r, spansOut := range results {
		keys := spansOut[0]
		if len(keys) != want[r] {
			t.Fatalf("rank %d: got %d keys, want %d", r, len(keys), want[r])
		}
		for _, k := range keys {
			if owner, ok := seen[k]; ok {
				t.Fatalf("key %d returned to both rank %d and rank %d", k, owner, r)
			}
			seen[k] = r
			total++
		}
	}
	if total != want[0]+want[1]+want[2] {
		t.Fatalf("got %d total keys, want %d", total, want[0]+want[1]+want[2])
	}
}

func TestGenerateNewKeysSpanExhaustionErrorsEveryRank(t *testing.T) {
	spans := []keytype.Span{{First: 0, Last: 1}} // capacity 2
	idxs := newTestGroup(t, 2, spans)

	errs := forEachRank(2, func(r int) error {
		_, err := idxs[r].GenerateNewKeys(context.Background(), []int{5})
		return err
	})
	for r, err := range errs {
		if !errors.Is(err, indexerr.Sentinel(indexerr.SpanExhausted)) {
			t.Fatalf("rank %d: got %v, want SpanExhausted", r, err)
		}
	}
}
