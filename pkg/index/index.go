// Package index implements the Distributed Sparse Key Index: the
// replicated per-rank data structure that tracks which ranks currently
// hold which keys, allocates fresh globally-unique keys from declared
// spans, and applies coordinated batch add/remove of key-rank
// associations. Every exported operation on Index except Query is a
// collective — every rank in the group must call it, and it blocks
// until this rank's contribution to the underlying transport exchange
// is complete. Query is local: it returns this rank's own key_usage
// and does not collect the sharing records other ranks hold.
package index

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/zhangyunhao116/skipset"

	"distkeyindex/pkg/indexerr"
	"distkeyindex/pkg/keystore"
	"distkeyindex/pkg/keytype"
	"distkeyindex/pkg/partition"
	"distkeyindex/pkg/transport"
)

// Index is the per-rank handle on the distributed sparse key index.
type Index struct {
	t transport.Transport

	spans      []keytype.Span
	chunkFirst []int

	store *keystore.Store
}

// Option configures construction beyond the spans every rank agrees
// on. There are no options yet exported beyond the zero value; the
// type exists so New's signature doesn't need to change if local
// knobs (e.g. an injected clock for tests) are added later.
type Option func(*Index)

// New constructs the index for this rank: root's spans are
// broadcast to the group and become authoritative everywhere,
// matching the construction contract (rank 0 authoritative,
// broadcast-received). An empty span list on root synthesizes the
// full KeyType range. Every rank must call New; it is itself a
// collective.
func New(ctx context.Context, t transport.Transport, root int, localSpans []keytype.Span, opts ...Option) (*Index, error) {
	var wireSpans []keytype.Span
	if t.Rank() == root {
		wireSpans = localSpans
		if len(wireSpans) == 0 {
			wireSpans = []keytype.Span{keytype.FullRange()}
		}
	}

	buf, err := t.Broadcast(ctx, encodeSpans(wireSpans), root)
	if err != nil {
		return nil, fmt.Errorf("broadcast span list: %w", err)
	}
	spans, err := decodeSpans(buf)
	if err != nil {
		return nil, fmt.Errorf("decode broadcast span list: %w", err)
	}
	if err := validateSpans(spans); err != nil {
		return nil, err
	}

	self := keytype.Rank(t.Rank())
	chunkFirst := make([]int, len(spans))
	for i, sp := range spans {
		chunkFirst[i] = partition.FirstOwnedChunk(sp, t.Size(), self)
	}

	idx := &Index{
		t:          t,
		spans:      spans,
		chunkFirst: chunkFirst,
		store:      keystore.New(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Close collectively destroys the index. No broadcast is needed, but
// every rank participates for symmetry with the underlying transport's
// collective-barrier model.
func (idx *Index) Close(ctx context.Context) error {
	_, err := idx.t.AllReduceSum(ctx, []uint64{0})
	if err != nil {
		return fmt.Errorf("close barrier: %w", err)
	}
	return nil
}

func validateSpans(spans []keytype.Span) error {
	if len(spans) == 0 {
		return indexerr.New(indexerr.InvalidSpanList, 1)
	}
	for i, sp := range spans {
		if sp.Last < sp.First {
			return indexerr.New(indexerr.InvalidSpanList, 1)
		}
		if i > 0 && sp.First <= spans[i-1].Last {
			return indexerr.New(indexerr.InvalidSpanList, 1)
		}
	}
	return nil
}

func encodeSpans(spans []keytype.Span) []byte {
	buf := make([]byte, 16*len(spans))
	for i, sp := range spans {
		binary.BigEndian.PutUint64(buf[16*i:], sp.First)
		binary.BigEndian.PutUint64(buf[16*i+8:], sp.Last)
	}
	return buf
}

func decodeSpans(buf []byte) ([]keytype.Span, error) {
	if len(buf)%16 != 0 {
		return nil, fmt.Errorf("span list buffer has %d bytes, not a multiple of 16", len(buf))
	}
	spans := make([]keytype.Span, len(buf)/16)
	for i := range spans {
		spans[i] = keytype.Span{
			First: binary.BigEndian.Uint64(buf[16*i:]),
			Last:  binary.BigEndian.Uint64(buf[16*i+8:]),
		}
	}
	return spans, nil
}

// newKeyDedupSet returns an empty ordered set used by the owner side
// of QueryRequest to deduplicate the keys of an incoming request batch
// and visit them in ascending order before doing lookup work. The set
// is local to one QueryRequest call and filled by a single goroutine.
func newKeyDedupSet() *skipset.OrderedSet[keytype.Key] {
	return skipset.New[keytype.Key]()
}
