package index

import (
	"context"
	"encoding/binary"
	"fmt"

	"distkeyindex/pkg/indexerr"
	"distkeyindex/pkg/keytype"
	"distkeyindex/pkg/partition"
)

// UpdateKeys implements the update engine (C5): add and remove are
// this rank's own lists of keys to associate with / disassociate from
// itself. Every non-self-owned key is routed to its owner, and the
// (key, caller) record is applied to the owner's key_usage only, not
// to the caller's. Repeated calls
// with the same arguments after the first are no-ops; removing a pair
// that isn't present is silently ignored (see the open question on
// this in the design notes — left as specified, not tightened).
func (idx *Index) UpdateKeys(ctx context.Context, add, remove []keytype.Key) error {
	size := idx.t.Size()
	self := keytype.Rank(idx.t.Rank())

	// Step 1: local validation — every add key must fall inside some
	// span.
	localBad := 0
	for _, k := range add {
		if !idx.spanContains(k) {
			localBad++
		}
	}

	// Steps 2-4: sizing + packing. Route every add/remove key by
	// owner; self-owned entries are applied directly without a wire
	// round trip.
	toOwnerRemove := make([][]keytype.Key, size)
	for _, k := range remove {
		toOwnerRemove[partition.Owner(k, size)] = append(toOwnerRemove[partition.Owner(k, size)], k)
	}
	toOwnerAdd := make([][]keytype.Key, size)
	if localBad == 0 {
		for _, k := range add {
			toOwnerAdd[partition.Owner(k, size)] = append(toOwnerAdd[partition.Owner(k, size)], k)
		}
	}

	send := make([][]byte, size)
	for p := 0; p < size; p++ {
		send[p] = packUpdateMessage(toOwnerRemove[p], toOwnerAdd[p])
	}

	// Step 3: allocate-with-error, piggybacked onto the same exchange
	// as the packed payload.
	recv, anyBad, err := idx.t.AllToAll(ctx, localBad > 0, send)
	if err != nil {
		return fmt.Errorf("update_keys: exchange: %w", err)
	}
	if anyBad {
		return indexerr.New(indexerr.OutOfSpanKey, localBad)
	}

	// Step 6: local apply (self-owned removes).
	for _, k := range toOwnerRemove[idx.t.Rank()] {
		idx.store.Mark(k, self)
	}
	// Step 7: remote apply (received removes).
	for p, payload := range recv {
		if p == idx.t.Rank() {
			continue
		}
		removeKeys, _ := unpackUpdateMessage(payload)
		for _, k := range removeKeys {
			idx.store.Mark(k, keytype.Rank(p))
		}
	}
	// Step 8: compact tombstones.
	idx.store.Compact()

	// Step 9: local apply (self-owned adds).
	for _, k := range toOwnerAdd[idx.t.Rank()] {
		idx.store.Append(keytype.KeyProc{Key: k, Rank: self})
	}
	// Step 10: remote apply (received adds).
	for p, payload := range recv {
		if p == idx.t.Rank() {
			continue
		}
		_, addKeys := unpackUpdateMessage(payload)
		for _, k := range addKeys {
			idx.store.Append(keytype.KeyProc{Key: k, Rank: keytype.Rank(p)})
		}
	}
	// Step 11: sort-unique.
	idx.store.SortUnique()

	return nil
}

func (idx *Index) spanContains(k keytype.Key) bool {
	for _, sp := range idx.spans {
		if sp.Contains(k) {
			return true
		}
	}
	return false
}

// packUpdateMessage writes the remove-count u64 prefix, the remove
// keys, then the add keys — the §4.5 packing layout.
func packUpdateMessage(remove, add []keytype.Key) []byte {
	buf := make([]byte, 8+8*len(remove)+8*len(add))
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(remove)))
	off := 8
	for _, k := range remove {
		binary.BigEndian.PutUint64(buf[off:], k)
		off += 8
	}
	for _, k := range add {
		binary.BigEndian.PutUint64(buf[off:], k)
		off += 8
	}
	return buf
}

func unpackUpdateMessage(buf []byte) (remove, add []keytype.Key) {
	if len(buf) < 8 {
		return nil, nil
	}
	removeCount := binary.BigEndian.Uint64(buf[0:8])
	off := 8
	remove = make([]keytype.Key, removeCount)
	for i := range remove {
		remove[i] = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}
	addCount := (len(buf) - off) / 8
	add = make([]keytype.Key, addCount)
	for i := range add {
		add[i] = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}
	return remove, add
}
