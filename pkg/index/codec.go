package index

import (
	"encoding/binary"
	"sort"

	"distkeyindex/pkg/keytype"
)

// packKeyProcs/unpackKeyProcs are the wire format for KeyProc-shaped
// pairs in query's request/response rounds (C5's update message has
// its own layout, packUpdateMessage). 16 bytes per entry: an 8-byte
// key, an 8-byte rank (signed, so the tombstone sentinel round-trips).
func packKeyProcs(kps []keytype.KeyProc) []byte {
	buf := make([]byte, 16*len(kps))
	for i, kp := range kps {
		binary.BigEndian.PutUint64(buf[16*i:], kp.Key)
		binary.BigEndian.PutUint64(buf[16*i+8:], uint64(int64(kp.Rank)))
	}
	return buf
}

func unpackKeyProcs(buf []byte) []keytype.KeyProc {
	out := make([]keytype.KeyProc, len(buf)/16)
	for i := range out {
		out[i] = keytype.KeyProc{
			Key:  binary.BigEndian.Uint64(buf[16*i:]),
			Rank: keytype.Rank(int64(binary.BigEndian.Uint64(buf[16*i+8:]))),
		}
	}
	return out
}

func packKeys(keys []keytype.Key) []byte {
	buf := make([]byte, 8*len(keys))
	for i, k := range keys {
		binary.BigEndian.PutUint64(buf[8*i:], k)
	}
	return buf
}

func unpackKeys(buf []byte) []keytype.Key {
	out := make([]keytype.Key, len(buf)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(buf[8*i:])
	}
	return out
}

// sortUniqueKeyProcs sorts kps lexicographically (key, then rank) and
// removes exact duplicates, mirroring keystore.Store.SortUnique for
// the transient aggregates query builds outside the store.
func sortUniqueKeyProcs(kps []keytype.KeyProc) []keytype.KeyProc {
	if len(kps) == 0 {
		return kps
	}
	sort.Slice(kps, func(i, j int) bool { return kps[i].Less(kps[j]) })
	out := kps[:1]
	for _, kp := range kps[1:] {
		if kp == out[len(out)-1] {
			continue
		}
		out = append(out, kp)
	}
	return out
}
