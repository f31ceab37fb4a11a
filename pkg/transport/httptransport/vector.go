package httptransport

import "encoding/binary"

// encodeUint64s/decodeUint64s pack the uint64 vectors exchanged by
// AllReduceSum and AllGather into envelope payloads. The packing
// format used by C5/C6 (remove-count prefix + keys) is built
// separately at the index layer and reaches the transport as opaque
// AllToAll bytes; the transport only ever needs to move flat uint64
// vectors and opaque byte strings.
func encodeUint64s(vec []uint64) []byte {
	out := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.BigEndian.PutUint64(out[i*8:], v)
	}
	return out
}

func decodeUint64s(buf []byte) []uint64 {
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return out
}
