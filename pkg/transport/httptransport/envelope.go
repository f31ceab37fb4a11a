package httptransport

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// wire layout: [4 bytes fromRank BE][1 byte localBad][protobuf BytesValue payload]
//
// The protobuf well-known BytesValue carries the payload so the header
// (rank + bad bit) and the body don't have to agree on a shared schema
// — only the spec-mandated packing pass inside payload has to be
// byte-identical between sizing and writing; the envelope itself is
// free to use a generic marshaler.
func encodeEnvelope(fromRank int, localBad bool, payload []byte) ([]byte, error) {
	wrapped, err := proto.Marshal(wrapperspb.Bytes(payload))
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}

	out := make([]byte, 5+len(wrapped))
	binary.BigEndian.PutUint32(out[0:4], uint32(fromRank))
	if localBad {
		out[4] = 1
	}
	copy(out[5:], wrapped)
	return out, nil
}

func decodeEnvelope(buf []byte) (fromRank int, localBad bool, payload []byte, err error) {
	if len(buf) < 5 {
		return 0, false, nil, fmt.Errorf("envelope too short: %d bytes", len(buf))
	}
	fromRank = int(binary.BigEndian.Uint32(buf[0:4]))
	localBad = buf[4] != 0

	var bv wrapperspb.BytesValue
	if err := proto.Unmarshal(buf[5:], &bv); err != nil {
		return 0, false, nil, fmt.Errorf("unmarshal envelope payload: %w", err)
	}
	return fromRank, localBad, bv.GetValue(), nil
}
