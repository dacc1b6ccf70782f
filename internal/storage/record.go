package storage

import (
	"encoding/binary"
	"io"
)

const (
	RecordTypeEntry    byte = 1
	RecordTypeSnapshot byte = 2
)

// Records are stored as: type byte | uvarint(len(payload)) | payload.
func marshalRecord(recType byte, payload []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = recType
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	return buf[:1+n+len(payload)]
}

func unmarshalRecord(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	recType := data[0]
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	start := 1 + n
	end := start + int(length)
	if end > len(data) || end < start {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return recType, data[start:end], nil
}
